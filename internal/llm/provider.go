// Package llm defines the Provider Adapter (C4): the boundary between the
// runtime's internal message/tool format and an upstream LLM's wire
// protocol. Concrete adapters live in internal/llm/providers.
package llm

import (
	"context"
	"time"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// ToolSchema describes one callable tool as the provider adapter must
// serialize it upstream.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  []byte // JSON Schema, raw
}

// Request is a PreparedContext plus everything else the adapter needs to
// build one upstream call.
type Request struct {
	Model         string
	Messages      []models.Message
	Tools         []ToolSchema
	MaxOutputTokens int
	// CacheBoundaryIndex mirrors PreparedContext.CacheBoundaryIndex; a
	// provider that supports prompt caching may use it, others ignore it.
	CacheBoundaryIndex int
}

// ChunkKind discriminates an LLMChunk.
type ChunkKind int

const (
	ChunkToken ChunkKind = iota
	ChunkToolCallFragment
	ChunkDone
)

// ToolCallFragment is one upstream delta of a (possibly) multi-chunk tool
// call. Index is the provider's per-call slot; ID/FunctionName/Arguments
// are each optionally present in any given fragment — see the Stream
// Multiplexer (internal/stream) for the reassembly rule.
type ToolCallFragment struct {
	Index        int
	ID           string
	FunctionName string
	Arguments    string // partial or complete JSON text
}

// Chunk is one unit of a provider's streamed response.
type Chunk struct {
	Kind ChunkKind

	Token string

	ToolCall ToolCallFragment

	// Usage is populated on the chunk that carries Kind == ChunkDone, if
	// the provider reports it; zero value otherwise (see Open Question 2
	// in DESIGN.md for the fallback estimate policy).
	Usage models.Usage
}

// ErrorKind is the taxonomy surfaced by the adapter per SPEC_FULL.md §4.4/§7.
type ErrorKind string

const (
	ErrTransport   ErrorKind = "transport"
	ErrAuth        ErrorKind = "auth"
	ErrRateLimit   ErrorKind = "rate_limit"
	ErrBadResponse ErrorKind = "bad_response"
	ErrCancelled   ErrorKind = "cancelled"
)

// ProviderError is the typed error every adapter returns or sends on the
// Chunk channel's terminal error path.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	Model      string
	StatusCode int
	// RetryAfter is set when the upstream advertised a delay for a
	// RateLimit error; zero means no hint was given.
	RetryAfter time.Duration
	Cause      error
}

func (e *ProviderError) Error() string {
	msg := string(e.Kind) + ": provider=" + e.Provider
	if e.Model != "" {
		msg += " model=" + e.Model
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether the Agent Loop may retry this error kind at
// all (RateLimit only, per §7; the loop still applies its own policy on
// top, e.g. only retrying if the advertised delay is short).
func (e *ProviderError) Retryable() bool {
	return e.Kind == ErrRateLimit
}

// Provider streams a completion for req, yielding Chunks on the returned
// channel until a ChunkDone chunk or the channel closes. Implementations
// must close the channel after sending ChunkDone or a terminal error.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

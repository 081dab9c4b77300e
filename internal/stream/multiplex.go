// Package stream implements the Stream Multiplexer (C5): it consumes the
// raw Chunk stream a Provider Adapter (C4) emits and reassembles
// fragmented tool-call deltas into complete tool calls, by provider-slot
// index, per SPEC_FULL.md §4.5.
package stream

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentrt/internal/llm"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// part accumulates one in-progress tool call keyed by provider index.
type part struct {
	id        string
	name      string
	arguments string
}

// Result is the outcome of draining one provider stream to completion.
type Result struct {
	Text      string
	ToolCalls []models.ToolCall
	Usage     models.Usage
}

// Multiplexer reassembles a Chunk channel into a Result. It has no
// mutable state of its own; each call to Drain owns its own accumulator.
type Multiplexer struct{}

// New returns a Multiplexer. It carries no configuration today but exists
// as a type so callers have a stable place to add config later without
// changing Drain's signature.
func New() *Multiplexer { return &Multiplexer{} }

// Drain reads chunks until the channel closes or ctx is done, applying
// the merge rule per fragment:
//   - a fragment with a non-empty ID starts or continues the part at its
//     index, recording the id/name and concatenating arguments
//   - a fragment with an empty ID and empty FunctionName is a pure
//     argument continuation: its Arguments are appended to the part at
//     its index (or, if that slot was never opened, to the most
//     recently opened part — providers that never repeat the index
//     still stream argument deltas this way)
//   - anything else starts a new part at its index
//
// On finalize, parts with an empty FunctionName are dropped (logged by
// the caller) since a tool call without a name cannot be dispatched;
// parts with an empty ID are assigned a generated call_<uuid> id, since
// some providers (Gemini) never emit one.
// onToken, if non-nil, is invoked synchronously for every text token as
// it arrives, so a caller (the Agent Loop, C7) can forward it to the
// event bus in real time without waiting for the stream to finish.
func (mx *Multiplexer) Drain(ctx context.Context, chunks <-chan llm.Chunk, onToken func(string)) (*Result, error) {
	parts := map[int]*part{}
	order := []int{}
	lastIndex := -1
	var text strings.Builder
	var usage models.Usage

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return finalize(order, parts, text.String(), usage), nil
			}
			switch c.Kind {
			case llm.ChunkToken:
				text.WriteString(c.Token)
				if onToken != nil && c.Token != "" {
					onToken(c.Token)
				}
				if c.Usage != (models.Usage{}) {
					usage = c.Usage
				}
			case llm.ChunkToolCallFragment:
				lastIndex = mergeFragment(parts, &order, c.ToolCall, lastIndex)
			case llm.ChunkDone:
				if c.Usage != (models.Usage{}) {
					usage = c.Usage
				}
				return finalize(order, parts, text.String(), usage), nil
			}
		}
	}
}

func mergeFragment(parts map[int]*part, order *[]int, frag llm.ToolCallFragment, lastIndex int) int {
	p, exists := parts[frag.Index]

	pureArgumentContinuation := frag.ID == "" && frag.FunctionName == ""
	if pureArgumentContinuation && !exists && lastIndex >= 0 {
		if last, ok := parts[lastIndex]; ok {
			last.arguments += frag.Arguments
			return lastIndex
		}
	}

	if !exists {
		p = &part{}
		parts[frag.Index] = p
		*order = append(*order, frag.Index)
	}
	if frag.ID != "" {
		p.id = frag.ID
	}
	if frag.FunctionName != "" {
		p.name = frag.FunctionName
	}
	p.arguments += frag.Arguments
	return frag.Index
}

func finalize(order []int, parts map[int]*part, text string, usage models.Usage) *Result {
	res := &Result{Text: text, Usage: usage}
	for _, idx := range order {
		p := parts[idx]
		if p.name == "" {
			continue
		}
		id := p.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := p.arguments
		if args == "" {
			args = "{}"
		}
		res.ToolCalls = append(res.ToolCalls, models.ToolCall{
			ID:           id,
			FunctionName: p.name,
			Arguments:    args,
		})
	}
	return res
}

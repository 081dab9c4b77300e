// Package tokencount provides the deterministic token-estimate heuristic
// (C1) every other component in this module budgets against.
package tokencount

import (
	"unicode/utf8"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// TokensPerChar is the chars-per-token heuristic: roughly 4 characters
// per token for English text, expressed as a multiplier.
const TokensPerChar = 0.25

// PerMessageOverhead accounts for the role/metadata wrapper every message
// costs upstream beyond its raw content.
const PerMessageOverhead = 4

// Counter is a deterministic, total-function token estimator. It never
// fails, is monotonic in message count and per-message length, and
// returns a stable value for the same input across calls in one process.
type Counter struct{}

// NewCounter returns the default heuristic counter.
func NewCounter() Counter { return Counter{} }

// CountText estimates the token cost of a single string. Any non-empty
// string costs at least one token.
func (Counter) CountText(s string) uint32 {
	if s == "" {
		return 0
	}
	n := uint32(float64(utf8.RuneCountInString(s)) * TokensPerChar)
	if n < 1 {
		n = 1
	}
	return n
}

// CountMessage estimates the token cost of one message, including its
// tool call / tool result payloads and the per-message overhead.
func (c Counter) CountMessage(m models.Message) uint32 {
	total := c.CountText(m.Content)
	for _, tc := range m.ToolCalls {
		total += c.CountText(tc.FunctionName) + c.CountText(tc.Arguments)
	}
	if m.ToolResult != nil {
		total += c.CountText(m.ToolResult.Payload)
	}
	return total + PerMessageOverhead
}

// CountMessages estimates the total token cost of an ordered list of
// messages. Total-function: never fails, returns 0 for an empty slice.
func (c Counter) CountMessages(msgs []models.Message) uint32 {
	var total uint64
	for _, m := range msgs {
		total += uint64(c.CountMessage(m))
	}
	if total > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(total)
}

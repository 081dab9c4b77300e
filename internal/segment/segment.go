// Package segment implements the Message Segmenter (C2): a single pass
// over a session's messages that groups them into tool-chain-atomic
// segments, so the Context Preparer (C3) can truncate whole segments
// without ever splitting an assistant tool call from its results.
package segment

import (
	"log/slog"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// Result is the output of Segment: the system-role prefix (handled
// separately, always included verbatim) and the chronologically ordered
// segments built from everything else.
type Result struct {
	System   []models.Message
	Segments []models.Segment
}

// Segment groups messages into atomic segments per SPEC_FULL.md §4.2.
//
// Algorithm (single pass):
//  1. Extract all system-role messages into System, preserving order.
//  2. Walk the rest, tracking a pending set of tool_call ids awaiting results.
//  3. An assistant message with non-empty tool_calls closes any open
//     segment and opens a new one, seeding the pending set from its calls.
//  4. A tool message whose tool_call_id is pending is appended to the
//     current segment; once the pending set empties, the segment closes.
//  5. Any other message (plain text, or an orphan tool result) closes the
//     current segment — logging a warning if it was interrupted mid-chain
//     — and becomes its own singleton segment.
func Segment(logger *slog.Logger, messages []models.Message) Result {
	if logger == nil {
		logger = slog.Default()
	}

	var result Result
	result.System = make([]models.Message, 0, len(messages))

	var current *models.Segment
	pending := map[string]struct{}{}

	closeCurrent := func(reason string) {
		if current == nil {
			return
		}
		if len(pending) > 0 {
			logger.Warn("segment: closing interrupted tool chain", "reason", reason, "pending_count", len(pending))
		}
		result.Segments = append(result.Segments, *current)
		current = nil
		pending = map[string]struct{}{}
	}

	for _, m := range messages {
		switch {
		case m.Role == models.RoleSystem:
			result.System = append(result.System, m)

		case m.HasToolCalls():
			closeCurrent("new tool-call assistant message")
			seg := models.Segment{
				Messages:    []models.Message{m},
				ToolCallIDs: make(map[string]struct{}, len(m.ToolCalls)),
				IsToolChain: true,
			}
			for _, tc := range m.ToolCalls {
				seg.ToolCallIDs[tc.ID] = struct{}{}
				pending[tc.ID] = struct{}{}
			}
			current = &seg

		case m.Role == models.RoleTool && current != nil && isPending(pending, m.ToolCallID):
			current.Messages = append(current.Messages, m)
			delete(pending, m.ToolCallID)
			if len(pending) == 0 {
				result.Segments = append(result.Segments, *current)
				current = nil
			}

		case m.Role == models.RoleTool && !isPending(pending, m.ToolCallID):
			// Orphan tool result: no preceding matching tool_call in the
			// currently open chain (or no chain open at all).
			closeCurrent("orphan tool result encountered")
			logger.Warn("segment: orphan tool result", "tool_call_id", m.ToolCallID)
			result.Segments = append(result.Segments, models.Segment{Messages: []models.Message{m}})

		default:
			closeCurrent("plain message interrupts open chain")
			result.Segments = append(result.Segments, models.Segment{Messages: []models.Message{m}})
		}
	}

	// Session ends mid-chain: the open segment becomes the final segment.
	if current != nil {
		if len(pending) > 0 {
			logger.Warn("segment: session ended mid tool-chain", "pending_count", len(pending))
		}
		result.Segments = append(result.Segments, *current)
	}

	return result
}

func isPending(pending map[string]struct{}, id string) bool {
	if id == "" {
		return false
	}
	_, ok := pending[id]
	return ok
}

// Package contextprep implements the Context Preparer (C3): given a
// session and a token budget, it produces the exact message list to send
// upstream, built from the tool-chain-atomic segments the Message
// Segmenter (C2) produces and counted by the Token Counter (C1).
package contextprep

import (
	"fmt"
	"log/slog"

	"github.com/haasonsaas/agentrt/internal/segment"
	"github.com/haasonsaas/agentrt/internal/tokencount"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// SystemPromptTooLargeError is returned when the system-role prefix alone
// exceeds the available input budget; the turn must fail before any
// provider call is made.
type SystemPromptTooLargeError struct {
	SystemTokens uint32
	Available    uint32
}

func (e *SystemPromptTooLargeError) Error() string {
	return fmt.Sprintf("system prompt too large: %d tokens exceeds available input of %d tokens", e.SystemTokens, e.Available)
}

// Preparer runs the C3 protocol described in SPEC_FULL.md §4.3.
type Preparer struct {
	counter tokencount.Counter
	logger  *slog.Logger
}

// New returns a Preparer using the default heuristic counter.
func New(logger *slog.Logger) *Preparer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preparer{counter: tokencount.NewCounter(), logger: logger}
}

// Prepare builds the PreparedContext for one round, given the full
// session message history and the turn's token budget.
func (p *Preparer) Prepare(messages []models.Message, budget models.TokenBudget) (*models.PreparedContext, error) {
	available := budget.AvailableInput()

	segResult := segment.Segment(p.logger, messages)

	systemTokens := p.counter.CountMessages(segResult.System)
	if systemTokens > available {
		return nil, &SystemPromptTooLargeError{SystemTokens: systemTokens, Available: available}
	}
	remaining := available - systemTokens

	segs := segResult.Segments
	for i := range segs {
		segs[i].EstimatedTokens = p.counter.CountMessages(segs[i].Messages)
	}

	// Greedy selection from the most recent segment backwards.
	var accepted []models.Segment
	var segmentsRemoved uint32
	selectedAny := false
	for i := len(segs) - 1; i >= 0; i-- {
		s := segs[i]
		if s.EstimatedTokens > remaining {
			if !selectedAny {
				p.logger.Warn("contextprep: skipping oversized segment with nothing selected yet",
					"estimated_tokens", s.EstimatedTokens, "remaining_budget", remaining)
				segmentsRemoved++
				continue
			}
			// Including this segment would exceed remaining budget and
			// we already have more-recent content selected: stop, the
			// rest (older) are dropped too.
			segmentsRemoved += uint32(i + 1)
			break
		}
		accepted = append([]models.Segment{s}, accepted...)
		remaining -= s.EstimatedTokens
		selectedAny = true
	}

	var outMessages []models.Message
	outMessages = append(outMessages, segResult.System...)
	for _, s := range accepted {
		outMessages = append(outMessages, s.Messages...)
	}

	windowTokens := p.counter.CountMessages(outMessages)
	pc := &models.PreparedContext{
		Messages:           outMessages,
		SystemTokens:       systemTokens,
		WindowTokens:       windowTokens,
		TotalTokens:        windowTokens,
		BudgetLimit:        available,
		TruncationOccurred: segmentsRemoved > 0,
		SegmentsRemoved:    segmentsRemoved,
		CacheBoundaryIndex: -1,
	}
	if len(segResult.System) > 0 {
		pc.CacheBoundaryIndex = len(segResult.System) - 1
	}
	return pc, nil
}

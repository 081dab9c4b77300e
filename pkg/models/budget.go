package models

// BudgetStrategyKind selects how the Context Preparer reduces history to
// fit the available token budget. Window is the only fully specified
// strategy today; Summarize and Hybrid are extension points whose
// contracts must still satisfy the invariants in §8 of SPEC_FULL.md.
type BudgetStrategyKind string

const (
	StrategyWindow    BudgetStrategyKind = "window"
	StrategySummarize BudgetStrategyKind = "summarize"
	StrategyHybrid    BudgetStrategyKind = "hybrid"
)

// TokenBudget bounds how much of a model's context window the Context
// Preparer may fill with history.
type TokenBudget struct {
	ModelWindow   uint32
	OutputReserve uint32
	SafetyMargin  uint32
	Strategy      BudgetStrategyKind
}

// AvailableInput is the derived quantity every preparation pass works
// against: model_window − output_reserve − safety_margin, floored at 0.
func (b TokenBudget) AvailableInput() uint32 {
	reserved := uint64(b.OutputReserve) + uint64(b.SafetyMargin)
	if reserved >= uint64(b.ModelWindow) {
		return 0
	}
	return b.ModelWindow - uint32(reserved)
}

// Segment is a transient grouping built from a session's messages during
// truncation. If IsToolChain is true, Messages[0] is an assistant message
// with non-empty ToolCalls, and every id in ToolCallIDs has a matching
// tool message later in Messages.
type Segment struct {
	Messages        []Message
	ToolCallIDs     map[string]struct{}
	IsToolChain     bool
	EstimatedTokens uint32
}

// PreparedContext is what the Context Preparer hands to the Provider
// Adapter.
type PreparedContext struct {
	Messages           []Message
	SystemTokens       uint32
	WindowTokens       uint32
	TotalTokens        uint32
	BudgetLimit        uint32
	TruncationOccurred bool
	SegmentsRemoved    uint32
	// CacheBoundaryIndex is an additive hint (SPEC_FULL.md SUPPLEMENTED
	// FEATURES) marking the index in Messages after which a
	// prompt-caching breakpoint may be placed by a provider adapter that
	// supports it. -1 means no hint.
	CacheBoundaryIndex int
}

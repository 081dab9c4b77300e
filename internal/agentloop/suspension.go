package agentloop

import (
	"encoding/json"

	"github.com/haasonsaas/agentrt/internal/sessions"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// suspensionEventKind tags the sessions.Event that records a turn's
// pause point while one or more tool calls await external approval.
const suspensionEventKind = "agentloop.suspension"

// suspension is the resumption record persisted per §9 ("Approval
// suspension = long-lived state, not a blocked task"): everything
// ResumeApproval needs to pick the turn back up once every pending
// call for a round has a decision.
type suspension struct {
	RunID             string        `json:"run_id"`
	Round             int           `json:"round"`
	LastSequence      uint64        `json:"last_sequence"`
	Usage             models.Usage  `json:"usage"`
	PendingRequestIDs []string      `json:"pending_request_ids"`
	// CallByRequestID maps each pending approval request id back to the
	// ToolCall it gates, so ResumeApproval can execute or deny it
	// without re-deriving it from the assistant message.
	CallByRequestID map[string]models.ToolCall `json:"call_by_request_id"`
}

func (s suspension) encode() []byte {
	data, _ := json.Marshal(s)
	return data
}

func decodeSuspension(data []byte) (suspension, error) {
	var s suspension
	err := json.Unmarshal(data, &s)
	return s, err
}

// loadLatestSuspension scans a session's event log for the most recent
// suspension record, returning ok=false if none exists (e.g. the
// session has never suspended, or the prior suspension already
// resolved and was superseded).
func loadLatestSuspension(events []sessions.Event) (suspension, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind != suspensionEventKind {
			continue
		}
		s, err := decodeSuspension(events[i].Payload)
		if err != nil {
			continue
		}
		return s, true
	}
	return suspension{}, false
}

func removePending(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

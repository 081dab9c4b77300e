// Package sessions implements the Session Store interface (C8): CRUD
// plus an append-only event log, with "at most one live turn per
// session id" enforced by a Locker.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// ErrNotFound is returned by Get when no session exists for the id.
var ErrNotFound = errors.New("sessions: not found")

// Event is one append-only log entry recorded alongside a session,
// used for replay/audit per SPEC_FULL.md's session event replay log.
type Event struct {
	SessionID string
	Seq       uint64
	Kind      string
	Payload   []byte
}

// Store is the interface spec §4.8 names: get/put/list/delete plus
// append_event. Durability is at the implementation's discretion; a
// successful call is treated by the core as durable enough to survive a
// process restart.
type Store interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Put(ctx context.Context, session *models.Session) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
	AppendEvent(ctx context.Context, event Event) error
	Events(ctx context.Context, sessionID string) ([]Event, error)
}

package agentloop

import (
	"sync"
	"time"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// DefaultReapAfter is the recommended TTL from §4.7 ("Runner reaping"):
// a terminal runner is kept around this long to serve late replay
// subscribers before being dropped.
const DefaultReapAfter = 300 * time.Second

// runnerEntry tracks one turn's lifecycle status for late subscribers
// and the reaper sweep.
type runnerEntry struct {
	sessionID string
	status    models.AgentStatus
	// terminalAt is the zero time while the runner is still live; once
	// set, the reaper may drop the entry after reapAfter has elapsed.
	terminalAt time.Time
}

// Registry tracks in-flight and recently-terminal runners by run id.
// Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	runners   map[string]*runnerEntry
	reapAfter time.Duration
}

func NewRegistry(reapAfter time.Duration) *Registry {
	if reapAfter <= 0 {
		reapAfter = DefaultReapAfter
	}
	return &Registry{runners: make(map[string]*runnerEntry), reapAfter: reapAfter}
}

// Start records a new live runner.
func (r *Registry) Start(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runID] = &runnerEntry{sessionID: sessionID, status: models.StatusRunning}
}

// SetStatus updates a runner's status. Terminal statuses start the
// reap clock; non-terminal statuses (e.g. Pending while suspended
// awaiting approval) do not.
func (r *Registry) SetStatus(runID string, status models.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runners[runID]
	if !ok {
		e = &runnerEntry{}
		r.runners[runID] = e
	}
	e.status = status
	if status.IsTerminal() {
		e.terminalAt = time.Now()
	} else {
		e.terminalAt = time.Time{}
	}
}

// Status returns the last known status for runID and whether it is
// still tracked at all.
func (r *Registry) Status(runID string) (models.AgentStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runners[runID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Sweep drops every runner whose terminal status has outlived the
// registry's reap TTL. Returns the number of entries dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	dropped := 0
	for id, e := range r.runners {
		if e.terminalAt.IsZero() {
			continue
		}
		if now.Sub(e.terminalAt) >= r.reapAfter {
			delete(r.runners, id)
			dropped++
		}
	}
	return dropped
}

// Len reports how many runners are currently tracked (live or
// pending reap). Test-only introspection helper.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runners)
}

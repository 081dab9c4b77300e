package agentloop

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Reaper periodically sweeps a Registry for runners whose terminal
// status has outlived its reap TTL (§4.7 "Runner reaping"). This uses
// robfig/cron/v3 directly rather than the teacher's own internal/cron
// scheduler package, since that package is built for user-configured
// message/webhook jobs — a fixed internal sweep interval has no need
// for its schedule-config parsing or execution-history store.
type Reaper struct {
	cron     *cron.Cron
	registry *Registry
	logger   *slog.Logger
}

// NewReaper builds a reaper that sweeps registry every interval spec
// (a robfig/cron schedule expression, e.g. "@every 30s").
func NewReaper(registry *Registry, schedule string, logger *slog.Logger) (*Reaper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()
	r := &Reaper{cron: c, registry: registry, logger: logger}
	if _, err := c.AddFunc(schedule, r.sweep); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reaper) sweep() {
	n := r.registry.Sweep()
	if n > 0 {
		r.logger.Debug("agentloop: reaped terminal runners", "count", n)
	}
}

// Start begins the periodic sweep in the background.
func (r *Reaper) Start() {
	r.cron.Start()
}

// Stop halts the sweep, waiting for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

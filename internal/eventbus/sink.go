package eventbus

import (
	"context"
	"sync/atomic"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// Sink receives AgentEvents as they're emitted. Implementations must be
// safe for concurrent use and must not block the emitting goroutine
// indefinitely — a slow or absent subscriber must never stall a turn.
type Sink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// NopSink discards every event. Useful when a turn has no subscriber.
type NopSink struct{}

func (NopSink) Emit(ctx context.Context, e models.AgentEvent) {}

// ChanSink forwards events onto a channel, dropping rather than
// blocking when the channel is full.
type ChanSink struct {
	ch chan<- models.AgentEvent
}

// NewChanSink wraps a channel as a Sink. The channel should be buffered;
// an unbuffered channel will drop every event whose receiver isn't
// already waiting.
func NewChanSink(ch chan<- models.AgentEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

func (s *ChanSink) Emit(ctx context.Context, e models.AgentEvent) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// MultiSink fans an event out to every wrapped sink, for example a
// ChanSink feeding the live client plus a sessions.Store recorder for
// replay. Nil sinks are filtered out.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

func (s *MultiSink) Emit(ctx context.Context, e models.AgentEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a plain function as a Sink, e.g. for appending to
// a sessions.Store's event log inline.
type CallbackSink struct {
	fn func(ctx context.Context, e models.AgentEvent)
}

func NewCallbackSink(fn func(ctx context.Context, e models.AgentEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (s *CallbackSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// BackpressureConfig sizes a BackpressureSink's two delivery lanes.
type BackpressureConfig struct {
	// HighPriBuffer sizes the lane for non-droppable events. Default: 32.
	HighPriBuffer int
	// LowPriBuffer sizes the lane for droppable (Token) events. Default: 256.
	LowPriBuffer int
}

func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{HighPriBuffer: 32, LowPriBuffer: 256}
}

// BackpressureSink implements two-lane backpressure: only Token events
// are droppable under load (spec §5 names Token as the sole explicitly
// droppable kind). Every other event — including NeedClarification,
// which is turn-governing and would strand the client if silently
// dropped — blocks rather than drops.
type BackpressureSink struct {
	highPri chan models.AgentEvent
	lowPri  chan models.AgentEvent
	merged  chan models.AgentEvent
	dropped uint64
	closed  uint32
}

// NewBackpressureSink starts the merge goroutine and returns the sink
// plus the channel callers should range over.
func NewBackpressureSink(config BackpressureConfig) (*BackpressureSink, <-chan models.AgentEvent) {
	if config.HighPriBuffer <= 0 {
		config.HighPriBuffer = 32
	}
	if config.LowPriBuffer <= 0 {
		config.LowPriBuffer = 256
	}
	s := &BackpressureSink{
		highPri: make(chan models.AgentEvent, config.HighPriBuffer),
		lowPri:  make(chan models.AgentEvent, config.LowPriBuffer),
		merged:  make(chan models.AgentEvent, config.HighPriBuffer),
	}
	go s.mergeLoop()
	return s, s.merged
}

func (s *BackpressureSink) mergeLoop() {
	defer close(s.merged)
	for {
		select {
		case e, ok := <-s.highPri:
			if ok {
				s.merged <- e
				continue
			}
			for e := range s.lowPri {
				s.merged <- e
			}
			return
		default:
		}

		select {
		case e, ok := <-s.highPri:
			if ok {
				s.merged <- e
			} else {
				for e := range s.lowPri {
					s.merged <- e
				}
				return
			}
		case e, ok := <-s.lowPri:
			if ok {
				s.merged <- e
			}
		}
	}
}

func (s *BackpressureSink) Emit(ctx context.Context, e models.AgentEvent) {
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	if isDroppable(e.Type) {
		select {
		case s.lowPri <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
		return
	}
	select {
	case s.highPri <- e:
	case <-ctx.Done():
		select {
		case s.highPri <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

// DroppedCount reports how many Token events have been dropped.
func (s *BackpressureSink) DroppedCount() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close stops accepting events and closes the merged output channel
// once both lanes have drained.
func (s *BackpressureSink) Close() {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	close(s.highPri)
	close(s.lowPri)
}

func isDroppable(t models.AgentEventType) bool {
	return t == models.EventToken
}

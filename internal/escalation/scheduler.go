// Package escalation owns the escalation timers of running request instances.
package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rogers-f/signoff/internal/domain"
	"github.com/rogers-f/signoff/internal/metrics"
)

// FireFunc is invoked when a timer elapses. It runs on its own goroutine and
// may re-arm the same instance.
type FireFunc func(ctx context.Context, fire domain.TimerFire)

type entry struct {
	fire  domain.TimerFire
	at    time.Time
	seq   uint64
	timer *time.Timer
}

// Scheduler keeps at most one live timer per instance. Arming an instance
// replaces whatever was armed for it before. Delivery is at-least-once: the
// receiver must discard fires that no longer match the instance.
type Scheduler struct {
	Log     zerolog.Logger
	Metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	fireFn  FireFunc
	ctx     context.Context
	started bool
	stopped bool

	inflight sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a Scheduler. m may be nil.
func NewScheduler(log zerolog.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		Log:     log.With().Str("component", "escalation").Logger(),
		Metrics: m,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Start begins delivering fires to fn. Deadlines armed before Start are
// scheduled now; those already past fire immediately.
func (s *Scheduler) Start(ctx context.Context, fn FireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.fireFn = fn
	s.ctx = ctx
	for _, e := range s.entries {
		s.schedule(e)
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopCh:
		}
	}()
}

// Arm schedules fire at the given time. Re-arming with an identical fire and
// deadline is a no-op, so recovery may replay arms freely.
func (s *Scheduler) Arm(fire domain.TimerFire, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if old, ok := s.entries[fire.InstanceID]; ok {
		if sameFire(old.fire, fire) && old.at.Equal(at) {
			return
		}
		if old.timer != nil {
			old.timer.Stop()
		}
	}

	s.seq++
	e := &entry{fire: fire, at: at, seq: s.seq}
	s.entries[fire.InstanceID] = e
	if s.started {
		s.schedule(e)
	}
	s.Metrics.SetTimersArmed(len(s.entries))

	s.Log.Debug().
		Str("instance_id", fire.InstanceID).
		Int("stage", fire.StageOrder).
		Time("fire_at", at).
		Msg("escalation timer armed")
}

// Disarm cancels the instance's timer, if any.
func (s *Scheduler) Disarm(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[instanceID]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, instanceID)
	s.Metrics.SetTimersArmed(len(s.entries))
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Deadline returns when the instance's timer fires.
func (s *Scheduler) Deadline(instanceID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[instanceID]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Stop cancels all timers and waits for fires already in progress. Safe to
// call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		for id, e := range s.entries {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(s.entries, id)
		}
		s.mu.Unlock()
		close(s.stopCh)
		s.inflight.Wait()
		s.Metrics.SetTimersArmed(0)
	})
}

// schedule must be called with s.mu held.
func (s *Scheduler) schedule(e *entry) {
	delay := time.Until(e.at)
	if delay < 0 {
		delay = 0
	}
	seq := e.seq
	id := e.fire.InstanceID
	e.timer = time.AfterFunc(delay, func() { s.deliver(id, seq) })
}

func (s *Scheduler) deliver(instanceID string, seq uint64) {
	s.mu.Lock()
	e, ok := s.entries[instanceID]
	if !ok || e.seq != seq || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.entries, instanceID)
	s.Metrics.SetTimersArmed(len(s.entries))
	fn, ctx := s.fireFn, s.ctx
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	s.Log.Debug().
		Str("instance_id", instanceID).
		Int("stage", e.fire.StageOrder).
		Msg("escalation timer fired")
	fn(ctx, e.fire)
}

func sameFire(a, b domain.TimerFire) bool {
	return a.InstanceID == b.InstanceID && a.StageOrder == b.StageOrder && a.Anchor.Equal(b.Anchor)
}

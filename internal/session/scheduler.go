package session

import (
	"context"
	"time"
)

// Default timings.
const (
	DefaultDebounce  = 700 * time.Millisecond
	DefaultHeartbeat = 12 * time.Second
)

// Scheduler runs a debounced commit and a periodic heartbeat on one
// goroutine. Each Trigger re-arms the debounce timer; only the last one in a
// burst fires.
type Scheduler struct {
	debounce  time.Duration
	heartbeat time.Duration
	commit    func(context.Context)
	beat      func(context.Context)
	kick      chan struct{}
}

// NewScheduler builds a scheduler. A zero heartbeat disables it.
func NewScheduler(debounce, heartbeat time.Duration, commit, beat func(context.Context)) *Scheduler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scheduler{
		debounce:  debounce,
		heartbeat: heartbeat,
		commit:    commit,
		beat:      beat,
		kick:      make(chan struct{}, 1),
	}
}

// Trigger re-arms the debounce timer. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.debounce)
	timer.Stop()
	defer timer.Stop()
	var fire <-chan time.Time

	var tick <-chan time.Time
	if s.heartbeat > 0 && s.beat != nil {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			timer.Reset(s.debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			if s.commit != nil {
				s.commit(ctx)
			}
		case <-tick:
			s.beat(ctx)
		}
	}
}

// Package cycle runs the auto-cycle: a repeating shuffle with a fixed period
// that can be paused, resumed and re-timed.
package cycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampd/internal/eventbus"
)

const (
	DefaultPeriod = 10 * time.Second
	DefaultTick   = 100 * time.Millisecond
)

// FireFunc performs one shuffle.
type FireFunc func(ctx context.Context) error

// Options configures a Scheduler.
type Options struct {
	Period time.Duration
	Tick   time.Duration
	Events eventbus.Publisher
}

// Status is a snapshot of the scheduler.
type Status struct {
	State       State `json:"state"`
	PeriodMs    int64 `json:"period_ms"`
	RemainingMs int64 `json:"remaining_ms"`
}

// Scheduler drives a machine from a ticker goroutine. Shuffles run on their
// own goroutine so the countdown keeps ticking while a request is in flight;
// at most one shuffle runs at a time and a fire that comes due meanwhile is
// skipped. Stop and Pause end the ticker and wait for the in-flight shuffle
// to finish, so nothing fires after they return.
type Scheduler struct {
	fire   FireFunc
	tick   time.Duration
	events eventbus.Publisher

	opMu   sync.Mutex // serializes control calls
	cancel context.CancelFunc
	done   chan struct{}

	busy     atomic.Bool
	inflight sync.WaitGroup

	mu sync.Mutex
	m  machine
}

// New creates a stopped scheduler.
func New(fire FireFunc, opts Options) *Scheduler {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	return &Scheduler{
		fire:   fire,
		tick:   opts.Tick,
		events: opts.Events,
		m:      newMachine(opts.Period),
	}
}

// Start fires one shuffle immediately and begins counting down. A zero
// period keeps the current one.
func (s *Scheduler) Start(period time.Duration) error {
	if err := s.checkPeriod(period, true); err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	err := s.m.start(period)
	st := s.statusLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	log.Info().Int64("period_ms", st.PeriodMs).Msg("Auto-cycle started")
	s.launch("start")
	return nil
}

// Pause freezes the countdown.
func (s *Scheduler) Pause() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	err := s.m.pause()
	remaining := s.m.remaining
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.halt()
	log.Info().Int64("remaining_ms", remaining.Milliseconds()).Msg("Auto-cycle paused")
	return nil
}

// Resume continues the countdown from where Pause left it.
func (s *Scheduler) Resume() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	err := s.m.resume()
	remaining := s.m.remaining
	s.mu.Unlock()
	if err != nil {
		return err
	}

	log.Info().Int64("remaining_ms", remaining.Milliseconds()).Msg("Auto-cycle resumed")
	s.launch("")
	return nil
}

// Stop halts the cycle and rewinds the countdown to the full period.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.halt()

	s.mu.Lock()
	was := s.m.state
	s.m.stop()
	s.mu.Unlock()

	if was != Stopped {
		log.Info().Msg("Auto-cycle stopped")
	}
}

// SetPeriod changes the period and rewinds the countdown. While running a
// changed period also fires a shuffle immediately.
func (s *Scheduler) SetPeriod(period time.Duration) error {
	if err := s.checkPeriod(period, false); err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	running := s.m.state == Running
	changed := s.m.period != period
	s.mu.Unlock()

	if running && changed {
		s.halt()
	}

	s.mu.Lock()
	fire := s.m.setPeriod(period)
	s.mu.Unlock()

	if changed {
		log.Info().Dur("period", period).Msg("Auto-cycle period changed")
	}
	if fire {
		s.launch("period_change")
	}
	return nil
}

// RemainingMs returns the time left until the next shuffle.
func (s *Scheduler) RemainingMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.remaining.Milliseconds()
}

// PeriodMs returns the current period.
func (s *Scheduler) PeriodMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.period.Milliseconds()
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.state
}

// Status returns a consistent snapshot of state, period and remaining time.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() Status {
	return Status{
		State:       s.m.state,
		PeriodMs:    s.m.period.Milliseconds(),
		RemainingMs: s.m.remaining.Milliseconds(),
	}
}

func (s *Scheduler) checkPeriod(period time.Duration, zeroOK bool) error {
	if period == 0 && zeroOK {
		return nil
	}
	if period < s.tick {
		return fmt.Errorf("cycle period %s is shorter than tick %s", period, s.tick)
	}
	return nil
}

// launch starts the ticker goroutine. A non-empty reason fires once before
// the first tick. Caller holds opMu.
func (s *Scheduler) launch(reason string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.run(ctx, done, reason)
}

// halt cancels the ticker goroutine, then waits for any in-flight shuffle.
// The shuffle itself is not cancelled: the bulb may already have applied it.
// Caller holds opMu.
func (s *Scheduler) halt() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
		s.done = nil
	}
	s.inflight.Wait()
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}, reason string) {
	defer close(done)

	if reason != "" {
		s.dispatch(reason)
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			fire := s.m.tick(s.tick)
			s.mu.Unlock()
			if fire {
				s.dispatch("tick")
			}
		}
	}
}

// dispatch starts a shuffle unless one is still in flight. Only the ticker
// goroutine calls it, so inflight.Add never races halt's Wait.
func (s *Scheduler) dispatch(reason string) {
	if !s.busy.CompareAndSwap(false, true) {
		log.Warn().Str("reason", reason).Msg("Previous auto-cycle shuffle still in flight, skipping")
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.busy.Store(false)
		s.shuffle(reason)
	}()
}

func (s *Scheduler) shuffle(reason string) {
	err := s.fire(context.Background())
	data := map[string]any{
		"reason":    reason,
		"period_ms": s.PeriodMs(),
	}
	if err != nil {
		log.Warn().Err(err).Str("reason", reason).Msg("Auto-cycle shuffle failed")
		data["error"] = err.Error()
	} else {
		log.Debug().Str("reason", reason).Msg("Auto-cycle shuffle")
	}

	if s.events != nil {
		s.events.Publish(eventbus.Event{Type: eventbus.EventCycleFired, Data: data})
	}
}

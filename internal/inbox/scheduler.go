package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultCheckInterval = 10 * time.Second
	defaultIdleThreshold = 10 * time.Second
)

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Handler processes one drained batch. The scheduler marks every event of the
// batch processed after HandleBatch returns, whatever it returned.
type Handler interface {
	HandleBatch(ctx context.Context, passID string, events []Event) error
}

type HandlerFunc func(ctx context.Context, passID string, events []Event) error

func (f HandlerFunc) HandleBatch(ctx context.Context, passID string, events []Event) error {
	return f(ctx, passID, events)
}

type State int32

const (
	StateIdle State = iota
	StateCheck
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateCheck:
		return "CHECK"
	case StateProcessing:
		return "PROCESSING"
	default:
		return "IDLE"
	}
}

// SchedulerOptions zero values select the defaults. A negative Idle drains
// on every check.
type SchedulerOptions struct {
	Interval    time.Duration
	Idle        time.Duration
	PassTimeout time.Duration
	Clock       Clock
	Logger      logrus.FieldLogger
}

type Pass struct {
	ID         string    `json:"id"`
	Events     int       `json:"events"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Scheduler debounces webhook bursts: a pass starts only once the newest
// pending event is at least Idle old. Passes never overlap.
type Scheduler struct {
	inbox    *Inbox
	handler  Handler
	interval time.Duration
	idle     time.Duration
	timeout  time.Duration
	clock    Clock
	log      logrus.FieldLogger

	passMu sync.Mutex

	mu       sync.Mutex
	state    State
	lastPass *Pass
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(in *Inbox, handler Handler, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = defaultCheckInterval
	}
	if opts.Idle < 0 {
		opts.Idle = 0
	} else if opts.Idle == 0 {
		opts.Idle = defaultIdleThreshold
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Scheduler{
		inbox:    in,
		handler:  handler,
		interval: opts.Interval,
		idle:     opts.Idle,
		timeout:  opts.PassTimeout,
		clock:    opts.Clock,
		log:      opts.Logger.WithField("component", "scheduler"),
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastPass returns the most recent finished pass, if any.
func (s *Scheduler) LastPass() (Pass, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPass == nil {
		return Pass{}, false
	}
	return *s.lastPass, true
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start launches the check loop. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.log.WithFields(logrus.Fields{"interval": s.interval, "idle": s.idle}).Info("drain scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("drain scheduler stopped")
			return
		case <-s.clock.After(s.interval):
		}
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("drain check failed")
		}
	}
}

// Tick runs one CHECK: it starts a pass when the newest pending event has
// been quiet for the idle threshold. It reports whether a pass ran.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	s.setState(StateCheck)
	defer s.setState(StateIdle)

	latest, ok, err := s.inbox.LatestPending(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if quiet := s.clock.Now().Sub(latest.ReceivedAt); quiet < s.idle {
		s.log.WithFields(logrus.Fields{"event_id": latest.ID, "quiet_for": quiet}).Debug("webhooks still arriving")
		return false, nil
	}
	pass, err := s.runPass(ctx)
	if err != nil {
		return true, err
	}
	return pass.Events > 0, nil
}

// RunNow drains immediately, ignoring the idle threshold. It waits for a
// running pass to finish first.
func (s *Scheduler) RunNow(ctx context.Context) (Pass, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	defer s.setState(StateIdle)
	return s.runPass(ctx)
}

func (s *Scheduler) runPass(ctx context.Context) (Pass, error) {
	s.setState(StateProcessing)
	events, err := s.inbox.DrainPending(ctx)
	if err != nil {
		return Pass{}, err
	}
	pass := Pass{ID: uuid.NewString(), Events: len(events), StartedAt: s.clock.Now().UTC()}
	if len(events) == 0 {
		return pass, nil
	}
	log := s.log.WithFields(logrus.Fields{"pass_id": pass.ID, "events": len(events)})
	log.Info("drain pass started")

	passCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		passCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	handleErr := s.handle(passCtx, pass.ID, events)
	cancel()
	if handleErr != nil {
		pass.Error = handleErr.Error()
		log.WithError(handleErr).Error("drain pass failed")
	}

	// Drained events are marked even when the pass was cancelled.
	markCtx := context.WithoutCancel(ctx)
	for _, ev := range events {
		if err := s.inbox.MarkProcessed(markCtx, ev.ID); err != nil {
			log.WithError(err).WithField("event_id", ev.ID).Error("mark webhook processed")
		}
	}
	pass.FinishedAt = s.clock.Now().UTC()
	log.WithField("elapsed", pass.FinishedAt.Sub(pass.StartedAt)).Info("drain pass finished")

	s.mu.Lock()
	last := pass
	s.lastPass = &last
	s.mu.Unlock()
	return pass, nil
}

func (s *Scheduler) handle(ctx context.Context, passID string, events []Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("drain pass %s panicked: %v", passID, r)
		}
	}()
	return s.handler.HandleBatch(ctx, passID, events)
}

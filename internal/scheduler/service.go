package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"speedtrackerd/internal/blocklist"
	"speedtrackerd/internal/eventbus"
	"speedtrackerd/internal/executor"
	"speedtrackerd/internal/storage"
	logx "speedtrackerd/pkg/logx"
)

// Event types published on the bus for run lifecycle changes.
const (
	EventRunStarted  = "run.started"
	EventRunFinished = "run.finished"
	EventRunFailed   = "run.failed"
	EventRunBlocked  = "run.blocked"
)

// RunEvent is the bus payload for run lifecycle events.
type RunEvent struct {
	Profile  storage.ProfileID `json:"profile"`
	Status   storage.RunStatus `json:"status,omitempty"`
	Started  time.Time         `json:"started"`
	Duration time.Duration     `json:"duration,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Config controls the periodic evaluation loop.
type Config struct {
	Enabled      bool
	TickInterval time.Duration // default 1m
	RunTimeout   time.Duration // executor call deadline; default 10m
}

// Service owns due-ness evaluation, run admission, and result finalization.
//
// All collaborators are passed in explicitly; the service holds no global
// state, which keeps it testable with substitute store/executor fakes.
type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	store storage.Store
	exec  executor.Executor
	guard *blocklist.Guard
	bus   eventbus.Bus

	tracker *Tracker

	c       *cron.Cron
	stopCh  chan struct{}
	stopped bool

	// wg counts in-flight runs so Stop can wait for them to complete.
	wg sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, store storage.Store, exec executor.Executor, guard *blocklist.Guard, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		store:   store,
		exec:    exec,
		guard:   guard,
		bus:     bus,
		tracker: NewTracker(),
		now:     time.Now,
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Tracker exposes the in-flight registry for diagnostics.
func (s *Service) Tracker() *Tracker { return s.tracker }

// Start begins the recurring evaluation loop. No-op if already started.
// Scheduled runs inherit ctx; canceling it cancels in-flight scheduled work.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}

	tick := s.cfg.TickInterval
	if tick <= 0 {
		tick = time.Minute
	}

	s.stopped = false
	s.stopCh = make(chan struct{})
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", tick), func() { s.tick(ctx) }); err != nil {
		// "@every" with a positive duration always parses; this guards a
		// future config regression.
		s.log.Error("failed to register tick job", logx.Err(err))
		s.stopCh = nil
		return
	}
	c.Start()
	s.c = c

	s.log.Info("scheduler started", logx.Duration("tick", tick))
}

// Stop halts the periodic loop and waits (bounded by ctx) for in-flight
// runs to complete. Runs are not cancelled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	c := s.c
	s.stopCh = nil
	s.c = nil
	s.stopped = true
	s.mu.Unlock()

	close(stopCh)
	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stopped with runs still completing", logx.Int("in_flight", s.tracker.Len()))
	}
}

// tick evaluates due-ness once and dispatches each admitted profile in its
// own goroutine; the loop never blocks on a run's completion.
func (s *Service) tick(ctx context.Context) {
	now := s.now()
	profiles, err := s.store.ListDueProfiles(ctx, now)
	if err != nil {
		// Skip this tick; the next one re-evaluates fresh.
		s.log.Warn("due profile query failed; skipping tick", logx.Err(err))
		return
	}
	if len(profiles) == 0 {
		return
	}
	s.log.Debug("tick", logx.Int("due", len(profiles)), logx.Int("in_flight", s.tracker.Len()))

	for _, p := range profiles {
		p := p
		go func() {
			_, err := s.Dispatch(ctx, p.ID, p.Params)
			switch {
			case err == nil:
			case errors.Is(err, ErrAlreadyRunning):
				s.log.Debug("profile still running; left for next tick", logx.String("profile", p.ID.String()))
			case errors.Is(err, ErrBlocked):
				s.log.Warn("scheduled profile belongs to blocked user", logx.String("profile", p.ID.String()))
			default:
				// execute() already logged the details.
			}
		}()
	}
}

// Dispatch attempts to start one run immediately and blocks until it
// completes. Callers that must not block (the tick loop) wrap it in a
// goroutine.
//
// Admission order: blocklist first (no tracker entry, no executor call,
// no run record for blocked users), then atomic tracker acquisition.
func (s *Service) Dispatch(ctx context.Context, id storage.ProfileID, params storage.Params) (*storage.RunRecord, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("invalid profile identity %q", id.String())
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, fmt.Errorf("%w: %s", ErrStopped, id.String())
	}
	if s.guard.IsBlocked(id.User) {
		s.publish(EventRunBlocked, RunEvent{Profile: id, Started: s.now()})
		return nil, fmt.Errorf("%w: %s", ErrBlocked, id.User)
	}
	if !s.tracker.TryAcquire(id) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id.String())
	}

	s.wg.Add(1)
	// Scoped release: the tracker entry goes away on every exit path, even
	// when persistence fails or the executor panics.
	defer s.wg.Done()
	defer s.tracker.Release(id)

	return s.execute(ctx, id, params)
}

func (s *Service) execute(ctx context.Context, id storage.ProfileID, params storage.Params) (*storage.RunRecord, error) {
	started := s.now()
	s.publish(EventRunStarted, RunEvent{Profile: id, Started: started})

	rec := storage.RunRecord{Profile: id, StartedAt: started}

	// Admitted but the context is already dead: record the attempt as
	// rejected without touching the executor.
	if err := ctx.Err(); err != nil {
		rec.FinishedAt = s.now()
		rec.Status = storage.RunRejected
		rec.ErrorDetail = err.Error()
		return s.finalize(ctx, rec, fmt.Errorf("%w: %v", ErrExecutionFailed, err))
	}

	res, execErr := s.runTest(ctx, params)
	rec.FinishedAt = s.now()

	if execErr != nil {
		rec.Status = storage.RunFailed
		rec.ErrorDetail = execErr.Error()
		return s.finalize(ctx, rec, fmt.Errorf("%w: %v", ErrExecutionFailed, execErr))
	}

	rec.Status = storage.RunSuccess
	payload, err := json.Marshal(res)
	if err != nil {
		rec.Status = storage.RunFailed
		rec.ErrorDetail = "encode result: " + err.Error()
		return s.finalize(ctx, rec, fmt.Errorf("%w: encode result: %v", ErrExecutionFailed, err))
	}
	rec.Result = payload

	return s.finalize(ctx, rec, nil)
}

// runTest invokes the executor with the configured deadline. Panics are
// contained here: one misbehaving run must never take down the loop or
// other in-flight runs.
func (s *Service) runTest(ctx context.Context, params storage.Params) (res *executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in test executor", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	timeout := s.cfg.RunTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return s.exec.RunTest(ctx, params)
}

// finalize persists the terminal record exactly once. The write uses a
// detached context so a canceled HTTP request cannot cut persistence short.
// On a write failure the record (and possibly the outcome) is lost; that is
// an accepted gap, and the next due tick re-attempts the profile.
func (s *Service) finalize(ctx context.Context, rec storage.RunRecord, runErr error) (*storage.RunRecord, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := s.writeResult(pctx, rec); err != nil {
		s.log.Error("run result persistence failed",
			logx.String("profile", rec.Profile.String()),
			logx.String("status", string(rec.Status)),
			logx.Err(err),
		)
		if runErr != nil {
			// The execution error is what the caller cares about.
			return nil, runErr
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	dur := rec.FinishedAt.Sub(rec.StartedAt)
	ev := RunEvent{Profile: rec.Profile, Status: rec.Status, Started: rec.StartedAt, Duration: dur, Error: rec.ErrorDetail}
	if runErr != nil {
		s.log.Warn("run failed",
			logx.String("profile", rec.Profile.String()),
			logx.String("status", string(rec.Status)),
			logx.Duration("dur", dur),
			logx.String("detail", rec.ErrorDetail),
		)
		s.publish(EventRunFailed, ev)
		return nil, runErr
	}

	s.log.Info("run completed", logx.String("profile", rec.Profile.String()), logx.Duration("dur", dur))
	s.publish(EventRunFinished, ev)
	return &rec, nil
}

// writeResult isolates store panics the same way runTest isolates executor
// panics.
func (s *Service) writeResult(ctx context.Context, rec storage.RunRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in store write", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("store panic: %v", r)
		}
	}()
	return s.store.WriteRunResult(ctx, rec)
}

func (s *Service) publish(typ string, ev RunEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"gatebot/pkg/logx"
)

// Supervisor runs named goroutines tied to a shared context, with panic
// recovery, optional cancel-on-first-error, and timeout-aware waiting.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	logger      logx.Logger
	cancelOnErr bool

	// spawned/live are best-effort operational counters.
	spawned uint64
	live    int64

	failOnce sync.Once
	failure  atomic.Value // error

	waitOnce sync.Once
	allDone  chan struct{}
	wg       sync.WaitGroup
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = log }
}

// WithCancelOnError makes the first non-nil goroutine error cancel the
// supervisor context.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, allDone: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.failure.Load().(error); ok {
		return err
	}
	return nil
}

// Counters exposes best-effort goroutine counters. Operational signal only,
// not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&s.live),
		Started: atomic.LoadUint64(&s.spawned),
	}
}

// fail records the first error and cancels the context when configured to.
func (s *Supervisor) fail(name string, err error) {
	if err == nil {
		return
	}
	s.failOnce.Do(func() { s.failure.Store(fmt.Errorf("%s: %w", name, err)) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// attempt runs fn once and converts a panic into an error plus its stack.
func attempt(ctx context.Context, fn func(context.Context) error) (err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	return fn(ctx), ""
}

func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&s.spawned, 1)
	atomic.AddInt64(&s.live, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.live, -1)

		s.debugf("goroutine started", name)
		err, stack := attempt(s.ctx, fn)
		if stack != "" && !s.logger.IsZero() {
			s.logger.Error("goroutine panicked",
				logx.String("name", name),
				logx.Err(err),
				logx.String("stack", stack))
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(name, err)
		}
		s.debugf("goroutine stopped", name)
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) debugf(msg, name string) {
	if !s.logger.IsZero() {
		s.logger.Debug(msg, logx.String("name", name))
	}
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	stopOnCleanExit bool
	fatalOnFinalErr bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits how many times a failing goroutine is restarted.
// The initial run does not count as a restart.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithFatalOnFinalError makes GoRestart set the supervisor error (and cancel,
// when cancel-on-error is enabled) after exhausting restarts.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.fatalOnFinalErr = enabled }
}

// WithStopOnCleanExit makes GoRestart stop (not restart) when fn returns nil.
// Default is true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until ctx is canceled. Intended for long-running loops
// (pollers, watchers, timers) where transient failures should self-heal.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.minBackoff <= 0 {
		cfg.minBackoff = 250 * time.Millisecond
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name+".restart", func(ctx context.Context) { s.restartLoop(ctx, name, fn, cfg) })
}

func (s *Supervisor) restartLoop(ctx context.Context, name string, fn func(context.Context) error, cfg restartCfg) {
	backoff := cfg.minBackoff
	restarts := 0
	for ctx.Err() == nil {
		startedAt := time.Now()
		err, stack := attempt(ctx, fn)
		if stack != "" && !s.logger.IsZero() {
			s.logger.Error("goroutine panicked (restart)",
				logx.String("name", name),
				logx.Err(err),
				logx.String("stack", stack))
		}

		// Shutdown in progress: treat any exit as clean.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		if err == nil {
			if cfg.stopOnCleanExit {
				return
			}
			err = errors.New("exited")
		}

		restarts++
		// A long successful run resets backoff so rare failures don't
		// accumulate long delays.
		if time.Since(startedAt) >= 30*time.Second {
			backoff = cfg.minBackoff
		}
		if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
			if !s.logger.IsZero() {
				s.logger.Error("goroutine gave up after restarts",
					logx.String("name", name),
					logx.Int("restarts", restarts),
					logx.Err(err))
			}
			if cfg.fatalOnFinalErr {
				s.fail(name, err)
			}
			return
		}

		wait := jitter(min(backoff, cfg.maxBackoff))
		if !s.logger.IsZero() {
			s.logger.Warn("goroutine restarting",
				logx.String("name", name),
				logx.Duration("backoff", wait),
				logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff = min(backoff*2, cfg.maxBackoff)
	}
}

// jitter adds up to 20% on top of d.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(time.Now().UnixNano() % (j + 1))
	}
	return d
}

// GoRestart0 is GoRestart for functions that do not return an error.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.allDone)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.allDone:
		return s.Err()
	}
}

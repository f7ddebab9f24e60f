package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PullFunc grabs the most recent unit from a session. ok reports
// whether a unit was available. Returning ErrNotCapturing tells the
// loop the session stopped streaming and the loop should exit.
type PullFunc func(ctx context.Context) (ok bool, err error)

// LoopConfig tunes the acquisition cadence. Zero fields take defaults.
type LoopConfig struct {
	Interval    time.Duration // pause after a successful pull
	IdleDelay   time.Duration // pause when no unit was ready
	RetryDelay  time.Duration // pause after a transient failure
	StopTimeout time.Duration // bound on waiting for the goroutine in Stop
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.Interval <= 0 {
		c.Interval = 50 * time.Millisecond
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = 10 * time.Millisecond
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
	return c
}

// Loop polls a session for its latest unit at a fixed cadence on its
// own goroutine. It always asks for the newest data rather than
// draining a backlog, so a slow consumer sees fresh units, not stale
// ones.
type Loop struct {
	logger zerolog.Logger
	cfg    LoopConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLoop(logger zerolog.Logger, cfg LoopConfig) *Loop {
	return &Loop{logger: logger, cfg: cfg.withDefaults()}
}

// Start launches the polling goroutine under ctx. It reports false,
// without disturbing anything, if the loop is already running.
func (l *Loop) Start(ctx context.Context, pull PullFunc) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done != nil {
		select {
		case <-l.done:
			// previous run exited on its own
		default:
			return false
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go l.run(runCtx, pull, done)
	return true
}

// Running reports whether the polling goroutine is alive.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Stop cancels the loop and waits for the goroutine to exit, bounded by
// both ctx and the configured StopTimeout.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping acquisition loop: %w", ctx.Err())
	case <-time.After(l.cfg.StopTimeout):
		return fmt.Errorf("acquisition loop did not exit within %s", l.cfg.StopTimeout)
	}
}

func (l *Loop) run(ctx context.Context, pull PullFunc, done chan struct{}) {
	defer close(done)
	l.logger.Debug().Dur("interval", l.cfg.Interval).Msg("acquisition loop started")

	for {
		ok, err := pull(ctx)

		var wait time.Duration
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrNotCapturing):
			l.logger.Debug().Msg("session stopped, acquisition loop exiting")
			return
		case err != nil:
			l.logger.Warn().Err(err).Msg("pull failed")
			wait = l.cfg.RetryDelay
		case !ok:
			wait = l.cfg.IdleDelay
		default:
			wait = l.cfg.Interval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

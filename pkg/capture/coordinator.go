package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Coordinator serializes device commands. At most one operation runs at
// a time; a newly submitted operation cancels whichever one is running
// or queued, so the latest command always wins. Once closed it refuses
// further work with ErrCoordinatorClosed.
type Coordinator struct {
	logger zerolog.Logger
	sem    *semaphore.Weighted

	mu     sync.Mutex
	gen    uint64
	active *opToken
	closed bool
}

type opToken struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

func NewCoordinator(logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger,
		sem:    semaphore.NewWeighted(1),
	}
}

// Execute runs op with exclusive access to the device layer. The ctx
// passed to op is canceled when a newer operation preempts this one or
// when the caller's ctx ends; op must unwind promptly when that
// happens. Preempted operations return context.Canceled.
func (c *Coordinator) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	if c.active != nil {
		c.active.cancel()
	}
	c.gen++
	opCtx, cancel := context.WithCancel(ctx)
	tok := &opToken{gen: c.gen, ctx: opCtx, cancel: cancel}
	c.active = tok
	c.mu.Unlock()

	defer cancel()

	if err := c.sem.Acquire(opCtx, 1); err != nil {
		c.clear(tok)
		if c.isClosed() {
			return ErrCoordinatorClosed
		}
		c.logger.Debug().Str("op", name).Uint64("gen", tok.gen).Msg("preempted before running")
		return err
	}

	start := time.Now()
	c.logger.Debug().Str("op", name).Uint64("gen", tok.gen).Msg("op started")

	err := op(opCtx)

	c.clear(tok)
	c.sem.Release(1)

	evt := c.logger.Debug()
	if err != nil && opCtx.Err() == nil {
		evt = c.logger.Warn().Err(err)
	}
	evt.Str("op", name).Uint64("gen", tok.gen).Dur("took", time.Since(start)).Msg("op finished")

	return err
}

// Close refuses new operations, cancels the in-flight one, and waits
// for it to unwind or for ctx to expire.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.active != nil {
		c.active.cancel()
	}
	c.mu.Unlock()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for in-flight op: %w", err)
	}
	c.sem.Release(1)
	return nil
}

func (c *Coordinator) clear(tok *opToken) {
	c.mu.Lock()
	if c.active == tok {
		c.active = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

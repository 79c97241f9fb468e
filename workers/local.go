package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/machinefabric/shieldwire-go/prover"
)

// LocalPool runs tasks on goroutines, at most size at a time. Waiting tasks
// are admitted in submission order.
type LocalPool struct {
	builder prover.ActionBuilder
	slots   *semaphore.Weighted
	size    int
	logger  *zap.Logger

	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Int64
}

// NewLocalPool creates a pool of size slots. A size below one uses the number of CPUs.
func NewLocalPool(builder prover.ActionBuilder, size int, opts ...PoolOption) *LocalPool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	o := buildOptions(opts)
	return &LocalPool{
		builder: builder,
		slots:   semaphore.NewWeighted(int64(size)),
		size:    size,
		logger:  o.logger,
	}
}

// Size returns the number of concurrent slots.
func (p *LocalPool) Size() int {
	return p.size
}

// Started returns how many tasks have begun running since the pool was created.
func (p *LocalPool) Started() int64 {
	return p.started.Load()
}

func (p *LocalPool) Submit(ctx context.Context, task Task) *Handle {
	h := newHandle(task.Index)
	if p.closed.Load() {
		h.finish(nil, ErrPoolClosed)
		return h
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, task, h)
	}()
	return h
}

func (p *LocalPool) run(ctx context.Context, task Task, h *Handle) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		h.finish(nil, context.Cause(ctx))
		return
	}
	defer p.slots.Release(1)
	// Acquire can succeed on an already cancelled context.
	if ctx.Err() != nil {
		h.finish(nil, context.Cause(ctx))
		return
	}

	h.start()
	p.started.Add(1)
	action, err := p.builder.BuildAction(ctx, task.Plan, task.Witness, task.ViewingKey, task.Index)
	if err != nil {
		p.logger.Debug("action failed", zap.Int("index", task.Index), zap.Error(err))
	}
	h.finish(action, err)
}

// Close refuses new tasks and waits for submitted ones to finish.
func (p *LocalPool) Close() error {
	p.closed.Store(true)
	p.wg.Wait()
	return nil
}

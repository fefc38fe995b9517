package endpoint

import (
	"context"
	"sync"
)

// Executor is the task/channel primitive every stack task runs on: a
// bounded queue consumed by a fixed pool in production, or synchronous
// inline execution for deterministic tests.
type Executor interface {
	// Submit enqueues fn to run on the executor. Submit never blocks on
	// network I/O; it returns once fn is queued (PoolExecutor) or has
	// run to completion (InlineExecutor).
	Submit(fn func())
	// Stop drains in-flight work and releases the executor's
	// goroutines. Submit after Stop is a no-op.
	Stop(ctx context.Context) error
}

// InlineExecutor runs every submitted task synchronously on the calling
// goroutine, giving tests total ordering without timing races.
type InlineExecutor struct{}

func NewInlineExecutor() *InlineExecutor { return &InlineExecutor{} }

func (InlineExecutor) Submit(fn func())           { fn() }
func (InlineExecutor) Stop(context.Context) error { return nil }

var _ Executor = InlineExecutor{}

// PoolExecutor is a bounded pool of worker goroutines draining a
// buffered job channel, modeled on absmach-mproxy's pkg/server/udp.Server
// (a fixed worker count consuming a channel of inbound packets) rather
// than spawning a goroutine per task.
type PoolExecutor struct {
	jobs    chan func()
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

// NewPoolExecutor starts workers goroutines draining a queue of depth
// queueSize.
func NewPoolExecutor(workers, queueSize int) *PoolExecutor {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &PoolExecutor{
		jobs:    make(chan func(), queueSize),
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(ctx)
	}
	return p
}

func (p *PoolExecutor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			job()
		}
	}
}

// Submit blocks only if the queue is full; callers on the hot receive
// path should size queueSize to absorb bursts rather than relying on
// this backpressure.
func (p *PoolExecutor) Submit(fn func()) {
	select {
	case p.jobs <- fn:
	case <-p.stopped:
	}
}

func (p *PoolExecutor) Stop(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		// jobs is deliberately left open: a concurrent Submit blocked on
		// the queue must fall through to the stopped case, not panic on
		// a closed channel. Workers exit via the canceled context.
		close(p.stopped)
		p.cancel()
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

var _ Executor = (*PoolExecutor)(nil)

package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"qqstream/internal/monitoring"
)

// rpcPool bounds the goroutines executing downstream RPC requests so a
// flood of invoke frames cannot exhaust the process. When the queue is
// full the request is rejected rather than queued unboundedly; the caller
// turns that into a result error.
type rpcPool struct {
	workers int
	tasks   chan func()
	dropped int64
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

func newRPCPool(workers, queueSize int, logger zerolog.Logger) *rpcPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	return &rpcPool{
		workers: workers,
		tasks:   make(chan func(), queueSize),
		logger:  logger.With().Str("component", "rpc_pool").Logger(),
	}
}

// start launches the worker goroutines. Workers run until ctx is
// cancelled.
func (p *rpcPool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *rpcPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			func() {
				defer monitoring.RecoverPanic(p.logger, "rpc_task", nil)
				task()
			}()
		case <-ctx.Done():
			return
		}
	}
}

// submit enqueues a task; reports false when the queue is full.
func (p *rpcPool) submit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		return false
	}
}

// stop waits for the workers to exit after their context is cancelled.
// The tasks channel is never closed: read pumps may still be inside
// submit while the server shuts down, and a send on a closed channel
// would panic. Tasks queued after the workers left are simply dropped.
func (p *rpcPool) stop() {
	p.wg.Wait()
}

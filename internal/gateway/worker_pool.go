package gateway

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// task is a unit of fan-out work executed by the pool.
type task func()

// workerPool bounds the goroutines spent delivering match events to
// connected players. Event bursts beyond the queue are dropped rather
// than spawning unbounded goroutines; delivery is best-effort and a
// dropped push is recovered by the player's next store read.
type workerPool struct {
	workerCount int
	tasks       chan task
	ctx         context.Context
	wg          sync.WaitGroup
	dropped     int64
	log         zerolog.Logger
}

func newWorkerPool(workerCount, queueSize int, log zerolog.Logger) *workerPool {
	return &workerPool{
		workerCount: workerCount,
		tasks:       make(chan task, queueSize),
		log:         log,
	}
}

// start launches the workers. Must be called before submit.
func (wp *workerPool) start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case t := <-wp.tasks:
			if t == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						wp.log.Error().
							Interface("panic_value", r).
							Str("stack_trace", string(debug.Stack())).
							Msg("delivery worker panic recovered")
					}
				}()
				t()
			}()
		case <-wp.ctx.Done():
			return
		}
	}
}

// submit enqueues a task, dropping it when the queue is full.
func (wp *workerPool) submit(t task) {
	select {
	case wp.tasks <- t:
	default:
		atomic.AddInt64(&wp.dropped, 1)
	}
}

// stop waits for the workers to exit. The context passed to start must
// already be cancelled.
func (wp *workerPool) stop() {
	wp.wg.Wait()
}

func (wp *workerPool) droppedTasks() int64 {
	return atomic.LoadInt64(&wp.dropped)
}

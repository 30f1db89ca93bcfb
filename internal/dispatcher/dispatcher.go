// Package dispatcher manages worker fan-out over the crawl queues.
package dispatcher

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/worker"
)

// Dispatcher runs a pool of workers that share one scheduler.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher over an existing set of workers.
func New(workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Pool builds concurrency identical workers for cfg.Kind.
func Pool(
	scheduler queue.Scheduler,
	handler worker.Handler,
	cfg worker.Config,
	concurrency int,
	logger *zap.Logger,
	opts ...worker.Option,
) (*Dispatcher, error) {
	if concurrency <= 0 {
		return nil, errors.New("dispatcher: concurrency must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, concurrency)
	for i := range workers {
		wopts := append([]worker.Option{worker.WithLogger(logger.With(zap.Int("worker", i)))}, opts...)
		workers[i] = worker.New(scheduler, handler, cfg, wopts...)
	}
	return New(workers), nil
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Drain runs every worker until the queue is empty and returns the number of
// items handled across the pool.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
		errs  []error
	)
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			n, err := wk.Drain(ctx)
			mu.Lock()
			defer mu.Unlock()
			total += n
			if err != nil {
				errs = append(errs, err)
			}
		}(w)
	}
	wg.Wait()
	return total, errors.Join(errs...)
}

package runtime

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

type worker struct {
	name   string
	run    func(context.Context) error
	closeF func() error
}

// Supervisor runs a set of named workers and shuts them down in
// reverse registration order. The first worker error wins.
type Supervisor struct {
	mu      sync.Mutex
	workers []worker
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	failed  chan struct{}
	cancel  context.CancelFunc
}

func NewSupervisor() *Supervisor {
	return &Supervisor{failed: make(chan struct{})}
}

// Add registers a worker. closeF may be nil for workers that stop on
// context cancellation alone.
func (s *Supervisor) Add(name string, run func(context.Context) error, closeF func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, worker{name: name, run: run, closeF: closeF})
}

// Start launches every registered worker on a context that is
// cancelled as soon as any worker fails.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, s.cancel = context.WithCancel(ctx)
	for _, w := range s.workers {
		w := w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := w.run(ctx); err != nil {
				log.WithError(err).WithField("worker", w.name).Error("Worker failed")
				s.errOnce.Do(func() {
					s.err = err
					close(s.failed)
				})
			}
		}()
	}
	return nil
}

// Wait blocks until the context is done or a worker fails, closes
// workers in reverse order, and returns the first worker error, if any.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-s.failed:
	}
	for i := len(s.workers) - 1; i >= 0; i-- {
		if s.workers[i].closeF != nil {
			_ = s.workers[i].closeF()
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.err
}

package netmon

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dmdmdm-nz/connmon/internal/connstate"
	"github.com/dmdmdm-nz/connmon/internal/runtime"
)

// Service drives a platform backend and fans connectivity levels out
// to subscribers. Lifecycle: bootstrap the snapshot, publish the
// baseline level unconditionally, then stream deduplicated changes
// until the context is cancelled or the backend fails.
type Service struct {
	backend backend

	mu               sync.Mutex
	level            connstate.Level
	started          bool
	subs             map[int]*runtime.SubQueue[connstate.Level]
	nextSubscriberID int
	closed           bool
}

// NewService creates a Service backed by the current platform's event
// source. Fails on platforms without one.
func NewService() (*Service, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}
	return newServiceWith(b), nil
}

func newServiceWith(b backend) *Service {
	return &Service{
		backend: b,
		subs:    make(map[int]*runtime.SubQueue[connstate.Level]),
	}
}

// Subscribe registers a consumer. If the baseline level is already
// known it is delivered as the first value, so a subscriber always
// learns the current level before any diffs. The returned closure
// unsubscribes and closes the channel.
func (s *Service) Subscribe() (<-chan connstate.Level, func()) {
	sub := runtime.NewSubQueue[connstate.Level](8)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return sub.Chan(), func() {}
	}
	id := s.nextSubscriberID
	s.nextSubscriberID++
	s.subs[id] = sub
	if s.started {
		sub.SnapshotSend(s.level)
	}
	s.mu.Unlock()

	sub.SetPaused(false)

	unsub := func() {
		s.mu.Lock()
		if q, ok := s.subs[id]; ok {
			delete(s.subs, id)
			q.Close()
		}
		s.mu.Unlock()
	}
	return sub.Chan(), unsub
}

// Level returns the last published level and whether the baseline has
// been published yet.
func (s *Service) Level() (connstate.Level, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, s.started
}

// Run executes the engine until ctx is cancelled (clean shutdown,
// returns nil) or a fatal error occurs. A bootstrap failure aborts
// before anything is published. The caller must drive Run to
// completion or the OS subscription leaks.
func (s *Service) Run(ctx context.Context) error {
	log.Info("Starting connectivity monitor")

	st := connstate.New()
	if err := s.backend.bootstrap(ctx, st); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	log.WithField("interfaces", st.Len()).Debug("Initial state loaded")

	// The baseline is published unconditionally, even when it equals
	// the zero level, so consumers can rely on diffs afterwards.
	s.publish(st.Connectivity(), true)

	sink := runtime.NewSubQueue[event](64)
	sink.SetPaused(false)
	defer sink.Close()

	// The backend pump and the consumer are one unit: both always run
	// to joint completion and the first error wins.
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.backend.run(ctx, sink)
	})
	g.Go(func() error {
		return s.consume(ctx, st, sink)
	})
	err := g.Wait()

	log.Info("Stopping connectivity monitor")
	return err
}

func (s *Service) consume(ctx context.Context, st *connstate.State, sink *runtime.SubQueue[event]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sink.Chan():
			if !ok {
				return nil
			}
			ev.apply(st)
			s.publish(st.Connectivity(), false)
		}
	}
}

// publish records the derived level and broadcasts it to subscribers.
// Consecutive duplicates are suppressed unless forced; mutation,
// derivation and emission are serialized per event, so the stream is
// strictly ordered.
func (s *Service) publish(level connstate.Level, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && level == s.level && !force {
		return
	}
	s.level = level
	s.started = true
	log.WithField("connectivity", level.String()).Debug("Publishing connectivity level")
	for _, sub := range s.subs {
		sub.Enqueue(level)
	}
}

// Close tears down all subscriptions. Idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, q := range s.subs {
		q.Close()
		delete(s.subs, id)
	}
	return nil
}

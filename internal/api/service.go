package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/connmon/internal/connstate"
)

// ConnectivityMonitor is the engine surface the API serves from.
type ConnectivityMonitor interface {
	Subscribe() (<-chan connstate.Level, func())
	Level() (connstate.Level, bool)
}

// Service represents the HTTP server for the API
type Service struct {
	address string
	port    int

	mon ConnectivityMonitor

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

func NewService(host string, port int) *Service {
	return &Service{
		address: host,
		port:    port,
	}
}

func (s *Service) AttachMonitor(m ConnectivityMonitor) {
	s.mon = m
}

// Start runs the HTTP server until the context is cancelled or the
// server fails.
func (s *Service) Start(ctx context.Context) error {
	if s.mon == nil {
		return errors.New("AttachMonitor was not called before Start")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.address, s.port),
		Handler: s.routes(),
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	log.Infof("Starting ConnMon API service at %s:%d", s.address, s.port)
	defer log.Info("Stopping ConnMon API service")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *Service) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if _, started := s.mon.Level(); !started {
				http.Error(w, "Monitor has not emitted a baseline yet", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/connectivity", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			lvl, started := s.mon.Level()
			if !started {
				http.Error(w, "Monitor has not emitted a baseline yet", http.StatusServiceUnavailable)
				return
			}
			w.Header().Add("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			if err := enc.Encode(connectivityInfo(lvl)); err != nil {
				http.Error(w, fmt.Sprintf("Failed to encode connectivity info: %v", err), http.StatusInternalServerError)
			}
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/ws/watch", func(w http.ResponseWriter, r *http.Request) {
		WatchConnectivity(s, w, r)
	})
	return mux
}

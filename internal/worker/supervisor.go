package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/deepscan/internal/metrics"
	"go.uber.org/zap"
)

// StartFunc spawns a fresh transport.
type StartFunc func() (Transport, error)

// Supervisor keeps one transport alive across failures. After a call fails with
// ErrWorkerUnavailable the broken transport stays in place (so its stderr can
// still be read) and is replaced on the next call.
type Supervisor struct {
	name   string
	start  StartFunc
	logger *zap.Logger

	callMu sync.Mutex // one request at a time

	mu       sync.Mutex
	cur      Transport
	broken   bool
	spawnErr error
	closed   bool
}

// Supervise starts the first transport right away so a bad install fails at startup.
func Supervise(name string, start StartFunc, logger *zap.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t, err := start()
	if err != nil {
		return nil, err
	}
	return &Supervisor{name: name, start: start, logger: logger, cur: t}, nil
}

func (s *Supervisor) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s worker closed", ErrWorkerUnavailable, s.name)
	}
	if s.broken {
		if err := s.respawn(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	cur := s.cur
	s.mu.Unlock()

	resp, err := cur.Communicate(ctx, data)
	if errors.Is(err, ErrWorkerUnavailable) {
		s.mu.Lock()
		s.broken = true
		s.mu.Unlock()
		s.logger.Warn("worker failed, will respawn on next request", zap.String("worker", s.name), zap.Error(err))
	}
	return resp, err
}

// respawn replaces the broken transport. Caller holds s.mu.
func (s *Supervisor) respawn() error {
	if s.cur != nil {
		if err := s.cur.Close(); err != nil {
			s.logger.Debug("broken worker exit", zap.String("worker", s.name), zap.Error(err))
		}
		s.cur = nil
	}

	t, err := s.start()
	if err != nil {
		s.spawnErr = err
		s.logger.Error("worker respawn failed", zap.String("worker", s.name), zap.Error(err))
		return fmt.Errorf("%w: respawn %s worker: %v", ErrWorkerUnavailable, s.name, err)
	}

	s.cur = t
	s.broken = false
	s.spawnErr = nil
	metrics.WorkerRestartsTotal.WithLabelValues(s.name).Inc()
	s.logger.Info("worker respawned", zap.String("worker", s.name))
	return nil
}

// Check reports an error once the worker can no longer be respawned.
func (s *Supervisor) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return fmt.Errorf("%s worker closed", s.name)
	case s.spawnErr != nil:
		return fmt.Errorf("%s worker down: %w", s.name, s.spawnErr)
	}
	return nil
}

// current returns the live (or most recently failed) transport.
func (s *Supervisor) current() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cur == nil {
		return nil
	}
	return s.cur.Close()
}

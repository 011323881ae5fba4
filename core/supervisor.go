package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Supervisor runs a long-lived function in a background goroutine and
// restarts it after a fixed delay when it exits for any reason other than a
// clean stop. Panics are recovered and treated as crashes.
//
// The supervised function receives a context that is cancelled by Stop; a
// function that returns while the supervisor is still running is considered
// to have exited unexpectedly and is restarted.
type Supervisor struct {
	name         string
	restartDelay func() time.Duration
	run          func(ctx context.Context)
	logger       *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSupervisor creates a supervisor for run. restartDelay is evaluated at
// each restart so callers can back it with a hot-reloadable config value.
func NewSupervisor(name string, restartDelay func() time.Duration, run func(ctx context.Context), logger *zap.Logger) *Supervisor {
	return &Supervisor{
		name:         name,
		restartDelay: restartDelay,
		run:          run,
		logger:       logger,
	}
}

// Start launches the supervised goroutine. Starting an already-running
// supervisor is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.supervise(ctx, s.done)
	s.logger.Info("supervisor_started", zap.String("task", s.name))
}

// Stop cancels the supervised context and waits for the goroutine to exit.
// Stop is idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("supervisor_stopped", zap.String("task", s.name))
}

// Running reports whether the supervisor is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.runOnce(ctx)

		if ctx.Err() != nil {
			return
		}

		delay := s.restartDelay()
		s.logger.Warn("supervised_task_exited_unexpectedly",
			zap.String("task", s.name),
			zap.Duration("restart_delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		s.logger.Info("supervised_task_restarted", zap.String("task", s.name))
	}
}

func (s *Supervisor) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervised_task_panicked",
				zap.String("task", s.name),
				zap.Any("panic", r))
		}
	}()
	s.run(ctx)
}

// Package tasksup owns a role client's background goroutines, generalizing
// the ad hoc sync.WaitGroup and panic-recovering loops the teacher repo
// hand-rolls per component (dashboard.Hub.Run/runLoop, agent.Run) into a
// single reusable supervisor with per-task cancel/wait policy.
package tasksup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor tracks a set of goroutines started via Spawn, each carrying
// an {allow_cancel, allow_wait} policy.
type Supervisor struct {
	log zerolog.Logger

	mu     sync.Mutex
	tasks  map[int64]*entry
	nextID int64
}

type entry struct {
	cancel      context.CancelFunc
	done        chan struct{}
	allowCancel bool
	allowWait   bool
}

// Option configures a single Spawn call.
type Option func(*config)

type config struct {
	allowCancel   bool
	allowWait     bool
	ignoredErrors []error
}

// WithAllowCancel controls whether CancelAll reaches this task. Default true.
func WithAllowCancel(v bool) Option { return func(c *config) { c.allowCancel = v } }

// WithAllowWait controls whether WaitAll waits on this task. Default true.
func WithAllowWait(v bool) Option { return func(c *config) { c.allowWait = v } }

// WithIgnoredErrors suppresses logging for the listed errors (compared with
// errors.Is) when the task function returns one of them.
func WithIgnoredErrors(errs ...error) Option {
	return func(c *config) { c.ignoredErrors = errs }
}

// New creates an empty Supervisor.
func New(log zerolog.Logger) *Supervisor {
	return &Supervisor{
		log:   log.With().Str("component", "tasksup").Logger(),
		tasks: make(map[int64]*entry),
	}
}

// Spawn starts f in a new goroutine, deriving its context from ctx so an
// allow_cancel task can be stopped independently of the parent. Panics
// inside f are recovered and logged like any other non-ignored error.
func (s *Supervisor) Spawn(ctx context.Context, f func(ctx context.Context) error, opts ...Option) {
	cfg := config{allowCancel: true, allowWait: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	taskCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	e := &entry{cancel: cancel, done: make(chan struct{}), allowCancel: cfg.allowCancel, allowWait: cfg.allowWait}
	s.tasks[id] = e
	s.mu.Unlock()

	go func() {
		defer close(e.done)
		defer func() {
			s.mu.Lock()
			delete(s.tasks, id)
			s.mu.Unlock()
		}()
		defer cancel()

		err := s.runGuarded(taskCtx, f)
		if err == nil || taskCtx.Err() != nil {
			return
		}
		for _, ignored := range cfg.ignoredErrors {
			if errors.Is(err, ignored) {
				return
			}
		}
		s.log.Error().Err(err).Int64("task_id", id).Msg("supervised task failed")
	}()
}

func (s *Supervisor) runGuarded(ctx context.Context, f func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f(ctx)
}

// CancelAll cancels every task whose allow_cancel is true. Non-cancellable
// tasks are left running.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tasks {
		if e.allowCancel {
			e.cancel()
		}
	}
}

// WaitAll blocks until every allow_wait task has finished or timeout
// elapses, whichever is first. Tasks still running after timeout remain
// tracked.
func (s *Supervisor) WaitAll(timeout time.Duration) {
	s.mu.Lock()
	dones := make([]chan struct{}, 0, len(s.tasks))
	for _, e := range s.tasks {
		if e.allowWait {
			dones = append(dones, e.done)
		}
	}
	s.mu.Unlock()

	allDone := make(chan struct{})
	go func() {
		for _, d := range dones {
			<-d
		}
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-time.After(timeout):
	}
}

// Len reports the number of currently tracked tasks. Primarily for tests.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

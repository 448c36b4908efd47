// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/user/miniclaw/internal/state"
	"github.com/user/miniclaw/internal/types"
)

// Handler is the callback invoked when a scheduled task fires.
type Handler func(ctx context.Context, key types.SessionKey, prompt string)

type job struct {
	name     string
	schedule string
	fn       func(ctx context.Context)
}

// Scheduler evaluates cron expressions from the task store and fires tasks
// through a handler callback. Maintenance jobs added with AddFunc run on
// the same cron and survive Reload.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler

	mu   sync.Mutex
	ctx  context.Context
	cron *cron.Cron
	jobs []job
}

// New creates a new Scheduler backed by the given task store. The handler is
// called each time a scheduled task fires.
func New(store *state.TaskStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		ctx:     context.Background(),
		cron:    newCron(),
	}
}

func newCron() *cron.Cron {
	return cron.New(cron.WithParser(state.CronParser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
}

// AddFunc registers a maintenance job. It takes effect on the next
// Start or Reload.
func (s *Scheduler) AddFunc(name, schedule string, fn func(ctx context.Context)) error {
	if _, err := state.CronParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, schedule: schedule, fn: fn})
	return nil
}

// Start loads tasks from the store, registers enabled tasks that have a
// schedule as cron entries, and starts the cron ticker. Handlers receive
// ctx, so cancelling it aborts runs in flight.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.start()
}

func (s *Scheduler) start() error {
	tasks, err := s.store.List()
	if err != nil {
		return err
	}

	ctx := s.ctx
	for _, task := range tasks {
		if task.Schedule == "" || !task.Enabled {
			continue
		}

		key := task.SessionKey
		prompt := task.Prompt
		name := task.Name

		_, err := s.cron.AddFunc(task.Schedule, func() {
			slog.Info("cron firing task", "name", name, "session_key", string(key))
			s.handler(ctx, key, prompt)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", name, "schedule", task.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled task", "name", name, "schedule", task.Schedule)
	}

	for _, j := range s.jobs {
		fn := j.fn
		name := j.name
		if _, err := s.cron.AddFunc(j.schedule, func() {
			slog.Debug("cron running job", "name", name)
			fn(ctx)
		}); err != nil {
			slog.Error("invalid cron schedule", "name", j.name, "schedule", j.schedule, "error", err)
		}
	}

	s.cron.Start()
	return nil
}

// Reload stops the existing cron, creates a new one, and starts again.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Stop()
	s.cron = newCron()
	return s.start()
}

// Stop stops the cron ticker and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cron.Entries())
}

// internal/state/task.go
package state

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/user/miniclaw/internal/types"
)

// Task is a named prompt run in a conversation on a cron schedule or
// when its webhook is called.
type Task struct {
	Name       string           `json:"name"`
	Prompt     string           `json:"prompt"`
	Schedule   string           `json:"schedule,omitempty"`
	SessionKey types.SessionKey `json:"session_key"`
	Enabled    bool             `json:"enabled"`
}

// CronParser accepts standard 5-field expressions, an optional leading
// seconds field, and descriptors such as @daily.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks the session key and, when set, the cron schedule.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if _, _, err := types.ParseSessionKey(t.SessionKey); err != nil {
		return err
	}
	if t.Schedule != "" {
		if _, err := CronParser.Parse(t.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", t.Schedule, err)
		}
	}
	return nil
}

// TaskStore is a JSON-file-backed store for tasks.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

// NewTaskStore creates a new file-backed TaskStore at the given file path.
func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

// Path returns the file path used by this store.
func (s *TaskStore) Path() string {
	return s.path
}

// List returns all tasks. Returns an empty slice if the file doesn't exist.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []*Task{}, nil
	}
	return tasks, nil
}

// Get finds a task by name. Returns an error if not found.
func (s *TaskStore) Get(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}

	for _, task := range tasks {
		if task.Name == name {
			return task, nil
		}
	}
	return nil, fmt.Errorf("task not found: %s", name)
}

// Add validates and appends a task. Returns an error if a task with the
// same name already exists.
func (s *TaskStore) Add(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}

	for _, existing := range tasks {
		if existing.Name == task.Name {
			return fmt.Errorf("task already exists: %s", task.Name)
		}
	}

	tasks = append(tasks, task)
	return s.save(tasks)
}

// Remove deletes a task by name. Returns an error if not found.
func (s *TaskStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}

	for i, task := range tasks {
		if task.Name == name {
			tasks = append(tasks[:i], tasks[i+1:]...)
			return s.save(tasks)
		}
	}
	return fmt.Errorf("task not found: %s", name)
}

// SetEnabled toggles the enabled flag for a task. Returns an error if not found.
func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if task.Name == name {
			task.Enabled = enabled
			return s.save(tasks)
		}
	}
	return fmt.Errorf("task not found: %s", name)
}

// load reads the JSON file and returns the task list. Returns nil if the file doesn't exist.
func (s *TaskStore) load() ([]*Task, error) {
	var tasks []*Task
	if _, err := readJSON(s.path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *TaskStore) save(tasks []*Task) error {
	return writeJSON(s.path, tasks)
}

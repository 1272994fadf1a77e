// Package taskmanager runs detached in-process background tasks and keeps
// their status for polling. Tasks do not survive a restart.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storybook-server/internal/models"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Done reports whether the status is final.
func (s TaskStatus) Done() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is a point-in-time snapshot of a background task.
type Task struct {
	ID        uuid.UUID  `json:"id"`
	OwnerID   uuid.UUID  `json:"ownerId"`
	Kind      string     `json:"kind"`
	SubjectID uuid.UUID  `json:"subjectId"`
	Status    TaskStatus `json:"status"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Reporter lets a running task publish progress (0..100) and a message.
type Reporter func(progress int, message string)

// TaskFunc is the body of a task. Its context is cancelled by Cancel or Close.
type TaskFunc func(ctx context.Context, report Reporter) error

// Spec describes a task to submit.
type Spec struct {
	OwnerID   uuid.UUID
	Kind      string
	SubjectID uuid.UUID // entity the task works on, e.g. a story
}

type entry struct {
	task   Task
	cancel context.CancelFunc
}

// Config configures a Manager.
type Config struct {
	MaxActive int // pending + running tasks accepted at once
}

// Manager owns the task registry.
type Manager struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]*entry
	maxActive int
	closing   bool
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// New creates a Manager.
func New(cfg Config, logger *zap.Logger) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 10
	}
	return &Manager{
		tasks:     make(map[uuid.UUID]*entry),
		maxActive: cfg.MaxActive,
		logger:    logger.Named("TaskManager"),
	}
}

// Submit starts fn in the background. The task's context is independent of
// the caller's, so it outlives the request that submitted it.
func (m *Manager) Submit(spec Spec, fn TaskFunc) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return uuid.Nil, errors.New("task manager is shutting down")
	}
	active := 0
	for _, e := range m.tasks {
		if !e.task.Status.Done() {
			active++
		}
	}
	if active >= m.maxActive {
		return uuid.Nil, models.ErrTooManyTasks
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		task: Task{
			ID:        uuid.New(),
			OwnerID:   spec.OwnerID,
			Kind:      spec.Kind,
			SubjectID: spec.SubjectID,
			Status:    TaskStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
	}
	m.tasks[e.task.ID] = e

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(ctx, e, fn)
	}()
	return e.task.ID, nil
}

func (m *Manager) run(ctx context.Context, e *entry, fn TaskFunc) {
	id := e.task.ID
	log := m.logger.With(zap.String("task_id", id.String()), zap.String("kind", e.task.Kind))
	m.update(id, TaskStatusRunning, 0, "started")

	report := func(progress int, message string) {
		if progress < 0 {
			progress = 0
		}
		if progress > 99 {
			progress = 99
		}
		m.update(id, TaskStatusRunning, progress, message)
	}

	err := runGuarded(ctx, fn, report)
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		log.Info("Task cancelled")
		m.update(id, TaskStatusCancelled, 100, "cancelled")
	case err != nil:
		log.Error("Task failed", zap.Error(err))
		m.update(id, TaskStatusFailed, 100, err.Error())
	default:
		log.Info("Task completed")
		m.update(id, TaskStatusCompleted, 100, "completed")
	}
}

func runGuarded(ctx context.Context, fn TaskFunc, report Reporter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx, report)
}

func (m *Manager) update(id uuid.UUID, status TaskStatus, progress int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok || e.task.Status.Done() {
		return
	}
	e.task.Status = status
	e.task.Progress = progress
	e.task.Message = message
	e.task.UpdatedAt = time.Now().UTC()
}

// Get returns a snapshot of the task.
func (m *Manager) Get(id uuid.UUID) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	return e.task, nil
}

// Cancel cancels a pending or running task.
func (m *Manager) Cancel(id uuid.UUID) error {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	if e.task.Status.Done() {
		m.mu.Unlock()
		return fmt.Errorf("%w: task is already %s", models.ErrConflict, e.task.Status)
	}
	m.mu.Unlock()

	e.cancel()
	return nil
}

// Cleanup forgets finished tasks last updated more than age ago.
func (m *Manager) Cleanup(age time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-age)
	removed := 0
	for id, e := range m.tasks {
		if e.task.Status.Done() && e.task.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

// RunJanitor calls Cleanup every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval, age time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Cleanup(age); n > 0 {
				m.logger.Debug("Finished tasks removed", zap.Int("count", n))
			}
		}
	}
}

// Shutdown stops accepting tasks and waits for running ones until ctx is
// done, after which the remaining tasks are cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		for _, e := range m.tasks {
			if !e.task.Status.Done() {
				e.cancel()
			}
		}
		m.mu.Unlock()
		<-done
		return fmt.Errorf("timeout waiting for tasks: %w", ctx.Err())
	}
}

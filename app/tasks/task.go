package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeCollectFeed  TaskType = "collect_feed"
	TaskTypeCleanupState TaskType = "cleanup_state"
)

const (
	DefaultMaxRetries = 3
	maxRetryDelay     = 30 * time.Second
)

type TaskInterface interface {
	Execute(ctx context.Context) error
	GetID() string
	GetType() TaskType
	GetFeedName() string
	GetRetryCount() int
	GetMaxRetries() int
	GetLastError() error
	Logger() *slog.Logger
	Start()
	Fail(err error, retryable bool) bool
	RetryDelay() time.Duration
	GetDuration() time.Duration
}

// Task carries the bookkeeping shared by every task: identity, attempt
// counting and a logger scoped to the task.
type Task struct {
	ID         string
	Type       TaskType
	FeedName   string
	RetryCount int
	MaxRetries int
	StartedAt  *time.Time
	LastError  error

	logger *slog.Logger
}

func NewTask(taskType TaskType, feedName string, logger *slog.Logger) Task {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger = logger.With("type", string(taskType), "task_id", id)
	if feedName != "" {
		logger = logger.With("feed", feedName)
	}
	return Task{
		ID:         id,
		Type:       taskType,
		FeedName:   feedName,
		MaxRetries: DefaultMaxRetries,
		logger:     logger,
	}
}

func (t *Task) GetID() string {
	return t.ID
}

func (t *Task) GetType() TaskType {
	return t.Type
}

func (t *Task) GetFeedName() string {
	return t.FeedName
}

func (t *Task) GetRetryCount() int {
	return t.RetryCount
}

func (t *Task) GetMaxRetries() int {
	return t.MaxRetries
}

func (t *Task) GetLastError() error {
	return t.LastError
}

// Logger returns the task's logger with its type, id and feed attached.
func (t *Task) Logger() *slog.Logger {
	if t.logger == nil {
		return slog.Default()
	}
	return t.logger
}

// Start marks the beginning of an attempt.
func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
}

// Fail records a failed attempt. It reports whether another attempt is
// allowed and, if so, counts it.
func (t *Task) Fail(err error, retryable bool) bool {
	t.LastError = err
	if !retryable || t.RetryCount >= t.MaxRetries {
		return false
	}
	t.RetryCount++
	return true
}

// RetryDelay is the wait before the current retry: 1s doubling per retry,
// capped at 30s.
func (t *Task) RetryDelay() time.Duration {
	if t.RetryCount <= 0 {
		return 0
	}
	shift := min(t.RetryCount-1, 5)
	return min(time.Duration(1<<uint(shift))*time.Second, maxRetryDelay)
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

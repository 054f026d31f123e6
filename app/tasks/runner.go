package tasks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lysyi3m/harvest/app/remote"
)

var _ TaskRunnerInterface = (*Runner)(nil)

// Runner executes a batch of tasks one after another, retrying failed
// tasks, and optionally repeats the batch on an interval.
type Runner struct {
	build       func() []TaskInterface
	interval    time.Duration
	taskTimeout time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// NewRunner creates a runner. build is called before every pass so each
// pass works on fresh tasks. A zero interval runs a single pass.
func NewRunner(build func() []TaskInterface, interval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		build:       build,
		interval:    interval,
		taskTimeout: 5 * time.Minute,
		sleep:       sleepContext,
		logger:      logger,
	}
}

// Run executes passes until ctx is done, or once when no interval is set.
// It returns the number of tasks that failed in the last pass.
func (r *Runner) Run(ctx context.Context) int {
	failed := r.RunOnce(ctx)
	if r.interval <= 0 {
		return failed
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return failed
		case <-ticker.C:
			failed = r.RunOnce(ctx)
		}
	}
}

// RunOnce executes every task built for this pass and returns how many
// failed after exhausting their retries.
func (r *Runner) RunOnce(ctx context.Context) int {
	tasks := r.build()
	if len(tasks) == 0 {
		r.logger.Debug("No tasks to run")
		return 0
	}

	failed := 0
	for i, task := range tasks {
		if ctx.Err() != nil {
			r.logger.Debug("Runner stopped, skipping remaining tasks", "remaining", len(tasks)-i)
			return failed
		}
		if !r.executeTask(ctx, task) {
			failed++
		}
	}
	return failed
}

func (r *Runner) executeTask(ctx context.Context, task TaskInterface) bool {
	log := task.Logger()
	for {
		task.Start()

		taskCtx, cancel := context.WithTimeout(ctx, r.taskTimeout)
		err := task.Execute(taskCtx)
		cancel()

		metricTaskDuration.WithLabelValues(string(task.GetType())).Observe(task.GetDuration().Seconds())

		if err == nil {
			metricTaskRuns.WithLabelValues(string(task.GetType()), "success").Inc()
			return true
		}
		metricTaskRuns.WithLabelValues(string(task.GetType()), "error").Inc()

		log.Error("Task execution failed", "retry_count", task.GetRetryCount(), "error", err)

		var permanent *remote.PermanentError
		retryable := ctx.Err() == nil && !errors.As(err, &permanent)
		if !task.Fail(err, retryable) {
			log.Error("Task failed, giving up", "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", task.GetLastError())
			return false
		}

		retryDelay := task.RetryDelay()
		log.Warn("Task retry scheduled", "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

		if err := r.sleep(ctx, retryDelay); err != nil {
			log.Debug("Runner stopped, skipping task retry")
			return false
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

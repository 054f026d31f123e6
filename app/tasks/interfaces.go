package tasks

import "context"

// TaskRunnerInterface defines the interface for running collection passes.
// Used by the main application to drive feed collection and state cleanup.
// Example usage:
//
//	runner := NewRunner(func() []TaskInterface { return buildTasks(rules) }, interval, logger)
//	failed := runner.Run(ctx)
type TaskRunnerInterface interface {
	Run(ctx context.Context) int
	RunOnce(ctx context.Context) int
}

// Package config defines configuration structs for the task kernel.
//
// Configuration follows the initialization-only pattern: structs are populated
// (directly or from JSON), merged with defaults, and transformed into domain
// objects by constructors. Observer fields are string names resolved through
// the observability registry at construction time.
package config

import (
	"runtime"
	"time"
)

// ManagerConfig defines configuration for a task Manager instance.
//
// Example JSON:
//
//	{
//	  "name": "editor",
//	  "observer": "slog",
//	  "long_running_workers": 8,
//	  "shutdown_timeout": 500000000,
//	  "progress_interval": 100000000
//	}
type ManagerConfig struct {
	// Name identifies the manager in event metadata.
	Name string `json:"name"`

	// Observer specifies which observer implementation to use ("noop", "slog", etc.)
	Observer string `json:"observer"`

	// LongRunningWorkers caps concurrent long-running tasks (0 = auto-detect).
	LongRunningWorkers int `json:"long_running_workers"`

	// ShutdownTimeout bounds how long Stop waits for the scheduler pair to drain.
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// ProgressInterval throttles per-task progress emissions from the reporter.
	ProgressInterval time.Duration `json:"progress_interval"`
}

// longRunningWorkerCap limits auto-detected long-running workers.
const longRunningWorkerCap = 16

// DefaultManagerConfig returns sensible defaults for a Manager.
//
// Long-running workers auto-detect to NumCPU*2 capped at 16, matching the
// sizing used for I/O-bound work elsewhere in the kernel. Shutdown waits at
// most 500ms for draining workers; progress is throttled to one emission per
// 100ms per task.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Name:               "kernel",
		Observer:           "slog",
		LongRunningWorkers: 0,
		ShutdownTimeout:    500 * time.Millisecond,
		ProgressInterval:   100 * time.Millisecond,
	}
}

// ResolveLongRunningWorkers returns the effective long-running worker count.
func (c *ManagerConfig) ResolveLongRunningWorkers() int {
	if c.LongRunningWorkers > 0 {
		return c.LongRunningWorkers
	}

	n := runtime.NumCPU() * 2
	if n > longRunningWorkerCap {
		n = longRunningWorkerCap
	}
	return n
}

func (c *ManagerConfig) Merge(source *ManagerConfig) {
	if source.Name != "" {
		c.Name = source.Name
	}

	if source.Observer != "" {
		c.Observer = source.Observer
	}

	if source.LongRunningWorkers > 0 {
		c.LongRunningWorkers = source.LongRunningWorkers
	}

	if source.ShutdownTimeout > 0 {
		c.ShutdownTimeout = source.ShutdownTimeout
	}

	if source.ProgressInterval > 0 {
		c.ProgressInterval = source.ProgressInterval
	}
}

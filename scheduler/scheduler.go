// Package scheduler provides the execution surfaces the task kernel routes
// work onto: a paired exclusive/concurrent lane set sharing one gate, a
// long-running lane backed by dedicated goroutines, and a host-driven UI
// surface pinned to a single goroutine.
package scheduler

import "errors"

// Runnable is a unit of work dispatched onto a scheduler surface. Runnables
// must not panic; the task engine recovers failures before they reach a lane.
type Runnable func()

// Scheduler accepts runnables for execution on one surface.
type Scheduler interface {
	// Schedule enqueues the runnable. It returns ErrCompleted when the
	// surface no longer accepts submissions.
	Schedule(r Runnable) error
}

// ErrCompleted is returned by Schedule after a surface has been completed.
var ErrCompleted = errors.New("scheduler: completed, no new submissions accepted")

package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LongRunning executes runnables on freshly spawned goroutines admitted
// through a weighted semaphore. Because every runnable gets its own
// goroutine, long-running work can never land on the goroutine recorded as
// the UI surface, whatever the pool load.
//
// The lane is intended for work that blocks a worker for its whole lifetime,
// such as child-process supervision.
type LongRunning struct {
	sem *semaphore.Weighted

	mu        sync.Mutex
	completed bool

	inflight sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// NewLongRunning creates a lane admitting at most workers runnables at once.
func NewLongRunning(workers int) *LongRunning {
	if workers <= 0 {
		workers = 1
	}
	return &LongRunning{
		sem:  semaphore.NewWeighted(int64(workers)),
		done: make(chan struct{}),
	}
}

// Schedule runs r on its own goroutine once a worker slot is free.
func (l *LongRunning) Schedule(r Runnable) error {
	l.mu.Lock()
	if l.completed {
		l.mu.Unlock()
		return ErrCompleted
	}
	l.inflight.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.inflight.Done()

		if err := l.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer l.sem.Release(1)
		r()
	}()

	return nil
}

// Complete refuses further submissions. Accepted work still runs.
func (l *LongRunning) Complete() {
	l.mu.Lock()
	l.completed = true
	l.mu.Unlock()

	l.doneOnce.Do(func() {
		go func() {
			l.inflight.Wait()
			close(l.done)
		}()
	})
}

// Done returns a channel closed once Complete has been called and all
// accepted runnables have finished.
func (l *LongRunning) Done() <-chan struct{} { return l.done }

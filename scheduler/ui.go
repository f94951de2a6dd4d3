package scheduler

import (
	"context"
	"sync"
)

// UI is the host-provided single-threaded surface. Post must deliver the
// runnable onto the goroutine that owns the surface without ever blocking the
// caller; hosts inject their own mechanism (main-loop post, message-pump
// dispatch) or drive a Loop.
type UI interface {
	Post(r Runnable)
}

// Loop is a channel-backed UI surface. The host calls Run on the goroutine
// that owns the surface; Post enqueues from any goroutine without blocking.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Runnable
	stopped bool
}

// NewLoop creates an idle Loop. Runnables posted before Run starts are
// buffered and delivered in order once it does.
func NewLoop() *Loop {
	l := &Loop{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Post enqueues r for execution on the Run goroutine. Runnables posted after
// the loop stopped are dropped.
func (l *Loop) Post(r Runnable) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, r)
	l.mu.Unlock()

	l.cond.Signal()
}

// Run drains posted runnables on the calling goroutine until ctx is
// cancelled. The calling goroutine becomes the surface's owning thread.
func (l *Loop) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		l.cond.Broadcast()
	})
	defer stop()

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		r := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		r()
	}
}

package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/editor-tasks/kernel/observability"
)

// Progress is a task's progress record: current out of total, with a
// human-readable message. Current never decreases between Start and the
// terminal state.
type Progress struct {
	Current int64
	Total   int64
	Message string
}

// ProgressEvent is what the reporter delivers to subscribers.
type ProgressEvent struct {
	TaskID   int64
	TaskName string
	Progress Progress
	Final    bool
}

type progressUpdate struct {
	id    int64
	name  string
	p     Progress
	final bool
}

type progressSub struct {
	id int64
	fn func(ProgressEvent)
}

// ProgressReporter aggregates per-task progress on a single serialized
// actor goroutine. Intermediate updates are throttled to one emission per
// interval per task; the final update of every task is always emitted.
type ProgressReporter struct {
	interval time.Duration
	observer observability.Observer
	source   string

	ch   chan progressUpdate
	stop chan struct{}
	done chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once

	mu     sync.Mutex
	subs   []progressSub
	nextID int64
}

func newProgressReporter(interval time.Duration, observer observability.Observer, source string) *ProgressReporter {
	r := &ProgressReporter{
		interval: interval,
		observer: observer,
		source:   source,
		ch:       make(chan progressUpdate, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go r.run()

	return r
}

// Subscribe registers fn for reporter emissions. The returned function
// removes the subscription; a subscriber removed before any emission is
// never invoked.
func (r *ProgressReporter) Subscribe(fn func(ProgressEvent)) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, progressSub{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// report enqueues an update onto the actor. Intermediate updates are dropped
// when the actor is saturated; final updates block until accepted so the
// last record of every task survives.
func (r *ProgressReporter) report(id int64, name string, p Progress, final bool) {
	if r.closed.Load() {
		return
	}

	u := progressUpdate{id: id, name: name, p: p, final: final}
	if final {
		select {
		case r.ch <- u:
		case <-r.stop:
		}
		return
	}

	select {
	case r.ch <- u:
	default:
	}
}

// Close stops the actor. Pending updates already accepted are delivered.
func (r *ProgressReporter) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.stop)
		<-r.done
	})
}

func (r *ProgressReporter) run() {
	defer close(r.done)

	lastEmit := make(map[int64]time.Time)

	for {
		select {
		case u := <-r.ch:
			r.handle(lastEmit, u)
		case <-r.stop:
			for {
				select {
				case u := <-r.ch:
					r.handle(lastEmit, u)
				default:
					return
				}
			}
		}
	}
}

func (r *ProgressReporter) handle(lastEmit map[int64]time.Time, u progressUpdate) {
	now := time.Now()
	if !u.final {
		if last, ok := lastEmit[u.id]; ok && now.Sub(last) < r.interval {
			return
		}
	}
	lastEmit[u.id] = now
	if u.final {
		delete(lastEmit, u.id)
	}

	r.mu.Lock()
	subs := make([]progressSub, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	ev := ProgressEvent{TaskID: u.id, TaskName: u.name, Progress: u.p, Final: u.final}
	for _, s := range subs {
		s.fn(ev)
	}

	observability.Emit(context.Background(), r.observer, EventTaskProgress, observability.LevelVerbose, r.source, map[string]any{
		"task":    u.name,
		"task_id": u.id,
		"current": u.p.Current,
		"total":   u.p.Total,
		"message": u.p.Message,
		"final":   u.final,
	})
}

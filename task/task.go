// Package task implements the chained-execution engine of the kernel: the
// task state machine, the chain operator with predicate-labeled edges, the
// manager that routes tasks onto scheduler surfaces, the progress reporter,
// and the sequential queue driver.
//
// A Task is one concrete record. Typed behavior comes from the constructors:
// NewAction wraps an action with no value, NewFunc a value-producing
// function, and NewTransform a function consuming the parent's value.
// Process-backed tasks are built by the process package on top of the same
// record.
//
//	a := task.NewFunc("fetch", fetch)
//	b := task.NewTransform("parse", parse)
//	a.Then(b)
//	if _, err := a.Start(mgr); err != nil { ... }
//	parsed, err := task.Result[Manifest](b)
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// input carries what the engine hands a task body: the parent's marshalled
// result (when the parent succeeded) and the parent's terminal success flag.
type input struct {
	value    any
	parentOK bool
}

// body is the tagged run function behind every task variant.
type body func(ctx context.Context, in input) (any, error)

// continuation is one parent→child edge.
type continuation struct {
	child     *Task
	predicate Predicate
}

type startEntry struct {
	id int64
	fn func(*Task)
}

type endEntry struct {
	id int64
	fn func(t *Task, result any, success bool, err error)
}

type progressEntry struct {
	id int64
	fn func(Progress)
}

// Task is the central entity of the engine: a named unit of work with an
// affinity, a lifecycle state, an optional result, continuation edges, and
// handler lists. Construct with NewAction, NewFunc, or NewTransform; compose
// with Then; run through a Manager.
//
// All exported methods are safe for concurrent use.
type Task struct {
	name     string
	runID    string
	affinity Affinity
	body     body

	mu      sync.Mutex
	state   State
	id      int64
	message string

	inputVal any
	result   any
	err      error
	// errHandled records that a fault handler claimed the fault: the
	// exception stays in the slot, but it is not carried downstream and
	// OnFailure edges are treated as unmatched.
	errHandled bool
	prevErr    error
	depFailed  bool

	parent *Task
	conts  []continuation

	faultHandlers    []func(error) bool
	startHandlers    []startEntry
	endHandlers      []endEntry
	progressHandlers []progressEntry
	nextHandlerID    int64

	progress Progress

	mgr           *Manager
	baseCtx       context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	pendingCancel bool

	done chan struct{}
}

// Option configures a task at construction.
type Option func(*Task)

// WithAffinity sets the execution surface. Default: Concurrent.
func WithAffinity(a Affinity) Option {
	return func(t *Task) { t.affinity = a }
}

// WithMessage sets the human-readable message shown alongside progress.
func WithMessage(msg string) Option {
	return func(t *Task) { t.message = msg }
}

// WithToken scopes the task's cancellation to ctx instead of deriving
// directly from the manager's root token.
func WithToken(ctx context.Context) Option {
	return func(t *Task) { t.baseCtx = ctx }
}

func newTask(name string, affinity Affinity, b body, opts ...Option) *Task {
	t := &Task{
		name:     name,
		runID:    uuid.Must(uuid.NewV7()).String(),
		affinity: affinity,
		body:     b,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewAction creates a task with no result value.
func NewAction(name string, fn func(ctx context.Context) error, opts ...Option) *Task {
	return newTask(name, Concurrent, func(ctx context.Context, _ input) (any, error) {
		return nil, fn(ctx)
	}, opts...)
}

// NewFunc creates a task producing a value of type T.
func NewFunc[T any](name string, fn func(ctx context.Context) (T, error), opts ...Option) *Task {
	return newTask(name, Concurrent, func(ctx context.Context, _ input) (any, error) {
		return fn(ctx)
	}, opts...)
}

// NewTransform creates a task consuming the parent's T and producing a U.
// When the parent did not succeed the input slot is unset and fn receives the
// zero value of T.
func NewTransform[T, U any](name string, fn func(ctx context.Context, in T) (U, error), opts ...Option) *Task {
	return newTask(name, Concurrent, func(ctx context.Context, in input) (any, error) {
		v, _ := in.value.(T)
		return fn(ctx, v)
	}, opts...)
}

// Result returns the terminal result of t as a T. It fails with a StateError
// wrapping ErrNotTerminal before completion, and with the task's own error
// when the task did not succeed.
func Result[T any](t *Task) (T, error) {
	var zero T

	t.mu.Lock()
	st, res, err := t.state, t.result, t.err
	t.mu.Unlock()

	if !st.Terminal() {
		return zero, &StateError{Op: "read result of", Name: t.name, State: st, Err: ErrNotTerminal}
	}
	if st != Succeeded {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}

	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("task: result of %q is %T, not %T", t.name, res, zero)
	}
	return v, nil
}

// Name returns the task's human-readable name.
func (t *Task) Name() string { return t.name }

// RunID returns the correlation id stamped at creation.
func (t *Task) RunID() string { return t.runID }

// Affinity returns the task's execution surface tag.
func (t *Task) Affinity() Affinity { return t.affinity }

// ID returns the integer id assigned when the task started, zero before.
func (t *Task) ID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Message returns the task's progress message.
func (t *Task) Message() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.message
}

// Successful reports whether the task reached Succeeded.
func (t *Task) Successful() bool {
	return t.State() == Succeeded
}

// Err returns the task's fault, ErrDependencyFailed for skipped tasks, or nil.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// DependencyFailed reports whether the task was canceled without running
// because its parent's terminal state did not match the edge predicate.
func (t *Task) DependencyFailed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depFailed
}

// PreviousException returns the most-upstream unhandled fault carried into
// this task along any matched edge or through dependency cancellation, or nil.
func (t *Task) PreviousException() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prevErr
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task completes or ctx is cancelled. It returns the
// task's terminal error, or the context's error when ctx won.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cooperative cancellation of this task only. Before the
// task is scheduled the request is remembered and applied at dispatch.
func (t *Task) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	if cancel == nil {
		t.pendingCancel = true
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// OnStart subscribes fn to the task's transition to Running. The handler runs
// on the scheduler goroutine that runs the task body. The returned function
// removes the subscription.
func (t *Task) OnStart(fn func(*Task)) (remove func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextHandlerID++
	id := t.nextHandlerID
	t.startHandlers = append(t.startHandlers, startEntry{id: id, fn: fn})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, e := range t.startHandlers {
			if e.id == id {
				t.startHandlers = append(t.startHandlers[:i], t.startHandlers[i+1:]...)
				return
			}
		}
	}
}

// OnEnd subscribes fn to the task's terminal transition. It fires exactly
// once, after the state change, with the result, the success flag, and the
// fault (nil on success). Handler panics are logged and do not alter state.
func (t *Task) OnEnd(fn func(t *Task, result any, success bool, err error)) (remove func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextHandlerID++
	id := t.nextHandlerID
	t.endHandlers = append(t.endHandlers, endEntry{id: id, fn: fn})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, e := range t.endHandlers {
			if e.id == id {
				t.endHandlers = append(t.endHandlers[:i], t.endHandlers[i+1:]...)
				return
			}
		}
	}
}

// OnProgress subscribes fn to the task's progress updates.
func (t *Task) OnProgress(fn func(Progress)) (remove func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextHandlerID++
	id := t.nextHandlerID
	t.progressHandlers = append(t.progressHandlers, progressEntry{id: id, fn: fn})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, e := range t.progressHandlers {
			if e.id == id {
				t.progressHandlers = append(t.progressHandlers[:i], t.progressHandlers[i+1:]...)
				return
			}
		}
	}
}

// Catch adds a fault handler. Handlers run in registration order when the
// body faults; the first to return true claims the fault, which then is not
// carried downstream and does not match OnFailure edges. Returns the task for
// left-to-right composition.
func (t *Task) Catch(fn func(error) bool) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faultHandlers = append(t.faultHandlers, fn)
	return t
}

// Report publishes a progress update (current out of total) from the task
// body. Current is kept monotone non-decreasing until the task is restarted.
func (t *Task) Report(current, total int64, message string) {
	t.mu.Lock()
	if current < t.progress.Current {
		current = t.progress.Current
	}
	if message == "" {
		message = t.progress.Message
	}
	t.progress = Progress{Current: current, Total: total, Message: message}
	p := t.progress
	handlers := make([]progressEntry, len(t.progressHandlers))
	copy(handlers, t.progressHandlers)
	mgr := t.mgr
	id := t.id
	name := t.name
	t.mu.Unlock()

	for _, h := range handlers {
		h.fn(p)
	}
	if mgr != nil {
		mgr.reporter.report(id, name, p, false)
	}
}

// Progress returns the task's last published progress record.
func (t *Task) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// setInput writes the parent's marshalled result into the input slot.
func (t *Task) setInput(v any) {
	t.mu.Lock()
	t.inputVal = v
	t.mu.Unlock()
}

// setPrevErr carries the most-upstream unhandled fault into the task.
func (t *Task) setPrevErr(err error) {
	t.mu.Lock()
	if t.prevErr == nil {
		t.prevErr = err
	}
	t.mu.Unlock()
}

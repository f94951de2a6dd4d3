package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/editor-tasks/kernel/observability"
)

// execute drives the task body on the scheduler goroutine the task was
// dispatched to. parentOK is true for chain heads and for children whose
// parent succeeded.
func (t *Task) execute(parentOK bool) {
	t.mu.Lock()
	if t.state != Started {
		t.mu.Unlock()
		return
	}
	t.state = Running
	startHandlers := make([]startEntry, len(t.startHandlers))
	copy(startHandlers, t.startHandlers)
	ctx := t.ctx
	in := input{value: t.inputVal, parentOK: parentOK}
	t.mu.Unlock()

	t.emit(EventTaskRun, observability.LevelVerbose, map[string]any{
		"affinity":       t.affinity.String(),
		"parent_success": parentOK,
	})

	for _, h := range startHandlers {
		t.invokeHandler("start", func() { h.fn(t) })
	}

	// Signalled before any side effect: transition straight to Canceled.
	if err := ctx.Err(); err != nil {
		t.finish(nil, fmt.Errorf("%w: %w", ErrCanceled, err), Canceled)
		return
	}

	var (
		out any
		err error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task body panicked: %v", p)
			}
		}()
		out, err = t.body(ctx, in)
	}()

	if err == nil {
		t.finish(out, nil, Succeeded)
		return
	}

	if isCancellation(err) {
		if !errors.Is(err, ErrCanceled) {
			err = fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		t.finish(nil, err, Canceled)
		return
	}

	t.mu.Lock()
	handlers := make([]func(error) bool, len(t.faultHandlers))
	copy(handlers, t.faultHandlers)
	t.mu.Unlock()

	handled := false
	for _, h := range handlers {
		if t.invokeFaultHandler(h, err) {
			handled = true
			break
		}
	}

	t.mu.Lock()
	t.errHandled = handled
	t.mu.Unlock()

	t.finish(nil, err, Faulted)
}

func isCancellation(err error) bool {
	return errors.Is(err, ErrCanceled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// finish performs the terminal transition: record the outcome, flush the
// final progress update, fire OnEnd, release handler lists, and dispatch
// continuations. OnEnd observes the terminal state before any child starts.
func (t *Task) finish(result any, err error, st State) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = st
	t.result = result
	t.err = err
	endHandlers := make([]endEntry, len(t.endHandlers))
	copy(endHandlers, t.endHandlers)
	// Handler lists are released on the terminal transition so closures that
	// capture the task cannot keep the chain alive.
	t.startHandlers = nil
	t.endHandlers = nil
	t.progressHandlers = nil
	t.faultHandlers = nil
	mgr := t.mgr
	id := t.id
	p := t.progress
	hasProgress := p.Current != 0 || p.Total != 0
	hasConts := len(t.conts) > 0
	errHandled := t.errHandled
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if mgr != nil && hasProgress {
		mgr.reporter.report(id, t.name, p, true)
	}

	success := st == Succeeded
	for _, h := range endHandlers {
		t.invokeHandler("end", func() { h.fn(t, result, success, err) })
	}

	level := observability.LevelVerbose
	if st == Faulted {
		level = observability.LevelWarning
	}
	t.emit(EventTaskComplete, level, map[string]any{
		"state": st.String(),
		"error": err != nil,
	})

	close(t.done)

	t.dispatchContinuations()

	if mgr != nil && !hasConts && !errHandled {
		if fault := t.effectiveFault(); fault != nil {
			mgr.reportUnobservedFault(t, fault)
		}
	}
}

// effectiveFault returns the exception this task forwards downstream: its own
// fault when it faulted unhandled, otherwise the carried upstream one.
func (t *Task) effectiveFault() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.errHandled {
		return nil
	}
	if t.state == Faulted && t.err != nil {
		return t.err
	}
	return t.prevErr
}

// invokeHandler runs an event handler, recovering panics so subscriber
// failures never alter task state.
func (t *Task) invokeHandler(kind string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			t.emit(EventHandlerPanic, observability.LevelError, map[string]any{
				"handler": kind,
				"panic":   fmt.Sprint(p),
			})
		}
	}()
	fn()
}

func (t *Task) invokeFaultHandler(h func(error) bool, err error) (handled bool) {
	defer func() {
		if p := recover(); p != nil {
			handled = false
		}
	}()
	return h(err)
}

// emit sends an observability event through the manager's observer, tagged
// with the task identity.
func (t *Task) emit(typ observability.EventType, level observability.Level, data map[string]any) {
	t.mu.Lock()
	mgr := t.mgr
	id := t.id
	t.mu.Unlock()

	if mgr == nil {
		return
	}

	if data == nil {
		data = map[string]any{}
	}
	data["task"] = t.name
	data["task_id"] = id
	data["run_id"] = t.runID

	observability.Emit(context.Background(), mgr.observer, typ, level, mgr.name, data)
}

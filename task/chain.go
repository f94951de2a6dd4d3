package task

import (
	"context"

	"github.com/editor-tasks/kernel/observability"
)

// Then attaches child to run after t when t succeeds. It returns child so
// chains compose left to right:
//
//	head.Then(parse).Then(store)
//
// Attaching a child that already has a parent, or attaching to a task that
// already reached a terminal state, is a programming error and panics with a
// StateError.
func (t *Task) Then(child *Task) *Task {
	return t.ThenWith(child, OnSuccess)
}

// ThenWith attaches child to t with an explicit edge predicate.
func (t *Task) ThenWith(child *Task, predicate Predicate) *Task {
	child.mu.Lock()
	if child.parent != nil {
		child.mu.Unlock()
		panic(&StateError{Op: "attach already-attached task", Name: child.name, State: child.State()})
	}
	child.parent = t
	child.mu.Unlock()

	t.mu.Lock()
	if t.state.Terminal() {
		st := t.state
		t.mu.Unlock()
		panic(&StateError{Op: "attach continuation to", Name: t.name, State: st})
	}
	t.conts = append(t.conts, continuation{child: child, predicate: predicate})
	t.mu.Unlock()

	return child
}

// Finally attaches an Always continuation that receives the chain outcome:
// the parent's terminal success flag and the most-upstream unhandled fault
// (nil when the chain succeeded). Returns the attached task.
func (t *Task) Finally(fn func(success bool, err error)) *Task {
	var ft *Task
	ft = newTask(t.name+".finally", Concurrent, func(ctx context.Context, in input) (any, error) {
		fn(in.parentOK, ft.PreviousException())
		return nil, nil
	})
	return t.ThenWith(ft, Always)
}

// Start schedules the chain containing t on m: the chain's head (the unique
// ancestor with no parent) is located and started. Starting an
// already-started chain is a no-op returning the same handle.
func (t *Task) Start(m *Manager) (*Task, error) {
	if _, err := m.Schedule(t); err != nil {
		return nil, err
	}
	return t, nil
}

// head walks parent references to the chain's root.
func (t *Task) head() *Task {
	h := t
	for {
		h.mu.Lock()
		p := h.parent
		h.mu.Unlock()
		if p == nil {
			return h
		}
		h = p
	}
}

// dispatchContinuations visits each edge in attachment order once the task is
// terminal: matching children are scheduled with the parent's success flag
// and marshalled result; non-matching children are canceled as failed
// dependencies, and their own edges are visited with the same local rule.
func (t *Task) dispatchContinuations() {
	t.mu.Lock()
	st := t.state
	conts := make([]continuation, len(t.conts))
	copy(conts, t.conts)
	result := t.result
	errHandled := t.errHandled
	mgr := t.mgr
	t.mu.Unlock()

	if len(conts) == 0 {
		return
	}

	success := st == Succeeded
	fault := t.effectiveFault()

	for _, c := range conts {
		matched := false
		switch c.predicate {
		case Always:
			matched = true
		case OnSuccess:
			matched = success
		case OnFailure:
			matched = !success && !errHandled
		}

		if matched {
			t.emit(EventEdgeDispatch, observability.LevelVerbose, map[string]any{
				"child":     c.child.name,
				"predicate": c.predicate.String(),
			})

			if success {
				c.child.setInput(result)
			}
			if fault != nil {
				c.child.setPrevErr(fault)
			}
			if mgr != nil {
				mgr.startChild(c.child, success)
			}
			continue
		}

		t.emit(EventEdgeSkip, observability.LevelVerbose, map[string]any{
			"child":     c.child.name,
			"predicate": c.predicate.String(),
		})
		c.child.cancelDependencyFailed(mgr, fault)
	}
}

// cancelDependencyFailed marks a never-run child Canceled because its edge
// predicate did not match the parent's terminal state, then visits the
// child's own edges under the same rule.
func (t *Task) cancelDependencyFailed(mgr *Manager, fault error) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = Canceled
	t.depFailed = true
	t.err = ErrDependencyFailed
	if t.prevErr == nil {
		t.prevErr = fault
	}
	if t.mgr == nil {
		t.mgr = mgr
	}
	endHandlers := make([]endEntry, len(t.endHandlers))
	copy(endHandlers, t.endHandlers)
	t.startHandlers = nil
	t.endHandlers = nil
	t.progressHandlers = nil
	t.faultHandlers = nil
	t.mu.Unlock()

	for _, h := range endHandlers {
		t.invokeHandler("end", func() { h.fn(t, nil, false, ErrDependencyFailed) })
	}

	t.emit(EventTaskComplete, observability.LevelVerbose, map[string]any{
		"state":             Canceled.String(),
		"dependency_failed": true,
	})

	close(t.done)

	t.dispatchContinuations()
}

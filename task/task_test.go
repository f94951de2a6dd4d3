package task_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/editor-tasks/kernel/config"
	"github.com/editor-tasks/kernel/task"
)

func newTestManager(t *testing.T) *task.Manager {
	t.Helper()

	mgr, err := task.NewManager(&config.ManagerConfig{Observer: "noop"})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = mgr.Stop() })

	return mgr
}

func waitDone(t *testing.T, tk *task.Task) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-tk.Done():
	case <-ctx.Done():
		t.Fatalf("task %q did not complete in time", tk.Name())
	}
}

func TestTask_LifecycleEvents(t *testing.T) {
	mgr := newTestManager(t)

	var startCount, endCount int32
	var endSuccess bool
	var endErr error

	tk := task.NewAction("lifecycle", func(ctx context.Context) error { return nil })
	tk.OnStart(func(*task.Task) { atomic.AddInt32(&startCount, 1) })
	tk.OnEnd(func(_ *task.Task, _ any, success bool, err error) {
		atomic.AddInt32(&endCount, 1)
		endSuccess = success
		endErr = err
	})

	if _, err := tk.Start(mgr); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tk)

	if got := tk.State(); got != task.Succeeded {
		t.Errorf("State() = %v, want %v", got, task.Succeeded)
	}
	if atomic.LoadInt32(&startCount) != 1 {
		t.Errorf("OnStart fired %d times, want 1", startCount)
	}
	if atomic.LoadInt32(&endCount) != 1 {
		t.Errorf("OnEnd fired %d times, want 1", endCount)
	}
	if !endSuccess || endErr != nil {
		t.Errorf("OnEnd got (success=%v, err=%v), want (true, nil)", endSuccess, endErr)
	}
	if tk.ID() == 0 {
		t.Error("ID() = 0 after start, want assigned id")
	}
}

func TestTask_FaultRetainsException(t *testing.T) {
	mgr := newTestManager(t)

	boom := errors.New("boom")
	tk := task.NewAction("faulty", func(ctx context.Context) error { return boom })

	if _, err := tk.Start(mgr); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tk)

	if got := tk.State(); got != task.Faulted {
		t.Errorf("State() = %v, want %v", got, task.Faulted)
	}
	if !errors.Is(tk.Err(), boom) {
		t.Errorf("Err() = %v, want %v", tk.Err(), boom)
	}
	if tk.Successful() {
		t.Error("Successful() = true for a faulted task")
	}
}

func TestTask_BodyPanicBecomesFault(t *testing.T) {
	mgr := newTestManager(t)

	tk := task.NewAction("panicky", func(ctx context.Context) error { panic("kaboom") })

	if _, err := tk.Start(mgr); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tk)

	if got := tk.State(); got != task.Faulted {
		t.Errorf("State() = %v, want %v", got, task.Faulted)
	}
}

func TestTask_CancelBeforeDispatch(t *testing.T) {
	mgr := newTestManager(t)

	ran := false
	tk := task.NewAction("cancelled-early", func(ctx context.Context) error {
		ran = true
		return nil
	})
	tk.Cancel()

	if _, err := tk.Start(mgr); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tk)

	if got := tk.State(); got != task.Canceled {
		t.Errorf("State() = %v, want %v", got, task.Canceled)
	}
	if !errors.Is(tk.Err(), task.ErrCanceled) {
		t.Errorf("Err() = %v, want ErrCanceled", tk.Err())
	}
	if ran {
		t.Error("body ran despite cancellation before dispatch")
	}
}

func TestTask_BodyCancellationBecomesCanceled(t *testing.T) {
	mgr := newTestManager(t)

	tk := task.NewAction("cooperative", func(ctx context.Context) error {
		return fmt.Errorf("copy interrupted: %w", context.Canceled)
	})

	if _, err := tk.Start(mgr); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tk)

	if got := tk.State(); got != task.Canceled {
		t.Errorf("State() = %v, want %v", got, task.Canceled)
	}
}

func TestStart_Idempotent(t *testing.T) {
	mgr := newTestManager(t)

	var startCount int32
	release := make(chan struct{})
	tk := task.NewAction("once", func(ctx context.Context) error {
		<-release
		return nil
	})
	tk.OnStart(func(*task.Task) { atomic.AddInt32(&startCount, 1) })

	first, err := tk.Start(mgr)
	if err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	second, err := tk.Start(mgr)
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if first != second {
		t.Error("Start() on a started task returned a different handle")
	}

	close(release)
	waitDone(t, tk)

	if atomic.LoadInt32(&startCount) != 1 {
		t.Errorf("OnStart fired %d times after double start, want 1", startCount)
	}
}

func TestHandlers_UnsubscribeBeforeRun(t *testing.T) {
	mgr := newTestManager(t)

	var invoked int32
	tk := task.NewAction("unsubscribed", func(ctx context.Context) error { return nil })
	removeStart := tk.OnStart(func(*task.Task) { atomic.AddInt32(&invoked, 1) })
	removeEnd := tk.OnEnd(func(*task.Task, any, bool, error) { atomic.AddInt32(&invoked, 1) })
	removeStart()
	removeEnd()

	if _, err := tk.Start(mgr); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tk)

	if atomic.LoadInt32(&invoked) != 0 {
		t.Errorf("removed handlers fired %d times, want 0", invoked)
	}
}

func TestResult_BeforeTerminal(t *testing.T) {
	tk := task.NewFunc("pending", func(ctx context.Context) (int, error) { return 1, nil })

	_, err := task.Result[int](tk)
	var stateErr *task.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Result() before completion = %v, want StateError", err)
	}
	if !errors.Is(err, task.ErrNotTerminal) {
		t.Errorf("StateError does not wrap ErrNotTerminal: %v", err)
	}
}

func TestResult_TypedValue(t *testing.T) {
	mgr := newTestManager(t)

	tk := task.NewFunc("answer", func(ctx context.Context) (int, error) { return 42, nil })
	if _, err := tk.Start(mgr); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tk)

	got, err := task.Result[int](tk)
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if got != 42 {
		t.Errorf("Result() = %d, want 42", got)
	}
}

func TestCatch_HandlersRunInOrderUntilHandled(t *testing.T) {
	mgr := newTestManager(t)

	var order []string
	var mu sync.Mutex

	tk := task.NewAction("handled", func(ctx context.Context) error { return errors.New("boom") })
	tk.Catch(func(err error) bool {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		return false
	}).Catch(func(err error) bool {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		return true
	}).Catch(func(err error) bool {
		mu.Lock()
		order = append(order, "third")
		mu.Unlock()
		return true
	})

	if _, err := tk.Start(mgr); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tk)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("fault handlers ran as %v, want [first second]", order)
	}
	if tk.State() != task.Faulted {
		t.Errorf("State() = %v, want Faulted (exception retained even when handled)", tk.State())
	}
}

func TestOnEnd_PanicDoesNotAlterStateOrSkipHandlers(t *testing.T) {
	mgr := newTestManager(t)

	var secondRan atomic.Bool
	tk := task.NewAction("handler-panic", func(ctx context.Context) error { return nil })
	tk.OnEnd(func(*task.Task, any, bool, error) { panic("subscriber bug") })
	tk.OnEnd(func(*task.Task, any, bool, error) { secondRan.Store(true) })

	if _, err := tk.Start(mgr); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tk)

	if tk.State() != task.Succeeded {
		t.Errorf("State() = %v, want Succeeded despite handler panic", tk.State())
	}
	if !secondRan.Load() {
		t.Error("second OnEnd handler skipped after first panicked")
	}
}

func TestTask_WaitReturnsTerminalError(t *testing.T) {
	mgr := newTestManager(t)

	boom := errors.New("boom")
	tk := task.NewAction("waited", func(ctx context.Context) error { return boom })
	if _, err := tk.Start(mgr); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tk.Wait(ctx); !errors.Is(err, boom) {
		t.Errorf("Wait() = %v, want %v", err, boom)
	}
}

package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/editor-tasks/kernel/config"
	"github.com/editor-tasks/kernel/observability"
	"github.com/editor-tasks/kernel/scheduler"
)

// Manager owns the scheduler surfaces, the root cancellation token, the
// progress reporter, and the UI goroutine identity. It is the single entry
// point for starting tasks.
//
//	mgr, err := task.NewManager(nil)
//	...
//	t, err := mgr.Run("refresh", refresh)
//	...
//	_ = mgr.Stop()
type Manager struct {
	name     string
	observer observability.Observer

	pair *scheduler.Pair
	long *scheduler.LongRunning

	uiState     atomic.Pointer[uiSurface]
	initialized atomic.Bool

	rootCtx    context.Context
	cancelRoot context.CancelFunc

	reporter *ProgressReporter

	nextID  atomic.Int64
	stopped atomic.Bool

	shutdownTimeout time.Duration
}

type uiSurface struct {
	ui        scheduler.UI
	goroutine int64
}

// ManagerOption overrides a config-created default after cold start.
type ManagerOption func(*Manager)

// WithObserver overrides the observer resolved from configuration.
func WithObserver(o observability.Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// NewManager creates a Manager from configuration. A nil cfg uses defaults;
// a non-nil cfg is merged over them. The named observer is resolved through
// the observability registry.
func NewManager(cfg *config.ManagerConfig, opts ...ManagerOption) (*Manager, error) {
	c := config.DefaultManagerConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	obs, err := observability.GetObserver(c.Observer)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve observer: %w", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		name:            c.Name,
		observer:        obs,
		pair:            scheduler.NewPair(),
		long:            scheduler.NewLongRunning(c.ResolveLongRunningWorkers()),
		rootCtx:         rootCtx,
		cancelRoot:      cancel,
		shutdownTimeout: c.ShutdownTimeout,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.reporter = newProgressReporter(c.ProgressInterval, m.observer, c.Name)

	return m, nil
}

// Initialize records the calling goroutine as the UI thread and ui as the UI
// scheduler. It must be called exactly once, on the goroutine that owns the
// host's UI surface, before any UI-affinity task is scheduled. A second call
// fails with a StateError.
func (m *Manager) Initialize(ui scheduler.UI) error {
	if ui == nil {
		return fmt.Errorf("task: Initialize requires a UI scheduler")
	}
	if !m.initialized.CompareAndSwap(false, true) {
		return &StateError{Op: "Initialize", Name: m.name, Err: errors.New("already initialized")}
	}

	goroutine := scheduler.CurrentGoroutineID()
	m.uiState.Store(&uiSurface{ui: ui, goroutine: goroutine})

	observability.Emit(m.rootCtx, m.observer, EventManagerInitialize, observability.LevelInfo, m.name, map[string]any{
		"ui_goroutine": goroutine,
	})

	return nil
}

// InUIThread reports whether the calling goroutine is the one recorded by
// Initialize.
func (m *Manager) InUIThread() bool {
	s := m.uiState.Load()
	return s != nil && scheduler.CurrentGoroutineID() == s.goroutine
}

// Token returns the manager's root cancellation token. Task bodies receive
// contexts derived from it; external collaborators may watch it directly.
func (m *Manager) Token() context.Context {
	return m.rootCtx
}

// Reporter returns the manager's progress aggregator.
func (m *Manager) Reporter() *ProgressReporter {
	return m.reporter
}

// Schedule starts the chain containing t: the chain's head is located and
// dispatched onto the scheduler matching its affinity. Scheduling an
// already-started chain is a no-op returning the same handle. After Stop,
// Schedule fails with ErrShutdown.
func (m *Manager) Schedule(t *Task) (*Task, error) {
	if m.stopped.Load() {
		return nil, ErrShutdown
	}

	h := t.head()
	started, err := m.prepare(h)
	if err != nil {
		return nil, err
	}
	if !started {
		return t, nil
	}

	observability.Emit(m.rootCtx, m.observer, EventManagerSchedule, observability.LevelVerbose, m.name, map[string]any{
		"task":     h.name,
		"task_id":  h.ID(),
		"run_id":   h.runID,
		"affinity": h.affinity.String(),
	})

	if err := m.dispatch(h, true); err != nil {
		err = mapScheduleError(err)
		h.finish(nil, err, Faulted)
		return nil, err
	}
	return t, nil
}

// mapScheduleError folds scheduler intake refusal into the shutdown taxonomy.
func mapScheduleError(err error) error {
	if errors.Is(err, scheduler.ErrCompleted) {
		return ErrShutdown
	}
	return err
}

// Run wraps fn in a Concurrent action task named (and messaged) name and
// starts it.
func (m *Manager) Run(name string, fn func(ctx context.Context) error) (*Task, error) {
	return m.Schedule(NewAction(name, fn, WithMessage(name)))
}

// RunInUI is Run with UI affinity.
func (m *Manager) RunInUI(name string, fn func(ctx context.Context) error) (*Task, error) {
	return m.Schedule(NewAction(name, fn, WithMessage(name), WithAffinity(UI)))
}

// RunLongRunning is Run on the long-running lane.
func (m *Manager) RunLongRunning(name string, fn func(ctx context.Context) error) (*Task, error) {
	return m.Schedule(NewAction(name, fn, WithMessage(name), WithAffinity(LongRunning)))
}

// Stop shuts the manager down: the pair refuses new submissions, the root
// token is cancelled, and Stop waits for the pair to drain up to the
// configured shutdown timeout. It returns ErrShutdownTimeout when workers
// were still draining at the deadline; the manager is stopped either way.
// Tasks that ignore the cancellation signal may outlive shutdown.
func (m *Manager) Stop() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}

	observability.Emit(m.rootCtx, m.observer, EventManagerStop, observability.LevelInfo, m.name, nil)

	m.pair.Complete()
	m.long.Complete()
	m.cancelRoot()

	var err error
	select {
	case <-m.pair.Done():
	case <-time.After(m.shutdownTimeout):
		err = ErrShutdownTimeout
	}

	m.reporter.Close()
	return err
}

// prepare transitions a Created task to Started, assigning its integer id
// and deriving its context. It reports false for tasks already past Created
// (idempotent start).
func (m *Manager) prepare(t *Task) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Created {
		return false, nil
	}

	t.state = Started
	t.id = m.nextID.Add(1)
	t.mgr = m
	t.progress = Progress{Message: t.message}

	base := t.baseCtx
	if base == nil {
		base = m.rootCtx
	}
	t.ctx, t.cancel = context.WithCancel(base)
	if t.pendingCancel {
		t.cancel()
	}

	return true, nil
}

// dispatch hands the Started task to the scheduler for its affinity.
func (m *Manager) dispatch(t *Task, parentOK bool) error {
	run := func() { t.execute(parentOK) }

	switch t.affinity {
	case Exclusive:
		return m.pair.Exclusive().Schedule(run)
	case LongRunning:
		return m.long.Schedule(run)
	case UI:
		s := m.uiState.Load()
		if s == nil {
			return &StateError{Op: "schedule UI task", Name: t.name, Err: errors.New("manager not initialized")}
		}
		s.ui.Post(run)
		return nil
	default:
		return m.pair.Concurrent().Schedule(run)
	}
}

// startChild schedules a continuation once its parent reached a terminal
// state. Children that cannot be scheduled (manager stopped) fault with
// ErrShutdown so their own edges still resolve.
func (m *Manager) startChild(t *Task, parentOK bool) {
	if m.stopped.Load() {
		m.failChild(t, ErrShutdown)
		return
	}

	started, err := m.prepare(t)
	if err != nil || !started {
		return
	}

	if err := m.dispatch(t, parentOK); err != nil {
		m.failChild(t, mapScheduleError(err))
	}
}

func (m *Manager) failChild(t *Task, err error) {
	t.mu.Lock()
	if t.state == Created {
		t.state = Started
		t.mgr = m
		t.ctx, t.cancel = context.WithCancel(m.rootCtx)
	}
	t.mu.Unlock()

	t.finish(nil, err, Faulted)
}

// reportUnobservedFault logs a fault that reached a chain terminus without a
// handler claiming it. The log runnable goes through the long-running lane
// so a flooded pair cannot delay it; if that lane is already completed the
// event is emitted inline.
func (m *Manager) reportUnobservedFault(t *Task, fault error) {
	log := func() {
		observability.Emit(context.Background(), m.observer, EventUnobservedFault, observability.LevelError, m.name, map[string]any{
			"task":    t.name,
			"task_id": t.ID(),
			"run_id":  t.runID,
			"error":   fault.Error(),
		})
	}

	if err := m.long.Schedule(log); err != nil {
		log()
	}
}

package task

import (
	"context"
	"fmt"

	"github.com/editor-tasks/kernel/config"
	"github.com/editor-tasks/kernel/observability"
)

// NewQueue creates a Concurrent-affinity task whose body drains subs
// sequentially, in order, projecting each successful sub-task into the
// aggregate []TItem result. Sub-tasks execute inline on the queue's
// goroutine and inherit the queue's cancellation scope.
//
// An item fault (a failed sub-task or a failed projection) is skipped and
// draining continues, unless cfg requests fail-fast, in which case remaining
// items are canceled as failed dependencies and the queue faults with the
// first exception. The queue reports per-item progress as it drains.
//
//	q := task.NewQueue("fetch-all", nil, projectBody, fetches...)
//	if _, err := q.Start(mgr); err != nil { ... }
//	results, err := task.Result[[]Body](q)
func NewQueue[TItem any](
	name string,
	cfg *config.QueueConfig,
	project func(ctx context.Context, sub *Task) (TItem, error),
	subs ...*Task,
) *Task {
	qc := config.DefaultQueueConfig()
	if cfg != nil {
		qc.Merge(cfg)
	}

	var qt *Task
	qt = newTask(name, Concurrent, func(ctx context.Context, _ input) (any, error) {
		observer, err := observability.GetObserver(qc.Observer)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve observer: %w", err)
		}

		observability.Emit(ctx, observer, EventQueueStart, observability.LevelInfo, name, map[string]any{
			"item_count": len(subs),
			"fail_fast":  qc.FailFast(),
		})

		items := make([]TItem, 0, len(subs))

		for i, sub := range subs {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
			}

			observability.Emit(ctx, observer, EventQueueItemStart, observability.LevelVerbose, name, map[string]any{
				"item_index": i,
				"item":       sub.name,
			})

			fault := qt.runQueued(ctx, sub)
			if fault == nil {
				item, perr := project(ctx, sub)
				if perr != nil {
					fault = perr
				} else {
					items = append(items, item)
				}
			}

			observability.Emit(ctx, observer, EventQueueItemComplete, observability.LevelVerbose, name, map[string]any{
				"item_index": i,
				"item":       sub.name,
				"error":      fault != nil,
			})

			if fault != nil && qc.FailFast() {
				for _, rest := range subs[i+1:] {
					rest.cancelDependencyFailed(qt.manager(), fault)
				}
				observability.Emit(ctx, observer, EventQueueComplete, observability.LevelWarning, name, map[string]any{
					"items_completed": i,
					"error":           true,
				})
				return nil, fault
			}

			qt.Report(int64(i+1), int64(len(subs)), sub.name)
		}

		observability.Emit(ctx, observer, EventQueueComplete, observability.LevelInfo, name, map[string]any{
			"items_completed": len(subs),
			"error":           false,
		})

		return items, nil
	})

	return qt
}

// runQueued executes one sub-task synchronously on the queue goroutine,
// returning the sub-task's terminal error (nil on success).
func (t *Task) runQueued(ctx context.Context, sub *Task) error {
	m := t.manager()
	if m == nil {
		return fmt.Errorf("task: queue %q has no manager", t.name)
	}

	sub.mu.Lock()
	if sub.baseCtx == nil {
		sub.baseCtx = ctx
	}
	sub.mu.Unlock()

	started, err := m.prepare(sub)
	if err != nil {
		return err
	}
	if started {
		sub.execute(true)
	}

	<-sub.Done()
	if sub.Successful() {
		return nil
	}
	return sub.Err()
}

func (t *Task) manager() *Manager {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mgr
}

package task

import "github.com/editor-tasks/kernel/observability"

// Event types emitted by the task engine. Task events carry "task", "task_id",
// and "run_id" in Data; chain events add the edge predicate.
const (
	EventTaskStart    observability.EventType = "task.start"
	EventTaskRun      observability.EventType = "task.run"
	EventTaskComplete observability.EventType = "task.complete"
	EventTaskProgress observability.EventType = "task.progress"
	EventHandlerPanic observability.EventType = "task.handler.panic"

	EventEdgeDispatch observability.EventType = "chain.edge.dispatch"
	EventEdgeSkip     observability.EventType = "chain.edge.skip"

	EventManagerInitialize observability.EventType = "manager.initialize"
	EventManagerSchedule   observability.EventType = "manager.schedule"
	EventManagerStop       observability.EventType = "manager.stop"
	EventUnobservedFault   observability.EventType = "manager.fault.unobserved"

	EventQueueStart        observability.EventType = "queue.start"
	EventQueueItemStart    observability.EventType = "queue.item.start"
	EventQueueItemComplete observability.EventType = "queue.item.complete"
	EventQueueComplete     observability.EventType = "queue.complete"
)

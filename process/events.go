package process

import "github.com/editor-tasks/kernel/observability"

// Event types emitted by the process runtime. Events carry the program, the
// pid once known, and the task's run id.
const (
	EventSpawn  observability.EventType = "process.spawn"
	EventExit   observability.EventType = "process.exit"
	EventDetach observability.EventType = "process.detach"
	EventStop   observability.EventType = "process.stop"
)

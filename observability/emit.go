package observability

import (
	"context"
	"time"
)

// Emit constructs an Event with the current timestamp and delivers it to obs.
// It is the single emission path used by kernel subsystems so that every event
// carries a timestamp and a source without repetition at call sites.
func Emit(ctx context.Context, obs Observer, typ EventType, level Level, source string, data map[string]any) {
	if obs == nil {
		return
	}

	obs.OnEvent(ctx, Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
	})
}

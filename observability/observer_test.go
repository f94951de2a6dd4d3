package observability_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/editor-tasks/kernel/observability"
)

type captureObserver struct {
	mu     sync.Mutex
	events []observability.Event
}

func (o *captureObserver) OnEvent(ctx context.Context, event observability.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *captureObserver) snapshot() []observability.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]observability.Event, len(o.events))
	copy(out, o.events)
	return out
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		name  string
		level observability.Level
		want  string
	}{
		{name: "trace range", level: 1, want: "TRACE"},
		{name: "verbose maps to DEBUG", level: observability.LevelVerbose, want: "DEBUG"},
		{name: "info maps to INFO", level: observability.LevelInfo, want: "INFO"},
		{name: "warning maps to WARN", level: observability.LevelWarning, want: "WARN"},
		{name: "error maps to ERROR", level: observability.LevelError, want: "ERROR"},
		{name: "fatal range", level: 21, want: "FATAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
			}
		})
	}
}

func TestLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		name  string
		level observability.Level
		want  slog.Level
	}{
		{name: "verbose maps to Debug", level: observability.LevelVerbose, want: slog.LevelDebug},
		{name: "info maps to Info", level: observability.LevelInfo, want: slog.LevelInfo},
		{name: "warning maps to Warn", level: observability.LevelWarning, want: slog.LevelWarn},
		{name: "error maps to Error", level: observability.LevelError, want: slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.level.SlogLevel(); got != tt.want {
				t.Errorf("Level(%d).SlogLevel() = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestSlogObserver_EmitsEventData(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := observability.NewSlogObserver(logger)

	obs.OnEvent(context.Background(), observability.Event{
		Type:      "task.start",
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "kernel",
		Data:      map[string]any{"task": "refresh"},
	})

	out := buf.String()
	if !strings.Contains(out, "task.start") {
		t.Errorf("log output missing event type: %q", out)
	}
	if !strings.Contains(out, "source=kernel") {
		t.Errorf("log output missing source attribute: %q", out)
	}
	if !strings.Contains(out, "task=refresh") {
		t.Errorf("log output missing data attribute: %q", out)
	}
}

func TestMultiObserver_FansOutAndSkipsNil(t *testing.T) {
	first := &captureObserver{}
	second := &captureObserver{}
	multi := observability.NewMultiObserver(first, nil, second)

	multi.OnEvent(context.Background(), observability.Event{Type: "task.complete"})

	if len(first.snapshot()) != 1 || len(second.snapshot()) != 1 {
		t.Errorf("expected both observers to receive the event, got %d and %d",
			len(first.snapshot()), len(second.snapshot()))
	}
}

func TestRegistry_ResolvesRegisteredObserver(t *testing.T) {
	capture := &captureObserver{}
	observability.RegisterObserver("capture-registry-test", capture)

	obs, err := observability.GetObserver("capture-registry-test")
	if err != nil {
		t.Fatalf("GetObserver() error = %v", err)
	}

	obs.OnEvent(context.Background(), observability.Event{Type: "task.run"})
	if len(capture.snapshot()) != 1 {
		t.Errorf("expected 1 event through the registry, got %d", len(capture.snapshot()))
	}
}

func TestRegistry_UnknownObserver(t *testing.T) {
	if _, err := observability.GetObserver("no-such-observer"); err == nil {
		t.Error("expected error for unknown observer, got nil")
	}
}

func TestEmit_StampsTimestampAndSource(t *testing.T) {
	capture := &captureObserver{}

	before := time.Now()
	observability.Emit(context.Background(), capture, "task.progress", observability.LevelVerbose, "kernel", map[string]any{"current": 1})

	events := capture.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Source != "kernel" {
		t.Errorf("Source = %q, want %q", ev.Source, "kernel")
	}
	if ev.Timestamp.Before(before) {
		t.Errorf("Timestamp %v predates Emit call at %v", ev.Timestamp, before)
	}
}

func TestEmit_NilObserverIsNoOp(t *testing.T) {
	observability.Emit(context.Background(), nil, "task.start", observability.LevelInfo, "kernel", nil)
}

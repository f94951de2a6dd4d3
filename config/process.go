package config

import "time"

// ProcessConfig defines configuration for the process task runtime.
//
// Example JSON:
//
//	{
//	  "grace_period": 500000000,
//	  "output_buffer_size": 65536,
//	  "observer": "slog"
//	}
type ProcessConfig struct {
	// GracePeriod is how long Stop waits after closing stdin before issuing
	// a forceful kill.
	GracePeriod time.Duration `json:"grace_period"`

	// OutputBufferSize is the maximum line length accepted from the child
	// process streams, in bytes.
	OutputBufferSize int `json:"output_buffer_size"`

	// Observer specifies which observer implementation to use ("noop", "slog", etc.)
	Observer string `json:"observer"`
}

// DefaultProcessConfig returns sensible defaults for process execution:
// a 500ms grace period before kill and a 64KiB stream line buffer.
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		GracePeriod:      500 * time.Millisecond,
		OutputBufferSize: 64 * 1024,
		Observer:         "slog",
	}
}

func (c *ProcessConfig) Merge(source *ProcessConfig) {
	if source.GracePeriod > 0 {
		c.GracePeriod = source.GracePeriod
	}

	if source.OutputBufferSize > 0 {
		c.OutputBufferSize = source.OutputBufferSize
	}

	if source.Observer != "" {
		c.Observer = source.Observer
	}
}

package config

// QueueConfig defines configuration for sequential queue execution.
//
// Example JSON:
//
//	{
//	  "fail_fast": true,
//	  "observer": "noop"
//	}
type QueueConfig struct {
	// FailFastNil controls error handling behavior. Use FailFast() to access.
	// When nil, defaults to false: the queue keeps draining items after an
	// item fault. Use pointer to distinguish unset from explicit false.
	FailFastNil *bool `json:"fail_fast"`

	// Observer specifies which observer implementation to use ("noop", "slog", etc.)
	Observer string `json:"observer"`
}

func (c *QueueConfig) FailFast() bool {
	if c.FailFastNil == nil {
		return false
	}
	return *c.FailFastNil
}

// DefaultQueueConfig returns sensible defaults for queue execution: keep
// draining after item faults, observing through the default logger.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		FailFastNil: nil,
		Observer:    "slog",
	}
}

func (c *QueueConfig) Merge(source *QueueConfig) {
	if source.FailFastNil != nil {
		c.FailFastNil = source.FailFastNil
	}

	if source.Observer != "" {
		c.Observer = source.Observer
	}
}

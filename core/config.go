package core

import "time"

// CompletionMode selects the CompletionChannel a device is built with.
type CompletionMode uint8

const (
	// CompletionFlag polls an atomic flag; use it without a scheduler.
	CompletionFlag CompletionMode = iota
	// CompletionBlocking parks the waiting goroutine on a channel.
	CompletionBlocking
)

// Default engine parameters
const (
	DefaultPoolSize = 4
	DefaultTimeout  = 2 * time.Second
)

// Config holds per-device engine settings.
type Config struct {
	// PoolSize is the number of transfer buffers.
	PoolSize int
	// Timeout bounds every busy-wait and every completion wait.
	Timeout time.Duration
	// PollLimit additionally bounds busy-wait iterations; 0 disables it.
	PollLimit int
	// Interrupts drives chunks from the completion interrupt instead of
	// polling the busy bit.
	Interrupts bool
	Completion CompletionMode
	// Now is the clock used for timeouts. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns polling mode with default bounds.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c *Config) newCompletion() CompletionChannel {
	if c.Completion == CompletionBlocking {
		return NewBlockingCompletion()
	}
	return NewFlagCompletion()
}

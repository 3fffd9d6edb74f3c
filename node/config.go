package node

import (
	"fmt"
	"time"
)

// Config holds configuration for the gadget ingress layer
type Config struct {
	// QueueSize bounds the votes waiting for the writer goroutine
	QueueSize int `mapstructure:"queue_size"`

	// DedupeCacheSize is the number of recent vote digests remembered to
	// drop exact retransmits before they reach the queue
	DedupeCacheSize int `mapstructure:"dedupe_cache_size"`

	// JournalDir is the journal directory. Empty disables journaling.
	JournalDir string `mapstructure:"journal_dir"`

	// JournalSync fsyncs every vote record before it is applied
	JournalSync bool `mapstructure:"journal_sync"`

	// JournalMaxSegmentBytes rotates journal segments beyond this size
	JournalMaxSegmentBytes int64 `mapstructure:"journal_max_segment_bytes"`

	// FlushInterval flushes buffered journal writes when JournalSync is off
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		QueueSize:              4096,
		DedupeCacheSize:        16384,
		JournalSync:            false,
		JournalMaxSegmentBytes: 64 * 1024 * 1024,
		FlushInterval:          100 * time.Millisecond,
	}
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("%w: queue size must be positive", ErrInvalidConfig)
	}
	if cfg.DedupeCacheSize <= 0 {
		return fmt.Errorf("%w: dedupe cache size must be positive", ErrInvalidConfig)
	}
	if cfg.JournalMaxSegmentBytes < 0 {
		return fmt.Errorf("%w: negative journal segment size", ErrInvalidConfig)
	}
	if cfg.FlushInterval < 0 {
		return fmt.Errorf("%w: negative flush interval", ErrInvalidConfig)
	}
	return nil
}

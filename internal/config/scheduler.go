package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig configures the periodic triggers enqueued by the worker.
type SchedulerConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`

	// Cron specs (standard 5-field syntax, descriptors such as @hourly allowed).
	ExpirationSpec   string `envconfig:"EXPIRATION_SPEC" default:"0 3 * * *"`
	SegmentSweepSpec string `envconfig:"SEGMENT_SWEEP_SPEC" default:"30 * * * *"`
}

// Validate parses the cron specs so a typo fails at startup.
func (c *SchedulerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.ExpirationSpec); err != nil {
		return fmt.Errorf("invalid expiration cron spec %q: %w", c.ExpirationSpec, err)
	}
	if _, err := parser.Parse(c.SegmentSweepSpec); err != nil {
		return fmt.Errorf("invalid segment sweep cron spec %q: %w", c.SegmentSweepSpec, err)
	}
	return nil
}

// SweepConfig bounds the periodic segment sweep and the expiration scan.
type SweepConfig struct {
	PageSize    int           `envconfig:"PAGE_SIZE" default:"500" validate:"min=1,max=10000"`
	Concurrency int           `envconfig:"CONCURRENCY" default:"4" validate:"min=1"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"10m" validate:"gt=0"`

	// Sharding lets several workers split the user space of a sweep.
	ShardCount int `envconfig:"SHARD_COUNT" default:"1" validate:"min=1"`
	ShardIndex int `envconfig:"SHARD_INDEX" default:"0" validate:"min=0"`
}

// Validate checks the shard index is within the shard count.
func (c *SweepConfig) Validate() error {
	if c.ShardIndex >= c.ShardCount {
		return fmt.Errorf("sweep shard index (%d) must be lower than shard count (%d)", c.ShardIndex, c.ShardCount)
	}
	return nil
}

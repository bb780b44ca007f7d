package config

import (
	"fmt"
	"strings"
	"time"
)

// Job sources understood by the worker.
const (
	JobSourceRedis = "redis"
	JobSourceKafka = "kafka"
)

// WorkerConfig contains configuration for the job runner.
type WorkerConfig struct {
	Enabled     bool          `envconfig:"ENABLED" default:"true"`
	Source      string        `envconfig:"SOURCE" default:"redis" validate:"oneof=redis kafka"`
	Concurrency int           `envconfig:"CONCURRENCY" default:"8" validate:"min=1"`
	PopTimeout  time.Duration `envconfig:"POP_TIMEOUT" default:"5s" validate:"gt=0"`

	// LeaseTTL is how long a Redis consumer may stop renewing its lease before the
	// envelopes it holds are requeued for other workers.
	LeaseTTL time.Duration `envconfig:"LEASE_TTL" default:"30s" validate:"min=3s"`

	// Redis queue keys (used when Source is redis; the API always enqueues with the same keys).
	QueueKey      string `envconfig:"QUEUE_KEY" default:"tally:jobs"`
	DeadLetterKey string `envconfig:"DEAD_LETTER_KEY" default:"tally:jobs:dead"`

	Retry RetryConfig `envconfig:"RETRY"`
}

// RetryConfig is the bounded, jittered exponential backoff applied to every job.
type RetryConfig struct {
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"3" validate:"min=1"`
	BackoffMultiplier float64       `envconfig:"BACKOFF_MULTIPLIER" default:"1.8" validate:"gte=1"`
	MinDelay          time.Duration `envconfig:"MIN_DELAY" default:"1s" validate:"gt=0"`
	MaxDelay          time.Duration `envconfig:"MAX_DELAY" default:"30s" validate:"gt=0"`
	Jitter            float64       `envconfig:"JITTER" default:"0.5" validate:"gte=0,lte=1"`
}

// Validate checks cross-field constraints of the worker configuration.
func (c *WorkerConfig) Validate(kafka KafkaConfig) error {
	if c.Retry.MinDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry min delay (%s) cannot be greater than max delay (%s)", c.Retry.MinDelay, c.Retry.MaxDelay)
	}
	if c.Source == JobSourceRedis {
		if err := validateNoWhitespace(c.QueueKey, "worker queue key"); err != nil {
			return err
		}
		if err := validateNoWhitespace(c.DeadLetterKey, "worker dead letter key"); err != nil {
			return err
		}
		if c.QueueKey == c.DeadLetterKey {
			return fmt.Errorf("worker queue key and dead letter key must differ")
		}
		if strings.HasPrefix(c.DeadLetterKey, c.QueueKey+":processing:") || strings.HasPrefix(c.DeadLetterKey, c.QueueKey+":lease:") {
			return fmt.Errorf("worker dead letter key cannot live under the queue's processing or lease namespace")
		}
	}
	if c.Source == JobSourceKafka && !kafka.IsConfigured() {
		return fmt.Errorf("kafka job source requires kafka brokers")
	}
	return nil
}

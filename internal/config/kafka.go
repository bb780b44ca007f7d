package config

import (
	"strings"
	"time"
)

// KafkaConfig contains broker settings shared by the Kafka job source and publisher.
type KafkaConfig struct {
	Brokers      []string      `envconfig:"BROKERS"`
	JobsTopic    string        `envconfig:"JOBS_TOPIC" default:"tally.jobs"`
	EventsTopic  string        `envconfig:"EVENTS_TOPIC" default:"tally.events"`
	DeadTopic    string        `envconfig:"DEAD_TOPIC" default:"tally.jobs.dead"`
	GroupID      string        `envconfig:"GROUP_ID" default:"tally-worker"`
	MinBytes     int           `envconfig:"MIN_BYTES" default:"1" validate:"min=1"`
	MaxBytes     int           `envconfig:"MAX_BYTES" default:"10485760" validate:"min=1"` // 10MB
	MaxWait      time.Duration `envconfig:"MAX_WAIT" default:"500ms"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
}

// IsConfigured returns true when at least one non-empty broker address is set.
func (c KafkaConfig) IsConfigured() bool {
	for _, b := range c.Brokers {
		if strings.TrimSpace(b) != "" {
			return true
		}
	}
	return false
}

package config

import "fmt"

// Notification drivers.
const (
	NotifyDriverLog   = "log"
	NotifyDriverRedis = "redis"
	NotifyDriverKafka = "kafka"
)

// NotifyConfig selects where outbound domain events are published.
type NotifyConfig struct {
	Driver  string `envconfig:"DRIVER" default:"log" validate:"oneof=log redis kafka"`
	Channel string `envconfig:"CHANNEL" default:"tally:events"`
}

// Validate checks the driver has the infrastructure it needs.
func (c *NotifyConfig) Validate(kafka KafkaConfig) error {
	switch c.Driver {
	case NotifyDriverRedis:
		return validateNoWhitespace(c.Channel, "notify channel")
	case NotifyDriverKafka:
		if !kafka.IsConfigured() {
			return fmt.Errorf("kafka notify driver requires kafka brokers")
		}
	}
	return nil
}

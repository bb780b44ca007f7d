package config

import "time"

// CacheConfig sizes the in-process L1 cache of per-program rules and tiers.
type CacheConfig struct {
	Enabled  bool          `envconfig:"ENABLED" default:"true"`
	Capacity int           `envconfig:"CAPACITY" default:"10000" validate:"min=1"`
	TTL      time.Duration `envconfig:"TTL" default:"30s" validate:"gt=0"`

	// InvalidationChannel is the Redis Pub/Sub channel carrying program ids whose
	// configuration changed.
	InvalidationChannel string `envconfig:"INVALIDATION_CHANNEL" default:"tally:config:invalidate"`
}

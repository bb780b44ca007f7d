package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// HealthChecker reports Redis reachability. When list keys are given it also
// verifies they hold lists, which catches a job queue key shared with another tool.
type HealthChecker struct {
	client   *redis.Client
	listKeys []string
}

func NewHealthChecker(client *redis.Client, listKeys ...string) *HealthChecker {
	return &HealthChecker{client: client, listKeys: listKeys}
}

func (h *HealthChecker) Name() string {
	return "redis"
}

func (h *HealthChecker) Check(ctx context.Context) error {
	if h.client == nil {
		return errors.New("redis client is nil")
	}
	if err := h.client.Ping(ctx).Err(); err != nil {
		return err
	}
	for _, key := range h.listKeys {
		typ, err := h.client.Type(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", key, err)
		}
		// "none" is a queue that has never been written.
		if typ != "list" && typ != "none" {
			return fmt.Errorf("key %s holds a %s, expected a list", key, typ)
		}
	}
	return nil
}

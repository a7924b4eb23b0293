package indexalloc

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ Allocator = (*Redis)(nil)

// DefaultRedisPrefix namespaces the counter keys
const DefaultRedisPrefix = "charimage:seq"

// Redis keeps one counter per key and reserves with a single INCRBY, which
// is atomic across every process sharing the server.
type Redis struct {
	client redis.Cmdable
	prefix string
	logger *zap.Logger
}

func NewRedis(client redis.Cmdable, logger *zap.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: DefaultRedisPrefix,
		logger: logger.Named("RedisIndexAllocator"),
	}
}

// WithPrefix returns a copy of the allocator using another key prefix
func (r *Redis) WithPrefix(prefix string) *Redis {
	cp := *r
	cp.prefix = prefix
	return &cp
}

func (r *Redis) key(owner, entity string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, owner, entity)
}

func (r *Redis) Reserve(ctx context.Context, owner, entity string, count int) ([]int, error) {
	if err := validate(owner, entity, count); err != nil {
		return nil, err
	}

	key := r.key(owner, entity)
	last, err := r.client.IncrBy(ctx, key, int64(count)).Result()
	if err != nil {
		r.logger.Error("Failed to reserve indices", zap.String("key", key), zap.Int("count", count), zap.Error(err))
		return nil, fmt.Errorf("redis reserve %s: %w", key, err)
	}

	r.logger.Debug("Reserved indices", zap.String("key", key), zap.Int64("last", last), zap.Int("count", count))
	return block(last, count), nil
}

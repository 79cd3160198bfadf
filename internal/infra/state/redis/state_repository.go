package redisstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	// 导入 Redis 客户端库
	"github.com/go-redis/redis/v8"
)

// clearedAtTTL 清空水位线的保留时间，足够覆盖异步任务的最大重试窗口
const clearedAtTTL = 7 * 24 * time.Hour

// advanceScript 仅当新值更大时才写入，保证水位线单调前进
var advanceScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or tonumber(ARGV[1]) > tonumber(cur) then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

// RedisStateRepository 是 StateRepository 接口的 Redis 实现
type RedisStateRepository struct {
	client    *redis.Client // 依赖 Redis 客户端
	keyPrefix string
}

// NewRedisStateRepository 创建 RedisStateRepository 实例
func NewRedisStateRepository(client *redis.Client, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "cv:" // 默认前缀 "cv:" (canvas)
	}
	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *RedisStateRepository) roomClearedAtKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:cleared_at", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) rateLimitKey(key string) string {
	return r.keyPrefix + "ratelimit:" + key
}

// GetClearedAt 读取房间的清空水位线 (微秒时间戳)
func (r *RedisStateRepository) GetClearedAt(ctx context.Context, roomID string) (time.Time, error) {
	key := r.roomClearedAtKey(roomID)
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil // 从未清空
		}
		return time.Time{}, fmt.Errorf("redis: failed to get cleared_at for room %s from %s: %w", roomID, key, err)
	}
	micros, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: failed to parse cleared_at '%s' for room %s: %w", val, roomID, err)
	}
	return time.UnixMicro(micros).UTC(), nil
}

// SetClearedAt 单调推进房间的清空水位线
func (r *RedisStateRepository) SetClearedAt(ctx context.Context, roomID string, at time.Time) error {
	key := r.roomClearedAtKey(roomID)
	err := advanceScript.Run(ctx, r.client, []string{key}, at.UnixMicro(), clearedAtTTL.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: failed to set cleared_at for room %s on key %s: %w", roomID, key, err)
	}
	return nil
}

// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	fullKey := r.rateLimitKey(key)
	count, err := r.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to incr rate limit counter on key %s: %w", fullKey, err)
	}
	// 只在窗口内第一次请求时设置过期，固定窗口
	if count == 1 {
		if err := r.client.Expire(ctx, fullKey, window).Err(); err != nil {
			return false, fmt.Errorf("redis: failed to set rate limit window on key %s: %w", fullKey, err)
		}
	}
	return count > int64(limit), nil
}

package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript 令牌桶的原子操作
//
// KEYS[1]: 桶的 key 前綴
// ARGV[1]: 容量
// ARGV[2]: 每秒填充數
// ARGV[3]: 當前時間（毫秒）
// ARGV[4]: 狀態 TTL（秒）
//
// 返回 1 允許，0 拒絕。
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('GET', key .. ':tokens') or capacity)
local last_refill = tonumber(redis.call('GET', key .. ':last_refill') or now)

local elapsed = math.max(0, now - last_refill) / 1000
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('SET', key .. ':tokens', tokens, 'EX', ttl)
redis.call('SET', key .. ':last_refill', now, 'EX', ttl)

return allowed
`

// DistributedTokenBucket 多實例共享的令牌桶
//
// 狀態存在 Redis：
//   - {prefix}:{key}:tokens
//   - {prefix}:{key}:last_refill
//
// Redis 不可用時降級為允許請求（可用性優先），錯誤交給呼叫端記錄。
type DistributedTokenBucket struct {
	client     redis.Scripter
	prefix     string
	capacity   int64
	refillRate float64
	ttl        time.Duration
	script     *redis.Script
}

// NewDistributedTokenBucket 創建分散式令牌桶
func NewDistributedTokenBucket(client redis.Scripter, prefix string, capacity int64, refillRate float64) *DistributedTokenBucket {
	return &DistributedTokenBucket{
		client:     client,
		prefix:     prefix,
		capacity:   capacity,
		refillRate: refillRate,
		ttl:        time.Hour,
		script:     redis.NewScript(tokenBucketScript),
	}
}

// Allow 實作 Func
func (d *DistributedTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	result, err := d.script.Run(ctx, d.client,
		[]string{d.prefix + ":" + key},
		d.capacity,
		d.refillRate,
		time.Now().UnixMilli(),
		int64(d.ttl.Seconds()),
	).Int()
	if err != nil {
		return true, fmt.Errorf("redis 限流失敗: %w", err)
	}
	return result == 1, nil
}

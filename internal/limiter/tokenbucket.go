// Package limiter RPC 呼叫的限流
//
// 協定是輪詢式的：客戶端會反覆呼叫 incoming_ready、game_ready 等查詢方法，
// 行為不良的客戶端可能以極高頻率輪詢。限流以參與者（或來源 IP）為維度，
// 超限時返回 RATE_LIMITED，客戶端依建議退避後重試。
//
// 兩種實作：
//   - KeyedTokenBucket：單機，每個 key 一個本地令牌桶
//   - DistributedTokenBucket：多實例共享，Redis + Lua 保證原子性
package limiter

import (
	"context"
	"sync"
	"time"
)

// Func 限流函數，中介軟體只依賴這個型別
type Func func(ctx context.Context, key string) (bool, error)

// TokenBucket 令牌桶
//
// 以固定速率填充，請求到達時取出一個令牌，沒有令牌即拒絕。
// 桶內可累積令牌，允許短時間的突發輪詢。
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // 每秒填充數
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket 創建令牌桶，初始為滿
func NewTokenBucket(capacity int64, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow 嘗試取出一個令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens 當前令牌數（無條件捨去）
func (tb *TokenBucket) Tokens() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	return int64(tb.tokens)
}

// refill 需持有鎖
//
// 以浮點累積，低速率（如每秒 0.5 個）也不會因取整而永遠填不滿。
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// KeyedTokenBucket 每個 key 一個令牌桶
//
// 長時間沒有請求的桶會被 Sweep 回收，避免大量一次性客戶端造成記憶體成長。
type KeyedTokenBucket struct {
	capacity   int64
	refillRate float64

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	idleTTL time.Duration
}

type keyedEntry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// NewKeyedTokenBucket 創建多 key 令牌桶
func NewKeyedTokenBucket(capacity int64, refillRate float64, idleTTL time.Duration) *KeyedTokenBucket {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &KeyedTokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		buckets:    make(map[string]*keyedEntry),
		idleTTL:    idleTTL,
	}
}

// Allow 實作 Func
func (k *KeyedTokenBucket) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	k.mu.Lock()
	entry, ok := k.buckets[key]
	if !ok {
		entry = &keyedEntry{bucket: NewTokenBucket(k.capacity, k.refillRate)}
		k.buckets[key] = entry
	}
	entry.lastSeen = now
	k.mu.Unlock()

	return entry.bucket.Allow(), nil
}

// Sweep 回收閒置超過 idleTTL 的桶，返回回收數量
func (k *KeyedTokenBucket) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	removed := 0
	for key, entry := range k.buckets {
		if time.Since(entry.lastSeen) > k.idleTTL {
			delete(k.buckets, key)
			removed++
		}
	}
	return removed
}

// Len 目前追蹤的 key 數
func (k *KeyedTokenBucket) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// Run 定期 Sweep，直到 ctx 結束
func (k *KeyedTokenBucket) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.Sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	v  V
	at time.Time
}

// TTLCache 以数据时间（样本时间戳）而非墙钟判断过期，回放与实时行为一致。
type TTLCache[V any] struct {
	ttl time.Duration
	mu  sync.RWMutex
	m   map[string]entry[V]
}

// NewTTLCache ttl<=0 时缓存关闭，Get 永远未命中。
func NewTTLCache[V any](ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{ttl: ttl, m: make(map[string]entry[V])}
}

// Get 当 now 与写入时间之差小于 ttl 时命中。
func (c *TTLCache[V]) Get(key string, now time.Time) (V, bool) {
	var zero V
	if c == nil || c.ttl <= 0 {
		return zero, false
	}
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if now.Before(e.at) || now.Sub(e.at) >= c.ttl {
		return zero, false
	}
	return e.v, true
}

// Set 记录 key 在数据时间 at 的值。
func (c *TTLCache[V]) Set(key string, v V, at time.Time) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.m[key] = entry[V]{v: v, at: at}
	c.mu.Unlock()
}

// Len 当前条目数。
func (c *TTLCache[V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheUsesDataTime(t *testing.T) {
	c := NewTTLCache[int](time.Minute)
	base := time.Unix(1_700_000_000, 0)
	c.Set("rsi", 42, base)

	v, ok := c.Get("rsi", base.Add(30*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = c.Get("rsi", base.Add(time.Minute))
	assert.False(t, ok)

	_, ok = c.Get("rsi", base.Add(-time.Second))
	assert.False(t, ok)
}

func TestTTLCacheDisabled(t *testing.T) {
	c := NewTTLCache[string](0)
	c.Set("k", "v", time.Now())
	_, ok := c.Get("k", time.Now())
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

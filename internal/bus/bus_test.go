package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsflow/internal/metrics"
)

type msg struct {
	key string
	n   int
}

func keyOf(m msg) string { return m.key }

func TestPerKeyOrdering(t *testing.T) {
	var mu sync.Mutex
	got := map[string][]int{}
	b, err := New(Options{Name: "t", Buffer: 4}, keyOf, func(_ context.Context, m msg) error {
		mu.Lock()
		got[m.key] = append(got[m.key], m.n)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, key := range []string{"BTC", "ETH", "SOL"} {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, b.Publish(ctx, msg{key: key, n: i}))
			}
		}()
	}
	wg.Wait()
	assert.Empty(t, b.Close(ctx))

	for _, key := range []string{"BTC", "ETH", "SOL"} {
		require.Len(t, got[key], 50)
		for i, n := range got[key] {
			assert.Equal(t, i, n)
		}
	}
	stats := b.Stats()
	assert.Equal(t, 3, stats.Lanes)
	assert.EqualValues(t, 150, stats.Delivered)
	assert.True(t, stats.Closed)
}

func TestRedeliveryUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	rec := metrics.New()
	b, err := New(Options{Name: "retry", MaxAttempts: 3, Backoff: time.Millisecond, Metrics: rec}, keyOf,
		func(_ context.Context, m msg) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), msg{key: "a"}))
	assert.Empty(t, b.Close(context.Background()))
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 2, b.Stats().Redelivered)
}

func TestExhaustedMessagesAreReported(t *testing.T) {
	var reported []Undelivered[msg]
	var mu sync.Mutex
	var order []int
	b, err := New(Options{Name: "exhaust", MaxAttempts: 2}, keyOf, func(_ context.Context, m msg) error {
		mu.Lock()
		order = append(order, m.n)
		mu.Unlock()
		if m.n == 1 {
			return fmt.Errorf("bad message %d", m.n)
		}
		return nil
	})
	require.NoError(t, err)
	b.OnUndelivered(func(u Undelivered[msg]) { reported = append(reported, u) })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, msg{key: "a", n: i}))
	}
	out := b.Close(ctx)
	require.Len(t, out, 1)
	assert.Equal(t, CauseExhausted, out[0].Cause)
	assert.Equal(t, 2, out[0].Attempts)
	assert.Equal(t, 1, out[0].Message.n)
	require.Len(t, reported, 1)
	// 重投在原位进行，后续消息不会越过
	assert.Equal(t, []int{0, 1, 1, 2}, order)
}

func TestPublishAfterClose(t *testing.T) {
	b, err := New(Options{}, keyOf, func(context.Context, msg) error { return nil })
	require.NoError(t, err)
	b.Close(context.Background())
	err = b.Publish(context.Background(), msg{key: "a"})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestCloseDrainsPendingMessages(t *testing.T) {
	release := make(chan struct{})
	var handled atomic.Int32
	b, err := New(Options{Buffer: 16}, keyOf, func(_ context.Context, m msg) error {
		<-release
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), msg{key: "a", n: i}))
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	assert.Empty(t, b.Close(context.Background()))
	assert.EqualValues(t, 5, handled.Load())
}

func TestCloseDeadlineReportsLeftovers(t *testing.T) {
	b, err := New(Options{Buffer: 16}, keyOf, func(ctx context.Context, m msg) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), msg{key: "a", n: i}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out := b.Close(ctx)
	require.Len(t, out, 4)
	for i, u := range out {
		assert.Equal(t, CauseShutdown, u.Cause)
		assert.Equal(t, i, u.Message.n)
	}
}

func TestPublishBlocksWhenLaneFull(t *testing.T) {
	release := make(chan struct{})
	b, err := New(Options{Buffer: 1}, keyOf, func(context.Context, msg) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, msg{key: "a", n: 0}))
	// 第一条被消费者取走后阻塞在 handler 中，第二条占满缓冲
	require.NoError(t, b.Publish(ctx, msg{key: "a", n: 1}))
	require.Eventually(t, func() bool { return b.Stats().Pending["a"] == 1 }, time.Second, time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = b.Publish(short, msg{key: "a", n: 2})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	assert.Empty(t, b.Close(ctx))
}

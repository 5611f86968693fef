package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"optionsflow/internal/logger"
	"optionsflow/internal/metrics"
)

// ErrClosed Close 之后继续 Publish 返回该错误。
var ErrClosed = errors.New("bus closed")

// 未送达原因。
const (
	CauseExhausted = "exhausted"
	CauseShutdown  = "shutdown"
)

// Handler 处理一条消息；返回错误时消息在同一通道内重投。
type Handler[T any] func(ctx context.Context, msg T) error

// KeyFunc 决定消息所属通道，同一 key 的消息严格按发布顺序处理。
type KeyFunc[T any] func(msg T) string

// Options 总线参数。
type Options struct {
	Name        string
	Buffer      int
	MaxAttempts int
	Backoff     time.Duration
	Metrics     *metrics.Recorder
}

// Undelivered 记录一条最终未被成功处理的消息。
type Undelivered[T any] struct {
	Key      string
	Message  T
	Attempts int
	Cause    string
	Err      error
}

// Stats 总线运行统计。
type Stats struct {
	Name        string         `json:"name"`
	Lanes       int            `json:"lanes"`
	Published   int64          `json:"published"`
	Delivered   int64          `json:"delivered"`
	Redelivered int64          `json:"redelivered"`
	Undelivered int64          `json:"undelivered"`
	Pending     map[string]int `json:"pending,omitempty"`
	Closed      bool           `json:"closed"`
}

type lane[T any] struct {
	key string
	ch  chan T
}

// Bus 是按 key 分通道的内存事件总线：每个 key 一个缓冲 channel 与一个消费 goroutine，
// 同一 key 内串行有序，不同 key 之间并发无序。通道满时 Publish 阻塞（背压）。
type Bus[T any] struct {
	opts    Options
	keyOf   KeyFunc[T]
	handler Handler[T]

	mu         sync.Mutex
	cond       *sync.Cond
	lanes      map[string]*lane[T]
	closed     bool
	publishing int

	draining chan struct{}
	abandon  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	reportMu    sync.Mutex
	undelivered []Undelivered[T]
	onDropped   func(Undelivered[T])

	published   atomic.Int64
	delivered   atomic.Int64
	redelivered atomic.Int64
	dropped     atomic.Int64
}

// New 创建总线。
func New[T any](opts Options, keyOf KeyFunc[T], handler Handler[T]) (*Bus[T], error) {
	if keyOf == nil {
		return nil, fmt.Errorf("bus %s: key func is required", opts.Name)
	}
	if handler == nil {
		return nil, fmt.Errorf("bus %s: handler is required", opts.Name)
	}
	if opts.Name == "" {
		opts.Name = "bus"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus[T]{
		opts:     opts,
		keyOf:    keyOf,
		handler:  handler,
		lanes:    make(map[string]*lane[T]),
		draining: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// OnUndelivered 注册重投耗尽时的回调，在消费 goroutine 内同步调用。
func (b *Bus[T]) OnUndelivered(fn func(Undelivered[T])) {
	b.reportMu.Lock()
	b.onDropped = fn
	b.reportMu.Unlock()
}

// Publish 投递消息到其 key 对应的通道。通道已满时阻塞，直到有空位或 ctx 结束。
func (b *Bus[T]) Publish(ctx context.Context, msg T) error {
	key := b.keyOf(msg)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", b.opts.Name, ErrClosed)
	}
	l := b.laneLocked(key)
	b.publishing++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.publishing--
		if b.publishing == 0 {
			b.cond.Broadcast()
		}
		b.mu.Unlock()
	}()

	select {
	case l.ch <- msg:
		b.published.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus[T]) laneLocked(key string) *lane[T] {
	if l, ok := b.lanes[key]; ok {
		return l
	}
	l := &lane[T]{key: key, ch: make(chan T, b.opts.Buffer)}
	b.lanes[key] = l
	b.wg.Add(1)
	go b.consume(l)
	return l
}

func (b *Bus[T]) consume(l *lane[T]) {
	defer b.wg.Done()
	for {
		select {
		case msg := <-l.ch:
			b.deliver(l.key, msg)
		case <-b.draining:
			for {
				select {
				case msg := <-l.ch:
					b.deliver(l.key, msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus[T]) deliver(key string, msg T) {
	if b.abandon.Load() {
		b.report(Undelivered[T]{Key: key, Message: msg, Cause: CauseShutdown, Err: ErrClosed})
		return
	}
	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		lastErr = b.invoke(msg)
		if lastErr == nil {
			b.delivered.Add(1)
			return
		}
		if b.ctx.Err() != nil {
			b.report(Undelivered[T]{Key: key, Message: msg, Attempts: attempt, Cause: CauseShutdown, Err: lastErr})
			return
		}
		if attempt == b.opts.MaxAttempts {
			break
		}
		b.redelivered.Add(1)
		b.opts.Metrics.BusRedelivered(b.opts.Name)
		logger.Warnf("[bus] %s key=%s 第 %d 次处理失败，准备重投: %v", b.opts.Name, key, attempt, lastErr)
		if b.opts.Backoff > 0 {
			timer := time.NewTimer(b.opts.Backoff * time.Duration(attempt))
			select {
			case <-timer.C:
			case <-b.ctx.Done():
				timer.Stop()
				b.report(Undelivered[T]{Key: key, Message: msg, Attempts: attempt, Cause: CauseShutdown, Err: lastErr})
				return
			}
		}
	}
	logger.Errorf("[bus] %s key=%s 重投耗尽 attempts=%d: %v", b.opts.Name, key, b.opts.MaxAttempts, lastErr)
	b.report(Undelivered[T]{Key: key, Message: msg, Attempts: b.opts.MaxAttempts, Cause: CauseExhausted, Err: lastErr})
}

// invoke 处理函数 panic 视为一次失败。
func (b *Bus[T]) invoke(msg T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[bus] %s handler panic: %v\n%s", b.opts.Name, r, debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return b.handler(b.ctx, msg)
}

func (b *Bus[T]) report(u Undelivered[T]) {
	b.dropped.Add(1)
	b.opts.Metrics.BusUndelivered(b.opts.Name, u.Cause, 1)
	b.reportMu.Lock()
	b.undelivered = append(b.undelivered, u)
	fn := b.onDropped
	b.reportMu.Unlock()
	if fn != nil {
		fn(u)
	}
}

// Close 停止接收新消息并排空所有通道。ctx 到期时取消处理中的 handler，
// 剩余消息不再处理；返回运行期间所有未送达的消息（重投耗尽 + 停机遗留）。
func (b *Bus[T]) Close(ctx context.Context) []Undelivered[T] {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return b.Undelivered()
	}
	b.closed = true
	// ctx 到期后取消 handler，阻塞中的发布者随通道被快速消费而返回
	stop := context.AfterFunc(ctx, func() {
		logger.Warnf("[bus] %s 排空超时，放弃剩余消息", b.opts.Name)
		b.abandon.Store(true)
		b.cancel()
	})
	defer stop()
	for b.publishing > 0 {
		b.cond.Wait()
	}
	b.mu.Unlock()
	close(b.draining)
	b.wg.Wait()
	b.cancel()

	out := b.Undelivered()
	for _, u := range out {
		if u.Cause == CauseShutdown {
			logger.Errorf("[bus] %s 未送达 key=%s cause=%s err=%v", b.opts.Name, u.Key, u.Cause, u.Err)
		}
	}
	logger.Infof("[bus] %s 已关闭 published=%d delivered=%d undelivered=%d",
		b.opts.Name, b.published.Load(), b.delivered.Load(), len(out))
	return out
}

// Undelivered 返回截至目前的未送达记录副本。
func (b *Bus[T]) Undelivered() []Undelivered[T] {
	b.reportMu.Lock()
	defer b.reportMu.Unlock()
	return append([]Undelivered[T](nil), b.undelivered...)
}

// Stats 返回运行统计。
func (b *Bus[T]) Stats() Stats {
	b.mu.Lock()
	pending := make(map[string]int, len(b.lanes))
	for k, l := range b.lanes {
		if n := len(l.ch); n > 0 {
			pending[k] = n
		}
	}
	lanes, closed := len(b.lanes), b.closed
	b.mu.Unlock()
	return Stats{
		Name:        b.opts.Name,
		Lanes:       lanes,
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Redelivered: b.redelivered.Load(),
		Undelivered: b.dropped.Load(),
		Pending:     pending,
		Closed:      closed,
	}
}

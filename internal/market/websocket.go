package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"optionsflow/internal/logger"
	"optionsflow/internal/types"
)

// WebSocketSource 连接 ws:// 或 wss:// 推送端，每条文本消息是一个 JSON 样本，格式与 JSON Lines 输入一致。
// 断线后指数退避重连，直到 ctx 结束。
type WebSocketSource struct {
	name   string
	url    string
	dialer *websocket.Dialer

	emitted  atomic.Int64
	rejected atomic.Int64
	decoding atomic.Int64
	mu       sync.Mutex
	lastErr  string
}

func NewWebSocketSource(name, url string) *WebSocketSource {
	if strings.TrimSpace(name) == "" {
		name = "ws"
	}
	return &WebSocketSource{
		name:   name,
		url:    strings.TrimSpace(url),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// IsWebSocketURL 判断 feed 地址是否走 websocket。
func IsWebSocketURL(raw string) bool {
	raw = strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(raw, "ws://") || strings.HasPrefix(raw, "wss://")
}

func (w *WebSocketSource) Name() string { return w.name }

func (w *WebSocketSource) Run(ctx context.Context, sink Sink) error {
	if sink == nil {
		return fmt.Errorf("ws %s: nil sink", w.name)
	}
	if !IsWebSocketURL(w.url) {
		return fmt.Errorf("ws %s: invalid url %q", w.name, w.url)
	}
	delay := time.Second
	for ctx.Err() == nil {
		err := w.session(ctx, sink)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		var fatal *fatalIngestError
		if errors.As(err, &fatal) {
			return fatal.err
		}
		w.setErr(err)
		logger.Warnf("[ws] %s 连接中断，%s 后重连: %v", w.name, delay, err)
		if !sleepWithContext(ctx, delay) {
			return nil
		}
		delay = nextDelay(delay)
	}
	return nil
}

type fatalIngestError struct{ err error }

func (e *fatalIngestError) Error() string { return e.err.Error() }

// session 维持一次连接；服务端正常关闭时返回 nil。
func (w *WebSocketSource) session(ctx context.Context, sink Sink) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Infof("[ws] %s 已连接 %s", w.name, w.url)

	// ReadMessage 不感知 ctx，ctx 结束时关闭连接使其返回
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Infof("[ws] %s 服务端关闭 emitted=%d rejected=%d", w.name, w.emitted.Load(), w.rejected.Load())
				return nil
			}
			return err
		}
		sample, err := DecodeSample(data)
		if err != nil {
			w.decoding.Add(1)
			w.setErr(err)
			continue
		}
		if err := sink.Ingest(ctx, sample); err != nil {
			if errors.Is(err, types.ErrOutOfOrderSample) || errors.Is(err, types.ErrIncompleteSample) {
				w.rejected.Add(1)
				w.setErr(err)
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return &fatalIngestError{err: fmt.Errorf("ws %s ingest failed: %w", w.name, err)}
		}
		w.emitted.Add(1)
	}
}

func (w *WebSocketSource) setErr(err error) {
	w.mu.Lock()
	w.lastErr = err.Error()
	w.mu.Unlock()
}

// Stats 返回当前统计。
func (w *WebSocketSource) Stats() SourceStats {
	w.mu.Lock()
	last := w.lastErr
	w.mu.Unlock()
	return SourceStats{
		Emitted:  w.emitted.Load(),
		Rejected: w.rejected.Load(),
		Decoding: w.decoding.Load(),
		LastErr:  last,
	}
}

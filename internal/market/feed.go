package market

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"optionsflow/internal/logger"
	"optionsflow/internal/types"
)

const maxFeedLine = 4 << 20

// FeedSource 逐行读取 JSON 样本（文件或标准输入）。
type FeedSource struct {
	name   string
	path   string
	reader io.Reader

	emitted  atomic.Int64
	rejected atomic.Int64
	decoding atomic.Int64
	mu       sync.Mutex
	lastErr  string
}

// NewFeedSource path 为 "-" 时读取标准输入。
func NewFeedSource(name, path string) *FeedSource {
	if strings.TrimSpace(name) == "" {
		name = "feed"
	}
	return &FeedSource{name: name, path: strings.TrimSpace(path)}
}

// NewReaderSource 直接从 io.Reader 读取，便于测试与管道输入。
func NewReaderSource(name string, r io.Reader) *FeedSource {
	return &FeedSource{name: name, reader: r}
}

func (f *FeedSource) Name() string { return f.name }

func (f *FeedSource) open() (io.Reader, func(), error) {
	if f.reader != nil {
		return f.reader, func() {}, nil
	}
	if f.path == "" || f.path == "-" {
		return os.Stdin, func() {}, nil
	}
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, nil, fmt.Errorf("open feed %s failed: %w", f.path, err)
	}
	return fh, func() { _ = fh.Close() }, nil
}

// Run 读取直到 EOF 或 ctx 结束。单条样本的解析/校验失败不会中断数据流。
func (f *FeedSource) Run(ctx context.Context, sink Sink) error {
	if sink == nil {
		return fmt.Errorf("feed %s: nil sink", f.name)
	}
	r, closeFn, err := f.open()
	if err != nil {
		return err
	}
	defer closeFn()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFeedLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sample, err := DecodeSample([]byte(line))
		if err != nil {
			f.decoding.Add(1)
			f.setErr(err)
			logger.Warnf("[feed] %s 解析失败: %v", f.name, err)
			continue
		}
		if err := sink.Ingest(ctx, sample); err != nil {
			if errors.Is(err, types.ErrOutOfOrderSample) || errors.Is(err, types.ErrIncompleteSample) {
				f.rejected.Add(1)
				f.setErr(err)
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("feed %s ingest failed: %w", f.name, err)
		}
		f.emitted.Add(1)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("feed %s read failed: %w", f.name, err)
	}
	logger.Infof("[feed] %s 读取完成 emitted=%d rejected=%d", f.name, f.emitted.Load(), f.rejected.Load())
	return nil
}

func (f *FeedSource) setErr(err error) {
	f.mu.Lock()
	f.lastErr = err.Error()
	f.mu.Unlock()
}

// Stats 返回当前统计。
func (f *FeedSource) Stats() SourceStats {
	f.mu.Lock()
	last := f.lastErr
	f.mu.Unlock()
	return SourceStats{
		Emitted:  f.emitted.Load(),
		Rejected: f.rejected.Load(),
		Decoding: f.decoding.Load(),
		LastErr:  last,
	}
}

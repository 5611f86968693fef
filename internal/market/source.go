package market

import "context"

// Sink 接收样本，通常是 Market Observer。
type Sink interface {
	Ingest(ctx context.Context, s Sample) error
}

// Source 是一个样本生产者，每个 Source 在独立 goroutine 中运行直到 ctx 结束或数据耗尽。
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// SourceStats 记录生产者侧的统计。
type SourceStats struct {
	Emitted  int64
	Rejected int64
	Decoding int64
	LastErr  string
}

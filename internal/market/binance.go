package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"optionsflow/internal/logger"
	"optionsflow/internal/pkg/symbol"
	"optionsflow/internal/scheduler"
	"optionsflow/internal/types"
)

const maxBinanceHistory = 1500

// BinanceConfig USDT 合约 K 线订阅参数。
type BinanceConfig struct {
	Symbols     []string
	Intervals   []string
	Backfill    int
	RESTBaseURL string
	HTTPTimeout time.Duration
}

func (c BinanceConfig) withDefaults() BinanceConfig {
	out := c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.Backfill > maxBinanceHistory {
		out.Backfill = maxBinanceHistory
	}
	return out
}

// BinanceSource 先用 REST 回填已收盘 K 线，再订阅 websocket，只转发已收盘的 K 线。
type BinanceSource struct {
	cfg    BinanceConfig
	client *futures.Client

	// exchange 写法 -> 内部写法
	symbols map[string]string

	emitted  atomic.Int64
	rejected atomic.Int64
	mu       sync.Mutex
	lastErr  string
}

func NewBinanceSource(cfg BinanceConfig) (*BinanceSource, error) {
	final := cfg.withDefaults()
	if len(final.Symbols) == 0 || len(final.Intervals) == 0 {
		return nil, fmt.Errorf("binance source requires symbols and intervals")
	}
	symbols := make(map[string]string, len(final.Symbols))
	for _, s := range symbol.NormalizeList(final.Symbols) {
		symbols[exchangeSymbol(s)] = s
	}
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &BinanceSource{cfg: final, client: client, symbols: symbols}, nil
}

func (b *BinanceSource) Name() string { return "binance" }

// exchangeSymbol BTC/USDT -> BTCUSDT。
func exchangeSymbol(instrument string) string {
	return strings.ReplaceAll(symbol.Normalize(instrument), "/", "")
}

func (b *BinanceSource) Run(ctx context.Context, sink Sink) error {
	if sink == nil {
		return fmt.Errorf("binance: nil sink")
	}
	if b.cfg.Backfill > 0 {
		if err := b.backfill(ctx, sink); err != nil {
			return err
		}
	}
	// websocket 回调在 SDK 的 goroutine 中执行，经 channel 交回本 goroutine 串行写入
	samples := make(chan Sample, 256)
	go b.subscribe(ctx, samples)
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-samples:
			if err := b.ingest(ctx, sink, s); err != nil {
				return err
			}
		}
	}
}

func (b *BinanceSource) backfill(ctx context.Context, sink Sink) error {
	for _, exch := range sortedKeys(b.symbols) {
		for _, interval := range b.cfg.Intervals {
			interval = NormalizeTimeframe(interval)
			kls, err := b.client.NewKlinesService().Symbol(exch).Interval(interval).Limit(b.cfg.Backfill).Do(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				b.setErr(err)
				logger.Warnf("[binance] 回填 %s %s 失败: %v", exch, interval, err)
				continue
			}
			samples := klinesToSamples(b.symbols[exch], interval, kls, time.Now())
			for _, s := range samples {
				if err := b.ingest(ctx, sink, s); err != nil {
					return err
				}
			}
			logger.Infof("[binance] 回填 %s@%s bars=%d", b.symbols[exch], interval, len(samples))
		}
	}
	return nil
}

func (b *BinanceSource) ingest(ctx context.Context, sink Sink, s Sample) error {
	if err := sink.Ingest(ctx, s); err != nil {
		if errors.Is(err, types.ErrOutOfOrderSample) || errors.Is(err, types.ErrIncompleteSample) {
			b.rejected.Add(1)
			b.setErr(err)
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("binance ingest failed: %w", err)
	}
	b.emitted.Add(1)
	return nil
}

func (b *BinanceSource) subscribe(ctx context.Context, out chan<- Sample) {
	mapping := make(map[string][]string, len(b.symbols))
	for exch := range b.symbols {
		for _, iv := range b.cfg.Intervals {
			mapping[exch] = appendUnique(mapping[exch], NormalizeTimeframe(iv))
		}
	}
	delay := time.Second
	for ctx.Err() == nil {
		var errMu sync.Mutex
		var lastErr error
		handler := func(ev *futures.WsKlineEvent) {
			s, ok := wsKlineSample(ev, b.symbols)
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
			case out <- s:
			}
		}
		errHandler := func(err error) {
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsCombinedKlineServeMultiInterval(mapping, handler, errHandler)
		if err != nil {
			b.setErr(err)
			logger.Warnf("[binance] 订阅失败: %v", err)
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		logger.Infof("[binance] 已订阅 %d 个品种", len(mapping))
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		errMu.Lock()
		if lastErr != nil {
			b.setErr(lastErr)
		}
		logger.Warnf("[binance] 连接断开，准备重连: %v", lastErr)
		errMu.Unlock()
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

// klinesToSamples 去掉尚未收盘的最后一根。
func klinesToSamples(instrument, interval string, kls []*futures.Kline, now time.Time) []Sample {
	dur, _ := scheduler.ParseIntervalDuration(interval)
	out := make([]Sample, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		if dur > 0 && time.UnixMilli(kl.OpenTime).Add(dur).After(now) {
			continue
		}
		out = append(out, Sample{
			Instrument: instrument,
			Timeframe:  interval,
			Timestamp:  time.UnixMilli(kl.OpenTime).UTC(),
			Open:       parseFloat(kl.Open),
			High:       parseFloat(kl.High),
			Low:        parseFloat(kl.Low),
			Close:      parseFloat(kl.Close),
			Volume:     parseFloat(kl.Volume),
		})
	}
	return out
}

func wsKlineSample(ev *futures.WsKlineEvent, symbols map[string]string) (Sample, bool) {
	if ev == nil || !ev.Kline.IsFinal {
		return Sample{}, false
	}
	exch := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	inst, ok := symbols[exch]
	if !ok {
		inst = symbol.Normalize(exch)
	}
	interval := NormalizeTimeframe(ev.Kline.Interval)
	if inst == "" || interval == "" {
		return Sample{}, false
	}
	return Sample{
		Instrument: inst,
		Timeframe:  interval,
		Timestamp:  time.UnixMilli(ev.Kline.StartTime).UTC(),
		Open:       parseFloat(ev.Kline.Open),
		High:       parseFloat(ev.Kline.High),
		Low:        parseFloat(ev.Kline.Low),
		Close:      parseFloat(ev.Kline.Close),
		Volume:     parseFloat(ev.Kline.Volume),
	}, true
}

func (b *BinanceSource) setErr(err error) {
	b.mu.Lock()
	b.lastErr = err.Error()
	b.mu.Unlock()
}

// Stats 返回当前统计。
func (b *BinanceSource) Stats() SourceStats {
	b.mu.Lock()
	last := b.lastErr
	b.mu.Unlock()
	return SourceStats{Emitted: b.emitted.Load(), Rejected: b.rejected.Load(), LastErr: last}
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func appendUnique(target []string, val string) []string {
	for _, existing := range target {
		if existing == val {
			return target
		}
	}
	return append(target, val)
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}

package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"optionsflow/internal/market"
	"optionsflow/internal/scheduler"
)

type priceIndicator struct {
	name     string
	lookback int
	neutral  float64
	compute  func(snap market.Snapshot) (float64, map[string]float64, bool)
}

func (p *priceIndicator) Name() string          { return p.name }
func (p *priceIndicator) Lookback() int         { return p.lookback }
func (p *priceIndicator) RequiresOptions() bool { return false }
func (p *priceIndicator) Neutral() float64      { return p.neutral }
func (p *priceIndicator) Compute(snap market.Snapshot) (float64, map[string]float64, bool) {
	return p.compute(snap)
}

func lastOf(series []float64) (float64, map[string]float64, bool) {
	v, ok := lastValid(sanitizeSeries(series))
	return v, nil, ok
}

// NewSMA 简单移动平均。
func NewSMA(period int) Indicator {
	period = positive(period, 20)
	return &priceIndicator{
		name:     fmt.Sprintf("sma_%d", period),
		lookback: period,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			return lastOf(talib.Sma(snap.Closes(), period))
		},
	}
}

// NewEMA 指数移动平均。
func NewEMA(period int) Indicator {
	period = positive(period, 21)
	return &priceIndicator{
		name:     fmt.Sprintf("ema_%d", period),
		lookback: period,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			return lastOf(talib.Ema(snap.Closes(), period))
		},
	}
}

// NewRSI 相对强弱，数据不足时中性值 50。
func NewRSI(period int) Indicator {
	period = positive(period, 14)
	return &priceIndicator{
		name:     "rsi",
		lookback: period + 1,
		neutral:  50,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			return lastOf(talib.Rsi(snap.Closes(), period))
		},
	}
}

// NewMACD 返回 MACD 线，payload 附带 signal 与 histogram。
func NewMACD(fast, slow, signal int) Indicator {
	fast = positive(fast, 12)
	slow = positive(slow, 26)
	signal = positive(signal, 9)
	return &priceIndicator{
		name:     "macd",
		lookback: slow + signal,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			macd, sig, hist := talib.Macd(snap.Closes(), fast, slow, signal)
			m, ok := lastValid(macd)
			if !ok {
				return 0, nil, false
			}
			s, _ := lastValid(sig)
			h, _ := lastValid(hist)
			return m, map[string]float64{"signal": round4(s), "histogram": round4(h)}, true
		},
	}
}

// NewMomentum 变动率 (ROC)，单位 %。
func NewMomentum(period int) Indicator {
	period = positive(period, 9)
	return &priceIndicator{
		name:     "momentum",
		lookback: period + 1,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			return lastOf(talib.Roc(snap.Closes(), period))
		},
	}
}

// NewBollinger 波动率带；值为带宽（占中轨 %），payload 为上/中/下轨与 %B。
func NewBollinger(period int, dev float64) Indicator {
	period = positive(period, 20)
	if dev <= 0 {
		dev = 2
	}
	return &priceIndicator{
		name:     "bollinger",
		lookback: period,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			closes := snap.Closes()
			upper, middle, lower := talib.BBands(closes, period, dev, dev, talib.SMA)
			u, ok1 := lastValid(upper)
			m, ok2 := lastValid(middle)
			l, ok3 := lastValid(lower)
			if !ok1 || !ok2 || !ok3 || m == 0 {
				return 0, nil, false
			}
			percentB := 0.5
			if u > l {
				percentB = (closes[len(closes)-1] - l) / (u - l)
			}
			return (u - l) / m * 100, map[string]float64{
				"upper":     round4(u),
				"middle":    round4(m),
				"lower":     round4(l),
				"percent_b": round4(percentB),
			}, true
		},
	}
}

// NewATR 平均真实波幅。
func NewATR(period int) Indicator {
	period = positive(period, 14)
	return &priceIndicator{
		name:     "atr",
		lookback: period + 1,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			_, highs, lows, closes, _ := snap.Series()
			return lastOf(talib.Atr(highs, lows, closes, period))
		},
	}
}

// NewVWAP 最近 period 个样本的成交量加权均价。
func NewVWAP(period int) Indicator {
	period = positive(period, 20)
	return &priceIndicator{
		name:     "vwap",
		lookback: period,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			samples := snap.Samples[len(snap.Samples)-period:]
			var pv, vol, tp float64
			for _, s := range samples {
				typical := s.TypicalPrice()
				pv += typical * s.Volume
				vol += s.Volume
				tp += typical
			}
			if vol == 0 {
				return tp / float64(len(samples)), nil, true
			}
			return pv / vol, nil, true
		},
	}
}

// NewHistoricalVolatility 对数收益率标准差年化，单位 %。
func NewHistoricalVolatility(period int) Indicator {
	period = positive(period, 20)
	return &priceIndicator{
		name:     "historical_volatility",
		lookback: period + 1,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			closes := tail(snap.Closes(), period+1)
			returns := make([]float64, 0, len(closes)-1)
			for i := 1; i < len(closes); i++ {
				if closes[i-1] <= 0 || closes[i] <= 0 {
					return 0, nil, false
				}
				returns = append(returns, math.Log(closes[i]/closes[i-1]))
			}
			std, ok := lastValid(talib.StdDev(returns, period, 1))
			if !ok {
				return 0, nil, false
			}
			// talib 使用总体标准差，这里换算为样本标准差。
			if period > 1 {
				std *= math.Sqrt(float64(period) / float64(period-1))
			}
			return std * math.Sqrt(periodsPerYear(snap.Key.Timeframe)) * 100, nil, true
		},
	}
}

func periodsPerYear(timeframe string) float64 {
	d, ok := scheduler.ParseIntervalDuration(timeframe)
	if !ok || d <= 0 {
		return 252
	}
	return float64(365*24*time.Hour) / float64(d)
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

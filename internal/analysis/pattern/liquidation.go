package pattern

import (
	"fmt"
	"math"
	"sort"

	"optionsflow/internal/market"
	"optionsflow/internal/types"
)

// LiquidationConfig 清算位估算参数。
type LiquidationConfig struct {
	ThresholdUSD    float64
	Leverages       []float64
	BucketPct       float64 // 价格分桶宽度，占最新价比例
	ConfidenceFloor float64
}

type liquidationDetector struct {
	baseDetector
	cfg LiquidationConfig
}

// NewLiquidationLevels 按杠杆档位估算每根 K 线开仓者的强平价，
// 将名义成交额（成交量 × 收盘价，USD）聚合到价格桶，超过阈值的桶即为清算聚集区。
func NewLiquidationLevels(cfg LiquidationConfig) Detector {
	if cfg.ThresholdUSD <= 0 {
		cfg.ThresholdUSD = 1_000_000
	}
	if len(cfg.Leverages) == 0 {
		cfg.Leverages = []float64{10, 25, 50, 100}
	}
	if cfg.BucketPct <= 0 {
		cfg.BucketPct = 0.005
	}
	return &liquidationDetector{
		baseDetector: baseDetector{name: "liquidation_levels", floor: floorOrDefault(cfg.ConfidenceFloor)},
		cfg:          cfg,
	}
}

type liqBucket struct {
	side   string
	index  int64
	amount float64
}

func (l *liquidationDetector) Detect(snap market.Snapshot, _ []types.IndicatorValue) []types.PatternDetection {
	if snap.Len() == 0 {
		return nil
	}
	price := snap.Last().Close
	width := price * l.cfg.BucketPct
	if width <= 0 {
		return nil
	}
	buckets := make(map[string]*liqBucket)
	share := 1.0 / float64(len(l.cfg.Leverages))
	for _, s := range snap.Samples {
		notional := s.Volume * s.Close * share
		if notional <= 0 {
			continue
		}
		for _, lev := range l.cfg.Leverages {
			if lev <= 1 {
				continue
			}
			longLiq := s.Close * (1 - 1/lev)
			shortLiq := s.Close * (1 + 1/lev)
			// 仅统计尚未被触及的清算价
			if longLiq < price {
				addLiq(buckets, "long_liquidations", longLiq, width, notional)
			}
			if shortLiq > price {
				addLiq(buckets, "short_liquidations", shortLiq, width, notional)
			}
		}
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []types.PatternDetection
	for _, k := range keys {
		b := buckets[k]
		if b.amount <= l.cfg.ThresholdUSD {
			continue
		}
		level := (float64(b.index) + 0.5) * width
		out = append(out, types.PatternDetection{
			Type:       "liquidation_levels",
			SubType:    b.side,
			Confidence: b.amount / (b.amount + l.cfg.ThresholdUSD),
			Levels:     []float64{round4(level)},
			Attributes: map[string]string{
				"notional_usd": fmt.Sprintf("%.0f", b.amount),
				"distance_pct": fmt.Sprintf("%.2f", (level-price)/price*100),
			},
		})
	}
	return out
}

func addLiq(buckets map[string]*liqBucket, side string, level, width, notional float64) {
	idx := int64(math.Floor(level / width))
	key := fmt.Sprintf("%s:%d", side, idx)
	b, ok := buckets[key]
	if !ok {
		b = &liqBucket{side: side, index: idx}
		buckets[key] = b
	}
	b.amount += notional
}

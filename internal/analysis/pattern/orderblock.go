package pattern

import (
	"fmt"
	"math"

	"optionsflow/internal/market"
	"optionsflow/internal/types"
)

// OrderBlockConfig 订单块识别参数。
type OrderBlockConfig struct {
	VolumeThreshold float64 // 相对近期均量的倍数
	AvgPeriod       int
	ConfirmBars     int
	ScanBars        int
	ConfidenceFloor float64
}

type orderBlockDetector struct {
	baseDetector
	cfg OrderBlockConfig
}

// NewOrderBlocks 放量只是必要条件，还需要随后出现结构性位移：
// 阴线之后 ConfirmBars 内收盘突破其最高价为看涨订单块，反之为看跌订单块。
func NewOrderBlocks(cfg OrderBlockConfig) Detector {
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = 2.0
	}
	if cfg.AvgPeriod <= 0 {
		cfg.AvgPeriod = 20
	}
	if cfg.ConfirmBars <= 0 {
		cfg.ConfirmBars = 3
	}
	if cfg.ScanBars <= 0 {
		cfg.ScanBars = 20
	}
	return &orderBlockDetector{
		baseDetector: baseDetector{name: "order_blocks", floor: floorOrDefault(cfg.ConfidenceFloor)},
		cfg:          cfg,
	}
}

func (o *orderBlockDetector) Detect(snap market.Snapshot, _ []types.IndicatorValue) []types.PatternDetection {
	samples := snap.Samples
	n := len(samples)
	if n < o.cfg.AvgPeriod+2 {
		return nil
	}
	vols := volumes(samples)
	start := n - o.cfg.ScanBars - o.cfg.ConfirmBars
	if start < o.cfg.AvgPeriod {
		start = o.cfg.AvgPeriod
	}
	var out []types.PatternDetection
	for i := start; i < n-1; i++ {
		avg, ok := trailingAverage(vols, i, o.cfg.AvgPeriod)
		if !ok || avg <= 0 {
			continue
		}
		ratio := vols[i] / avg
		if ratio < o.cfg.VolumeThreshold {
			continue
		}
		c := samples[i]
		end := i + o.cfg.ConfirmBars
		if end > n-1 {
			end = n - 1
		}
		candleRange := math.Max(c.High-c.Low, c.Close*1e-6)
		for j := i + 1; j <= end; j++ {
			next := samples[j]
			var subType string
			var displacement float64
			switch {
			case !c.Bullish() && next.Close > c.High:
				subType = "bullish"
				displacement = next.Close - c.High
			case c.Bullish() && next.Close < c.Low:
				subType = "bearish"
				displacement = c.Low - next.Close
			default:
				continue
			}
			volScore := math.Min(1, (ratio-o.cfg.VolumeThreshold)/o.cfg.VolumeThreshold)
			dispScore := math.Min(1, displacement/candleRange)
			out = append(out, types.PatternDetection{
				Type:       "order_blocks",
				SubType:    subType,
				Confidence: 0.4 + 0.3*volScore + 0.3*dispScore,
				Levels:     []float64{round4(c.Low), round4(c.High)},
				DetectedAt: next.Timestamp,
				Attributes: map[string]string{
					"volume_ratio": fmt.Sprintf("%.2f", ratio),
					"origin":       c.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
					"mitigated":    fmt.Sprintf("%t", mitigated(samples[j+1:], c, subType)),
				},
			})
			break
		}
	}
	return out
}

// mitigated 价格之后是否回到订单块区间内。
func mitigated(after []market.Sample, block market.Sample, subType string) bool {
	for _, s := range after {
		if subType == "bullish" && s.Low <= block.High {
			return true
		}
		if subType == "bearish" && s.High >= block.Low {
			return true
		}
	}
	return false
}

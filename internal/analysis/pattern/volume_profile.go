package pattern

import (
	"fmt"
	"math"

	"optionsflow/internal/market"
	"optionsflow/internal/types"
)

// VolumeProfileConfig 成交量分布参数。
type VolumeProfileConfig struct {
	Nodes           int
	MinSamples      int
	ValueAreaPct    float64
	ConfidenceFloor float64
}

type volumeProfileDetector struct {
	baseDetector
	cfg VolumeProfileConfig
}

// NewVolumeProfile 将价格区间等分为 Nodes 个桶，按典型价累计成交量，输出成交量最大的节点（POC）。
func NewVolumeProfile(cfg VolumeProfileConfig) Detector {
	if cfg.Nodes <= 0 {
		cfg.Nodes = 24
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 20
	}
	if cfg.ValueAreaPct <= 0 || cfg.ValueAreaPct >= 1 {
		cfg.ValueAreaPct = 0.7
	}
	return &volumeProfileDetector{
		baseDetector: baseDetector{name: "volume_profile", floor: floorOrDefault(cfg.ConfidenceFloor)},
		cfg:          cfg,
	}
}

func (v *volumeProfileDetector) Detect(snap market.Snapshot, _ []types.IndicatorValue) []types.PatternDetection {
	if snap.Len() < v.cfg.MinSamples {
		return nil
	}
	lo, hi := math.MaxFloat64, -math.MaxFloat64
	for _, s := range snap.Samples {
		lo = math.Min(lo, s.Low)
		hi = math.Max(hi, s.High)
	}
	nodes := v.cfg.Nodes
	width := (hi - lo) / float64(nodes)
	profile := make([]float64, nodes)
	var total float64
	for _, s := range snap.Samples {
		idx := 0
		if width > 0 {
			idx = int((s.TypicalPrice() - lo) / width)
		}
		if idx >= nodes {
			idx = nodes - 1
		}
		if idx < 0 {
			idx = 0
		}
		profile[idx] += s.Volume
		total += s.Volume
	}
	if total <= 0 {
		return nil
	}
	top, _ := maxWithIndex(profile)
	vaLow, vaHigh := v.valueArea(profile, lo, width, total)
	var out []types.PatternDetection
	for i, vol := range profile {
		if vol != top {
			continue
		}
		share := vol / total
		weighted := share * float64(nodes)
		nodeLow := lo + float64(i)*width
		out = append(out, types.PatternDetection{
			Type:       "volume_profile",
			SubType:    "poc",
			Confidence: weighted / (weighted + 1),
			Levels:     []float64{round4(nodeLow + width/2), round4(nodeLow), round4(nodeLow + width)},
			Attributes: map[string]string{
				"volume_share":    fmt.Sprintf("%.4f", share),
				"value_area_low":  fmt.Sprintf("%.4f", vaLow),
				"value_area_high": fmt.Sprintf("%.4f", vaHigh),
			},
		})
	}
	return out
}

// valueArea 从 POC 向两侧扩展，直到覆盖 ValueAreaPct 的成交量。
func (v *volumeProfileDetector) valueArea(profile []float64, lo, width, total float64) (float64, float64) {
	_, poc := maxWithIndex(profile)
	left, right := poc, poc
	covered := profile[poc]
	for covered < total*v.cfg.ValueAreaPct && (left > 0 || right < len(profile)-1) {
		var lv, rv float64 = -1, -1
		if left > 0 {
			lv = profile[left-1]
		}
		if right < len(profile)-1 {
			rv = profile[right+1]
		}
		if rv > lv {
			right++
			covered += rv
		} else {
			left--
			covered += lv
		}
	}
	return lo + float64(left)*width, lo + float64(right+1)*width
}

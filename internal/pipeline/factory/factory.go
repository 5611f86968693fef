package factory

import (
	"fmt"
	"sort"
	"time"

	"optionsflow/internal/analysis/indicator"
	"optionsflow/internal/analysis/pattern"
	"optionsflow/internal/config"
	"optionsflow/internal/logger"
	"optionsflow/internal/pipeline"
	"optionsflow/internal/pipeline/middlewares"
)

// Factory 把配置中的名字映射为指标/识别器构造函数，注册表只在启动时构建一次。
type Factory struct {
	Indicators     map[string]config.IndicatorConfig
	Patterns       map[string]config.PatternConfig
	UpdateInterval time.Duration
	// MaxLookback 为窗口容量，<= 0 时不检查指标回看需求
	MaxLookback int
}

func New(cfg *config.Config) *Factory {
	return &Factory{
		Indicators:     cfg.Indicators,
		Patterns:       cfg.Patterns,
		UpdateInterval: cfg.Pipeline.UpdateInterval(),
		MaxLookback:    cfg.Pipeline.MaxLookback,
	}
}

// BuildPipeline 组装两段式 pipeline：stage 0 指标，stage 1 形态；总时限为 update_interval。
func (f *Factory) BuildPipeline() (*pipeline.Pipeline, *indicator.Engine, error) {
	ind, err := f.BuildIndicatorEngine()
	if err != nil {
		return nil, nil, err
	}
	if f.MaxLookback > 0 {
		if err := ind.CheckLookback(f.MaxLookback); err != nil {
			return nil, nil, fmt.Errorf("pipeline.max_lookback: %w", err)
		}
	}
	pat, err := f.BuildPatternEngine()
	if err != nil {
		return nil, nil, err
	}
	p := pipeline.New("observation",
		middlewares.NewIndicatorMiddleware(middlewares.IndicatorConfig{Stage: 0}, ind),
		middlewares.NewPatternMiddleware(middlewares.PatternConfig{Stage: 1}, pat),
	).WithTimeout(f.UpdateInterval)
	logger.Infof("[factory] pipeline ready indicators=%v patterns=%v timeout=%s price_lookback=%d",
		ind.Names(), pat.Names(), f.UpdateInterval, ind.MaxLookback())
	return p, ind, nil
}

func (f *Factory) BuildIndicatorEngine() (*indicator.Engine, error) {
	var list []indicator.Indicator
	for _, name := range sortedKeys(f.Indicators) {
		cfg := f.Indicators[name]
		if !cfg.Enabled {
			continue
		}
		built, err := buildIndicator(name, cfg)
		if err != nil {
			return nil, err
		}
		list = append(list, built...)
	}
	return indicator.NewEngine(list...)
}

func buildIndicator(name string, cfg config.IndicatorConfig) ([]indicator.Indicator, error) {
	switch name {
	case "sma", "ema":
		periods := cfg.Periods
		if len(periods) == 0 && cfg.Period > 0 {
			periods = []int{cfg.Period}
		}
		if len(periods) == 0 {
			return nil, fmt.Errorf("%s 缺少 periods", name)
		}
		out := make([]indicator.Indicator, 0, len(periods))
		for _, p := range periods {
			if name == "sma" {
				out = append(out, indicator.NewSMA(p))
			} else {
				out = append(out, indicator.NewEMA(p))
			}
		}
		return out, nil
	case "rsi":
		return one(indicator.NewRSI(cfg.Period)), nil
	case "macd":
		if cfg.Fast >= cfg.Slow {
			return nil, fmt.Errorf("macd fast 需小于 slow")
		}
		return one(indicator.NewMACD(cfg.Fast, cfg.Slow, cfg.Signal)), nil
	case "momentum":
		return one(indicator.NewMomentum(cfg.Period)), nil
	case "bollinger":
		return one(indicator.NewBollinger(cfg.Period, cfg.StdDev)), nil
	case "atr":
		return one(indicator.NewATR(cfg.Period)), nil
	case "vwap":
		return one(indicator.NewVWAP(cfg.Period)), nil
	case "historical_volatility":
		return one(indicator.NewHistoricalVolatility(cfg.Period)), nil
	case "iv_rank":
		return one(indicator.NewIVRank(cfg.LookbackPeriod)), nil
	case "iv_percentile":
		return one(indicator.NewIVPercentile(cfg.LookbackPeriod)), nil
	case "term_structure":
		return one(indicator.NewTermStructure()), nil
	case "skew":
		return one(indicator.NewSkew(cfg.Band)), nil
	case "gamma_exposure":
		return one(indicator.NewGammaExposure()), nil
	case "put_call_ratio":
		return one(indicator.NewPutCallRatio()), nil
	case "open_interest":
		return one(indicator.NewOpenInterest()), nil
	case "max_pain":
		return one(indicator.NewMaxPain()), nil
	default:
		return nil, fmt.Errorf("unknown indicator: %s", name)
	}
}

func (f *Factory) BuildPatternEngine() (*pattern.Engine, error) {
	var list []pattern.Detector
	for _, name := range sortedKeys(f.Patterns) {
		cfg := f.Patterns[name]
		if !cfg.Enabled {
			continue
		}
		det, err := buildDetector(name, cfg)
		if err != nil {
			return nil, err
		}
		list = append(list, det)
	}
	return pattern.NewEngine(list...)
}

func buildDetector(name string, cfg config.PatternConfig) (pattern.Detector, error) {
	switch name {
	case "wyckoff":
		return pattern.NewWyckoff(pattern.WyckoffConfig{
			MinPatternLength: cfg.MinPatternLength,
			ConfidenceFloor:  cfg.ConfidenceFloor,
		}), nil
	case "order_blocks":
		return pattern.NewOrderBlocks(pattern.OrderBlockConfig{
			VolumeThreshold: cfg.VolumeThreshold,
			AvgPeriod:       cfg.AvgPeriod,
			ConfirmBars:     cfg.ConfirmBars,
			ScanBars:        cfg.ScanBars,
			ConfidenceFloor: cfg.ConfidenceFloor,
		}), nil
	case "liquidation_levels":
		return pattern.NewLiquidationLevels(pattern.LiquidationConfig{
			ThresholdUSD:    cfg.Threshold,
			Leverages:       cfg.Leverages,
			BucketPct:       cfg.BucketPct,
			ConfidenceFloor: cfg.ConfidenceFloor,
		}), nil
	case "volume_profile":
		return pattern.NewVolumeProfile(pattern.VolumeProfileConfig{
			Nodes:           cfg.Nodes,
			ValueAreaPct:    cfg.ValueAreaPct,
			ConfidenceFloor: cfg.ConfidenceFloor,
		}), nil
	case "regime":
		return pattern.NewRegime(pattern.RegimeConfig{
			VolWindow:          cfg.VolWindow,
			AvgPeriod:          cfg.AvgPeriod,
			MajorEventMultiple: cfg.MajorEventMultiple,
			TrendWindow:        cfg.TrendWindow,
			TrendSlope:         cfg.TrendSlope,
			ConfidenceFloor:    cfg.ConfidenceFloor,
		}), nil
	default:
		return nil, fmt.Errorf("unknown pattern: %s", name)
	}
}

func one(ind indicator.Indicator) []indicator.Indicator { return []indicator.Indicator{ind} }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

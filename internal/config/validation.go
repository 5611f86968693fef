package config

import (
	"fmt"
	"strings"

	"optionsflow/internal/logger"
	"optionsflow/internal/scheduler"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Bus.validate(); err != nil {
		return err
	}
	if err := validateIndicators(c.Indicators); err != nil {
		return err
	}
	if err := validatePatterns(c.Patterns); err != nil {
		return err
	}
	if w, ok := c.Patterns["wyckoff"]; ok && w.Enabled && w.MinPatternLength > c.Pipeline.MaxLookback {
		return fmt.Errorf("patterns.wyckoff.min_pattern_length %d exceeds pipeline.max_lookback %d",
			w.MinPatternLength, c.Pipeline.MaxLookback)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	if (c.Backtest.Enabled || c.Backtest.Record) && strings.TrimSpace(c.Backtest.DataDir) == "" {
		return fmt.Errorf("backtest.data_dir required when backtest.enabled or backtest.record")
	}
	if c.Backtest.Enabled && len(c.Backtest.Instruments) == 0 {
		return fmt.Errorf("backtest.instruments required when backtest.enabled")
	}
	for i, src := range c.Feed.Sources {
		if src.Disabled {
			continue
		}
		if strings.TrimSpace(src.Path) == "" && strings.TrimSpace(src.URL) == "" {
			return fmt.Errorf("feed.sources[%d] (%s) missing path or url", i, src.Name)
		}
	}
	if bn := c.Feed.Binance; bn.Enabled {
		if len(bn.Symbols) == 0 {
			return fmt.Errorf("feed.binance.symbols required when enabled")
		}
		if _, err := scheduler.ValidateTimeframes(bn.Intervals); err != nil {
			return fmt.Errorf("feed.binance.intervals: %w", err)
		}
	}
	return nil
}

func (a *AppConfig) validate() error {
	if _, err := logger.ParseLevel(a.LogLevel); err != nil {
		return fmt.Errorf("app.log_level: %w", err)
	}
	switch strings.ToLower(a.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
	return nil
}

func (p *PipelineConfig) validate() error {
	tfs, err := scheduler.ValidateTimeframes(p.Timeframes)
	if err != nil {
		return fmt.Errorf("pipeline.timeframes: %w", err)
	}
	if len(tfs) == 0 {
		return fmt.Errorf("pipeline.timeframes requires at least one timeframe")
	}
	p.Timeframes = tfs
	if p.UpdateIntervalSeconds <= 0 {
		return fmt.Errorf("pipeline.update_interval must be > 0")
	}
	if p.CacheDurationSeconds < 0 {
		return fmt.Errorf("pipeline.cache_duration must be >= 0")
	}
	if p.MaxLookback <= 0 {
		return fmt.Errorf("pipeline.max_lookback must be > 0")
	}
	switch p.TriggerMode {
	case TriggerInterval, TriggerOnSample:
	default:
		return fmt.Errorf("pipeline.trigger_mode must be %s or %s, got %q", TriggerInterval, TriggerOnSample, p.TriggerMode)
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if r.MaxRiskPerTrade <= 0 || r.MaxRiskPerTrade > 1 {
		return fmt.Errorf("risk.max_risk_per_trade must be in (0,1]")
	}
	if r.MinRRRatio < 0 {
		return fmt.Errorf("risk.min_rr_ratio must be >= 0")
	}
	if r.PortfolioHeatCeiling <= 0 || r.PortfolioHeatCeiling > 1 {
		return fmt.Errorf("risk.portfolio_heat_ceiling must be in (0,1]")
	}
	if r.MaxRiskPerTrade > r.PortfolioHeatCeiling {
		return fmt.Errorf("risk.max_risk_per_trade (%.4f) exceeds portfolio_heat_ceiling (%.4f)", r.MaxRiskPerTrade, r.PortfolioHeatCeiling)
	}
	return nil
}

func (b *BusConfig) validate() error {
	if b.Buffer <= 0 {
		return fmt.Errorf("bus.buffer must be > 0")
	}
	if b.MaxAttempts <= 0 {
		return fmt.Errorf("bus.max_attempts must be > 0")
	}
	return nil
}

func validateIndicators(m map[string]IndicatorConfig) error {
	for name, cfg := range m {
		if !cfg.Enabled {
			continue
		}
		if _, ok := knownIndicators[name]; !ok {
			return fmt.Errorf("indicators.%s: unknown indicator", name)
		}
		if name == "macd" && cfg.Fast >= cfg.Slow {
			return fmt.Errorf("indicators.macd fast must be < slow")
		}
		for _, p := range cfg.Periods {
			if p <= 0 {
				return fmt.Errorf("indicators.%s periods must be > 0", name)
			}
		}
		if cfg.Period < 0 || cfg.LookbackPeriod < 0 {
			return fmt.Errorf("indicators.%s periods must be >= 0", name)
		}
	}
	return nil
}

func validatePatterns(m map[string]PatternConfig) error {
	for name, cfg := range m {
		if !cfg.Enabled {
			continue
		}
		if _, ok := knownPatterns[name]; !ok {
			return fmt.Errorf("patterns.%s: unknown pattern", name)
		}
		if cfg.ConfidenceFloor < 0 || cfg.ConfidenceFloor > 1 {
			return fmt.Errorf("patterns.%s.confidence_floor must be in [0,1]", name)
		}
	}
	return nil
}

var knownIndicators = map[string]struct{}{
	"sma": {}, "ema": {}, "rsi": {}, "macd": {}, "momentum": {}, "bollinger": {}, "atr": {}, "vwap": {},
	"historical_volatility": {}, "iv_rank": {}, "iv_percentile": {}, "term_structure": {}, "skew": {},
	"gamma_exposure": {}, "put_call_ratio": {}, "open_interest": {}, "max_pain": {},
}

var knownPatterns = map[string]struct{}{
	"wyckoff": {}, "order_blocks": {}, "liquidation_levels": {}, "volume_profile": {}, "regime": {},
}

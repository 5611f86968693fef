package config

import (
	"fmt"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":9991"
	defaultTimeframe         = "1h"
	defaultUpdateInterval    = 5
	defaultMaxLookback       = 500
	defaultFailureThreshold  = 5
	defaultFailureCooldown   = 60
	defaultMaxPositionSize   = 0.1
	defaultMaxRiskPerTrade   = 0.02
	defaultMinRRRatio        = 1.5
	defaultPortfolioHeat     = 0.06
	defaultDecisionCacheSize = 10000
	defaultTemplatesPath     = "configs/strategies.yaml"
	defaultBusBuffer         = 64
	defaultBusMaxAttempts    = 3
	defaultBusBackoffMillis  = 200
	defaultBusDrainSeconds   = 10
	defaultStorePath         = "data/optionsflow.db"
	defaultIVLookback        = 252
)

// defaultIndicators 未配置 indicators 时启用的指标集合。
func defaultIndicators() map[string]IndicatorConfig {
	return map[string]IndicatorConfig{
		"sma":                   {Enabled: true, Periods: []int{20, 50, 200}},
		"ema":                   {Enabled: true, Periods: []int{9, 21, 55}},
		"rsi":                   {Enabled: true, Period: 14},
		"macd":                  {Enabled: true, Fast: 12, Slow: 26, Signal: 9},
		"momentum":              {Enabled: true, Period: 9},
		"bollinger":             {Enabled: true, Period: 20, StdDev: 2},
		"atr":                   {Enabled: true, Period: 14},
		"vwap":                  {Enabled: true, Period: 20},
		"historical_volatility": {Enabled: true, Period: 20},
		"iv_rank":               {Enabled: true, LookbackPeriod: defaultIVLookback},
		"iv_percentile":         {Enabled: true, LookbackPeriod: defaultIVLookback},
		"term_structure":        {Enabled: true},
		"skew":                  {Enabled: true, Band: 0.2},
		"gamma_exposure":        {Enabled: true},
		"put_call_ratio":        {Enabled: true},
		"open_interest":         {Enabled: true},
		"max_pain":              {Enabled: true},
	}
}

// defaultPatterns 未配置 patterns 时启用的识别器；阈值留空由识别器自身补齐。
func defaultPatterns() map[string]PatternConfig {
	return map[string]PatternConfig{
		"wyckoff":            {Enabled: true},
		"order_blocks":       {Enabled: true},
		"liquidation_levels": {Enabled: true},
		"volume_profile":     {Enabled: true},
		"regime":             {Enabled: true},
	}
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Pipeline.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Strategy.applyDefaults(keys)
	c.Bus.applyDefaults(keys)
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &c.Store.Path, defaultStorePath),
	)
	c.Indicators = applyIndicatorDefaults(c.Indicators, keys)
	c.Patterns = applyPatternDefaults(c.Patterns, keys)
	for i := range c.Feed.Sources {
		src := &c.Feed.Sources[i]
		if strings.TrimSpace(src.Name) == "" {
			src.Name = fmt.Sprintf("feed_%d", i)
		}
	}
	if c.Feed.Binance.Enabled && len(c.Feed.Binance.Intervals) == 0 {
		c.Feed.Binance.Intervals = append([]string(nil), c.Pipeline.Timeframes...)
	}
	if c.Backtest.Timeframe == "" && len(c.Pipeline.Timeframes) > 0 {
		c.Backtest.Timeframe = c.Pipeline.Timeframes[0]
	}
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (p *PipelineConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("pipeline.trigger_mode", &p.TriggerMode, TriggerInterval),
		fieldDefault{
			key:   "pipeline.timeframes",
			need:  func() bool { return len(p.Timeframes) == 0 },
			apply: func() { p.Timeframes = []string{defaultTimeframe} },
		},
		fieldDefault{
			key:   "pipeline.update_interval",
			need:  func() bool { return p.UpdateIntervalSeconds <= 0 },
			apply: func() { p.UpdateIntervalSeconds = defaultUpdateInterval },
		},
		fieldDefault{
			key:   "pipeline.max_lookback",
			need:  func() bool { return p.MaxLookback <= 0 },
			apply: func() { p.MaxLookback = defaultMaxLookback },
		},
		fieldDefault{
			key:   "pipeline.failure_threshold",
			need:  func() bool { return p.FailureThreshold <= 0 },
			apply: func() { p.FailureThreshold = defaultFailureThreshold },
		},
		fieldDefault{
			key:   "pipeline.failure_cooldown_seconds",
			need:  func() bool { return p.FailureCooldownSeconds <= 0 },
			apply: func() { p.FailureCooldownSeconds = defaultFailureCooldown },
		},
	)
	p.TriggerMode = strings.ToLower(strings.TrimSpace(p.TriggerMode))
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "risk.max_position_size",
			need:  func() bool { return r.MaxPositionSize <= 0 },
			apply: func() { r.MaxPositionSize = defaultMaxPositionSize },
		},
		fieldDefault{
			key:   "risk.max_risk_per_trade",
			need:  func() bool { return r.MaxRiskPerTrade <= 0 },
			apply: func() { r.MaxRiskPerTrade = defaultMaxRiskPerTrade },
		},
		fieldDefault{
			key:   "risk.min_rr_ratio",
			need:  func() bool { return r.MinRRRatio <= 0 },
			apply: func() { r.MinRRRatio = defaultMinRRRatio },
		},
		fieldDefault{
			key:   "risk.portfolio_heat_ceiling",
			need:  func() bool { return r.PortfolioHeatCeiling <= 0 },
			apply: func() { r.PortfolioHeatCeiling = defaultPortfolioHeat },
		},
		fieldDefault{
			key:   "risk.decision_cache_size",
			need:  func() bool { return r.DecisionCacheSize <= 0 },
			apply: func() { r.DecisionCacheSize = defaultDecisionCacheSize },
		},
		boolFieldDefault("risk.rescale_enabled", &r.RescaleEnabled, true),
	)
}

func (s *StrategyConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("strategy.templates_path", &s.TemplatesPath, defaultTemplatesPath),
		boolFieldDefault("strategy.watch", &s.Watch, true),
	)
}

func (b *BusConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "bus.buffer",
			need:  func() bool { return b.Buffer <= 0 },
			apply: func() { b.Buffer = defaultBusBuffer },
		},
		fieldDefault{
			key:   "bus.max_attempts",
			need:  func() bool { return b.MaxAttempts <= 0 },
			apply: func() { b.MaxAttempts = defaultBusMaxAttempts },
		},
		fieldDefault{
			key:   "bus.retry_backoff_ms",
			need:  func() bool { return b.RetryBackoffMillis <= 0 },
			apply: func() { b.RetryBackoffMillis = defaultBusBackoffMillis },
		},
		fieldDefault{
			key:   "bus.drain_timeout_seconds",
			need:  func() bool { return b.DrainTimeoutSeconds <= 0 },
			apply: func() { b.DrainTimeoutSeconds = defaultBusDrainSeconds },
		},
	)
}

// applyIndicatorDefaults 显式写出的指标默认启用，缺省参数沿用默认集合中的值。
func applyIndicatorDefaults(in map[string]IndicatorConfig, keys keySet) map[string]IndicatorConfig {
	defs := defaultIndicators()
	if len(in) == 0 {
		return defs
	}
	out := make(map[string]IndicatorConfig, len(in))
	for rawName, cfg := range in {
		name := strings.ToLower(strings.TrimSpace(rawName))
		if !keys.isSet("indicators." + name + ".enabled") {
			cfg.Enabled = true
		}
		def := defs[name]
		if cfg.Period <= 0 {
			cfg.Period = def.Period
		}
		if len(cfg.Periods) == 0 {
			cfg.Periods = def.Periods
		}
		if cfg.Fast <= 0 {
			cfg.Fast = def.Fast
		}
		if cfg.Slow <= 0 {
			cfg.Slow = def.Slow
		}
		if cfg.Signal <= 0 {
			cfg.Signal = def.Signal
		}
		if cfg.StdDev <= 0 {
			cfg.StdDev = def.StdDev
		}
		if cfg.LookbackPeriod <= 0 {
			cfg.LookbackPeriod = def.LookbackPeriod
		}
		if cfg.Band <= 0 {
			cfg.Band = def.Band
		}
		out[name] = cfg
	}
	return out
}

func applyPatternDefaults(in map[string]PatternConfig, keys keySet) map[string]PatternConfig {
	if len(in) == 0 {
		return defaultPatterns()
	}
	out := make(map[string]PatternConfig, len(in))
	for rawName, cfg := range in {
		name := strings.ToLower(strings.TrimSpace(rawName))
		if !keys.isSet("patterns." + name + ".enabled") {
			cfg.Enabled = true
		}
		out[name] = cfg
	}
	return out
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

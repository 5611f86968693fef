package config

import (
	"strings"
	"time"
)

// Config 是 optionsflow 的主配置载体。
type Config struct {
	App        AppConfig                  `toml:"app"`
	Pipeline   PipelineConfig             `toml:"pipeline"`
	Indicators map[string]IndicatorConfig `toml:"indicators"`
	Patterns   map[string]PatternConfig   `toml:"patterns"`
	Risk       RiskConfig                 `toml:"risk"`
	Strategy   StrategyConfig             `toml:"strategy"`
	Bus        BusConfig                  `toml:"bus"`
	Store      StoreConfig                `toml:"store"`
	Feed       FeedConfig                 `toml:"feed"`
	Backtest   BacktestConfig             `toml:"backtest"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // text | json
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

// PipelineConfig 控制观察器的节奏、窗口与缓存。
type PipelineConfig struct {
	Timeframes             []string `toml:"timeframes"`
	UpdateIntervalSeconds  float64  `toml:"update_interval"`
	TriggerMode            string   `toml:"trigger_mode"` // interval | on_sample
	CacheDurationSeconds   float64  `toml:"cache_duration"`
	MaxLookback            int      `toml:"max_lookback"`
	FailureThreshold       int      `toml:"failure_threshold"`
	FailureCooldownSeconds int      `toml:"failure_cooldown_seconds"`
}

const (
	TriggerInterval = "interval"
	TriggerOnSample = "on_sample"
)

func (p PipelineConfig) UpdateInterval() time.Duration {
	return time.Duration(p.UpdateIntervalSeconds * float64(time.Second))
}

func (p PipelineConfig) CacheDuration() time.Duration {
	return time.Duration(p.CacheDurationSeconds * float64(time.Second))
}

func (p PipelineConfig) FailureCooldown() time.Duration {
	return time.Duration(p.FailureCooldownSeconds) * time.Second
}

// IndicatorConfig 单个指标的开关与参数，未使用的字段被忽略。
type IndicatorConfig struct {
	Enabled        bool    `toml:"enabled"`
	Period         int     `toml:"period"`
	Periods        []int   `toml:"periods"` // sma / ema 多周期
	Fast           int     `toml:"fast"`
	Slow           int     `toml:"slow"`
	Signal         int     `toml:"signal"`
	StdDev         float64 `toml:"std_dev"`
	LookbackPeriod int     `toml:"lookback_period"` // iv_rank / iv_percentile
	Band           float64 `toml:"band"`            // skew
}

// PatternConfig 单个识别器的开关与阈值。
type PatternConfig struct {
	Enabled            bool      `toml:"enabled"`
	ConfidenceFloor    float64   `toml:"confidence_floor"`
	MinPatternLength   int       `toml:"min_pattern_length"`
	VolumeThreshold    float64   `toml:"volume_threshold"`
	AvgPeriod          int       `toml:"avg_period"`
	ConfirmBars        int       `toml:"confirm_bars"`
	ScanBars           int       `toml:"scan_bars"`
	Threshold          float64   `toml:"threshold"` // liquidation_levels, USD
	Leverages          []float64 `toml:"leverages"`
	BucketPct          float64   `toml:"bucket_pct"`
	Nodes              int       `toml:"nodes"`
	ValueAreaPct       float64   `toml:"value_area_pct"`
	VolWindow          int       `toml:"vol_window"`
	TrendWindow        int       `toml:"trend_window"`
	TrendSlope         float64   `toml:"trend_slope"`
	MajorEventMultiple float64   `toml:"major_event_multiple"`
}

// RiskConfig 风控硬限制。比例均为 0~1 的小数。
type RiskConfig struct {
	MaxPositionSize      float64 `toml:"max_position_size"`
	MaxRiskPerTrade      float64 `toml:"max_risk_per_trade"`
	MinRRRatio           float64 `toml:"min_rr_ratio"`
	PortfolioHeatCeiling float64 `toml:"portfolio_heat_ceiling"`
	RescaleEnabled       bool    `toml:"rescale_enabled"`
	DecisionCacheSize    int     `toml:"decision_cache_size"`
}

type StrategyConfig struct {
	TemplatesPath string `toml:"templates_path"`
	Watch         bool   `toml:"watch"`
}

// BusConfig 每条 lane 的缓冲、重投与排空参数。
type BusConfig struct {
	Buffer              int `toml:"buffer"`
	MaxAttempts         int `toml:"max_attempts"`
	RetryBackoffMillis  int `toml:"retry_backoff_ms"`
	DrainTimeoutSeconds int `toml:"drain_timeout_seconds"`
}

func (b BusConfig) RetryBackoff() time.Duration {
	return time.Duration(b.RetryBackoffMillis) * time.Millisecond
}

func (b BusConfig) DrainTimeout() time.Duration {
	return time.Duration(b.DrainTimeoutSeconds) * time.Second
}

type StoreConfig struct {
	Path string `toml:"path"`
}

// FeedConfig 行情输入：JSON Lines 文件/stdin（path 为 "-"）、websocket（url）与 Binance 合约 K 线。
type FeedConfig struct {
	Sources []FeedSource      `toml:"sources"`
	Binance BinanceFeedConfig `toml:"binance"`
}

type BinanceFeedConfig struct {
	Enabled            bool     `toml:"enabled"`
	Symbols            []string `toml:"symbols"`
	Intervals          []string `toml:"intervals"`
	Backfill           int      `toml:"backfill"`
	RESTBaseURL        string   `toml:"rest_base_url"`
	HTTPTimeoutSeconds int      `toml:"http_timeout_seconds"`
}

func (b BinanceFeedConfig) HTTPTimeout() time.Duration {
	return time.Duration(b.HTTPTimeoutSeconds) * time.Second
}

type FeedSource struct {
	Name     string `toml:"name"`
	Path     string `toml:"path"`
	URL      string `toml:"url"`
	Disabled bool   `toml:"disabled"`
}

// BacktestConfig 样本库位于 data_dir（每个 instrument@timeframe 一个 sqlite 文件）。
// enabled 时从样本库回放代替实时输入；record 为 true 时实时样本同时写入样本库。
type BacktestConfig struct {
	Enabled     bool     `toml:"enabled"`
	Record      bool     `toml:"record"`
	DataDir     string   `toml:"data_dir"`
	Instruments []string `toml:"instruments"`
	Timeframe   string   `toml:"timeframe"`
	StartMillis int64    `toml:"start"`
	EndMillis   int64    `toml:"end"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

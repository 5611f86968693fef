package market

import (
	"math"
	"strings"
	"time"
)

// OptionKind 期权类型。
type OptionKind string

const (
	OptionCall OptionKind = "call"
	OptionPut  OptionKind = "put"
)

// OptionContract 单个期权合约的快照。
type OptionContract struct {
	Strike       float64    `json:"strike"`
	Expiry       time.Time  `json:"expiry"`
	Kind         OptionKind `json:"kind"`
	IV           float64    `json:"iv"`
	Gamma        float64    `json:"gamma"`
	OpenInterest float64    `json:"open_interest"`
	Volume       float64    `json:"volume"`
}

// ExpiryIV 某个到期日的平值隐含波动率。
type ExpiryIV struct {
	Expiry       time.Time `json:"expiry"`
	DaysToExpiry int       `json:"days_to_expiry"`
	ATMIV        float64   `json:"atm_iv"`
}

// OptionsChain 随样本一起到达的期权链快照，IV 以百分比表示。
type OptionsChain struct {
	ATMIV     float64          `json:"atm_iv"`
	Expiries  []ExpiryIV       `json:"expiries,omitempty"`
	Contracts []OptionContract `json:"contracts,omitempty"`
}

// Sample 是一个 (instrument,timeframe) 数据流上的单个观测。
// 数值字段缺失时为 NaN。
type Sample struct {
	Instrument   string        `json:"instrument" validate:"required"`
	Timeframe    string        `json:"timeframe" validate:"required"`
	Timestamp    time.Time     `json:"timestamp" validate:"required"`
	Open         float64       `json:"open" validate:"gt=0"`
	High         float64       `json:"high" validate:"gt=0"`
	Low          float64       `json:"low" validate:"gt=0"`
	Close        float64       `json:"close" validate:"gt=0"`
	Volume       float64       `json:"volume" validate:"gte=0"`
	OpenInterest float64       `json:"open_interest"`
	Options      *OptionsChain `json:"options,omitempty"`
}

// StreamKey 唯一标识一个数据流。
type StreamKey struct {
	Instrument string
	Timeframe  string
}

func (k StreamKey) String() string {
	return k.Instrument + "@" + k.Timeframe
}

// Key 返回样本所属数据流。
func (s Sample) Key() StreamKey {
	return StreamKey{Instrument: s.Instrument, Timeframe: s.Timeframe}
}

// HasOptions 样本是否携带可用的期权数据。
func (s Sample) HasOptions() bool {
	return s.Options != nil && s.Options.ATMIV > 0 && !math.IsNaN(s.Options.ATMIV)
}

// TypicalPrice (H+L+C)/3。
func (s Sample) TypicalPrice() float64 {
	return (s.High + s.Low + s.Close) / 3
}

// Bullish 收盘高于开盘。
func (s Sample) Bullish() bool {
	return s.Close > s.Open
}

// NormalizeTimeframe 统一周期写法（小写、去空白）。
func NormalizeTimeframe(tf string) string {
	return strings.ToLower(strings.TrimSpace(tf))
}

package market

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"optionsflow/internal/pkg/symbol"
)

// DecodeSample 将一行 JSON 解析为 Sample，缺失的数值字段记为 NaN，交由 Validate 判定。
func DecodeSample(raw []byte) (Sample, error) {
	if !gjson.ValidBytes(raw) {
		return Sample{}, fmt.Errorf("invalid json sample")
	}
	doc := gjson.ParseBytes(raw)
	s := Sample{
		Instrument:   symbol.Normalize(doc.Get("instrument").String()),
		Timeframe:    NormalizeTimeframe(doc.Get("timeframe").String()),
		Timestamp:    parseTimestamp(doc.Get("timestamp")),
		Open:         floatOrNaN(doc.Get("open")),
		High:         floatOrNaN(doc.Get("high")),
		Low:          floatOrNaN(doc.Get("low")),
		Close:        floatOrNaN(doc.Get("close")),
		Volume:       floatOrNaN(doc.Get("volume")),
		OpenInterest: doc.Get("open_interest").Float(),
	}
	if opts := doc.Get("options"); opts.Exists() && opts.IsObject() {
		s.Options = decodeOptions(opts)
	}
	return s, nil
}

func decodeOptions(node gjson.Result) *OptionsChain {
	chain := &OptionsChain{ATMIV: floatOrNaN(node.Get("atm_iv"))}
	node.Get("expiries").ForEach(func(_, v gjson.Result) bool {
		chain.Expiries = append(chain.Expiries, ExpiryIV{
			Expiry:       parseTimestamp(v.Get("expiry")),
			DaysToExpiry: int(v.Get("days_to_expiry").Int()),
			ATMIV:        v.Get("atm_iv").Float(),
		})
		return true
	})
	node.Get("contracts").ForEach(func(_, v gjson.Result) bool {
		kind := OptionKind(strings.ToLower(strings.TrimSpace(v.Get("kind").String())))
		if kind != OptionCall && kind != OptionPut {
			return true
		}
		chain.Contracts = append(chain.Contracts, OptionContract{
			Strike:       v.Get("strike").Float(),
			Expiry:       parseTimestamp(v.Get("expiry")),
			Kind:         kind,
			IV:           v.Get("iv").Float(),
			Gamma:        v.Get("gamma").Float(),
			OpenInterest: v.Get("open_interest").Float(),
			Volume:       v.Get("volume").Float(),
		})
		return true
	})
	return chain
}

func floatOrNaN(v gjson.Result) float64 {
	if !v.Exists() || v.Type == gjson.Null {
		return math.NaN()
	}
	if v.Type == gjson.String && strings.TrimSpace(v.Str) == "" {
		return math.NaN()
	}
	return v.Float()
}

// parseTimestamp 支持 RFC3339 字符串、秒或毫秒时间戳。
func parseTimestamp(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		n := v.Int()
		if n <= 0 {
			return time.Time{}
		}
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	case gjson.String:
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(v.Str))
		if err != nil {
			return time.Time{}
		}
		return ts.UTC()
	default:
		return time.Time{}
	}
}

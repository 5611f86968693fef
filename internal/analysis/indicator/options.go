package indicator

import (
	"math"
	"sort"
	"strconv"

	"optionsflow/internal/market"
)

type optionsIndicator struct {
	name     string
	lookback int
	compute  func(snap market.Snapshot) (float64, map[string]float64, bool)
}

func (o *optionsIndicator) Name() string          { return o.name }
func (o *optionsIndicator) Lookback() int         { return o.lookback }
func (o *optionsIndicator) RequiresOptions() bool { return true }
func (o *optionsIndicator) Neutral() float64      { return 0 }
func (o *optionsIndicator) Compute(snap market.Snapshot) (float64, map[string]float64, bool) {
	return o.compute(snap)
}

// ivPopulation 取最近 lookback 个平值 IV（含当前值），当前值在末尾。
func ivPopulation(snap market.Snapshot, lookback int) []float64 {
	samples := snap.OptionsSamples()
	if len(samples) > lookback {
		samples = samples[len(samples)-lookback:]
	}
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Options.ATMIV
	}
	return out
}

// NewIVRank 当前 IV 在回看分布中的包含式排名：100 * #(v <= cur) / N。
func NewIVRank(lookback int) Indicator {
	lookback = positive(lookback, 252)
	return &optionsIndicator{
		name:     "iv_rank",
		lookback: lookback,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			pop := ivPopulation(snap, lookback)
			cur := pop[len(pop)-1]
			var le int
			lo, hi := math.Inf(1), math.Inf(-1)
			for _, v := range pop {
				if v <= cur {
					le++
				}
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
			return 100 * float64(le) / float64(len(pop)), map[string]float64{
				"current": cur, "low": lo, "high": hi,
			}, true
		},
	}
}

// NewIVPercentile 回看分布中严格低于当前 IV 的占比：100 * #(v < cur) / N。
func NewIVPercentile(lookback int) Indicator {
	lookback = positive(lookback, 252)
	return &optionsIndicator{
		name:     "iv_percentile",
		lookback: lookback,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			pop := ivPopulation(snap, lookback)
			cur := pop[len(pop)-1]
			var lt int
			for _, v := range pop {
				if v < cur {
					lt++
				}
			}
			return 100 * float64(lt) / float64(len(pop)), map[string]float64{"current": cur}, true
		},
	}
}

// NewTermStructure 远月减近月平值 IV，正值为 contango。
func NewTermStructure() Indicator {
	return &optionsIndicator{
		name:     "term_structure",
		lookback: 1,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			chain, _, ok := snap.LatestOptions()
			if !ok || len(chain.Expiries) < 2 {
				return 0, nil, false
			}
			exp := append([]market.ExpiryIV(nil), chain.Expiries...)
			sort.Slice(exp, func(i, j int) bool { return exp[i].DaysToExpiry < exp[j].DaysToExpiry })
			payload := make(map[string]float64, len(exp))
			for _, e := range exp {
				payload[strconv.Itoa(e.DaysToExpiry)+"d"] = e.ATMIV
			}
			return exp[len(exp)-1].ATMIV - exp[0].ATMIV, payload, true
		},
	}
}

// NewSkew 虚值看跌与虚值看涨平均 IV 之差（价内外 band 内）。
func NewSkew(band float64) Indicator {
	if band <= 0 {
		band = 0.2
	}
	return &optionsIndicator{
		name:     "skew",
		lookback: 1,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			chain, s, ok := snap.LatestOptions()
			if !ok || s.Close <= 0 {
				return 0, nil, false
			}
			spot := s.Close
			var putSum, callSum float64
			var putN, callN int
			for _, c := range chain.Contracts {
				if c.IV <= 0 {
					continue
				}
				m := c.Strike / spot
				switch {
				case c.Kind == market.OptionPut && m < 1 && m >= 1-band:
					putSum += c.IV
					putN++
				case c.Kind == market.OptionCall && m > 1 && m <= 1+band:
					callSum += c.IV
					callN++
				}
			}
			if putN == 0 || callN == 0 {
				return 0, nil, false
			}
			put, call := putSum/float64(putN), callSum/float64(callN)
			return put - call, map[string]float64{"put_iv": put, "call_iv": call}, true
		},
	}
}

// NewGammaExposure 做市商视角的 gamma 敞口（看涨为正、看跌为负），按 1% 价格变动计。
func NewGammaExposure() Indicator {
	return &optionsIndicator{
		name:     "gamma_exposure",
		lookback: 1,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			chain, s, ok := snap.LatestOptions()
			if !ok || len(chain.Contracts) == 0 {
				return 0, nil, false
			}
			scale := s.Close * s.Close * 0.01
			var calls, puts float64
			for _, c := range chain.Contracts {
				g := c.Gamma * c.OpenInterest * scale
				if c.Kind == market.OptionCall {
					calls += g
				} else {
					puts += g
				}
			}
			return calls - puts, map[string]float64{"calls": calls, "puts": puts}, true
		},
	}
}

// NewPutCallRatio 以看跌成交占比表示（0-100），payload.ratio 为原始 P/C。
// 无成交量时退回持仓量。
func NewPutCallRatio() Indicator {
	return &optionsIndicator{
		name:     "put_call_ratio",
		lookback: 1,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			chain, _, ok := snap.LatestOptions()
			if !ok {
				return 0, nil, false
			}
			puts, calls := sumByKind(chain.Contracts, func(c market.OptionContract) float64 { return c.Volume })
			basis := 0.0
			if puts+calls == 0 {
				puts, calls = sumByKind(chain.Contracts, func(c market.OptionContract) float64 { return c.OpenInterest })
				basis = 1
			}
			if puts+calls == 0 {
				return 0, nil, false
			}
			payload := map[string]float64{"puts": puts, "calls": calls, "oi_basis": basis}
			if calls > 0 {
				payload["ratio"] = round4(puts / calls)
			}
			return 100 * puts / (puts + calls), payload, true
		},
	}
}

// NewOpenInterest 期权链总持仓量。
func NewOpenInterest() Indicator {
	return &optionsIndicator{
		name:     "open_interest",
		lookback: 1,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			chain, _, ok := snap.LatestOptions()
			if !ok || len(chain.Contracts) == 0 {
				return 0, nil, false
			}
			puts, calls := sumByKind(chain.Contracts, func(c market.OptionContract) float64 { return c.OpenInterest })
			byStrike := make(map[float64]float64)
			for _, c := range chain.Contracts {
				byStrike[c.Strike] += c.OpenInterest
			}
			var topStrike, topOI float64
			for k, v := range byStrike {
				if v > topOI || (v == topOI && k < topStrike) {
					topStrike, topOI = k, v
				}
			}
			return puts + calls, map[string]float64{
				"calls": calls, "puts": puts, "max_oi_strike": topStrike,
			}, true
		},
	}
}

// NewMaxPain 使期权买方总内在价值最小的行权价；并列时取较低行权价。
func NewMaxPain() Indicator {
	return &optionsIndicator{
		name:     "max_pain",
		lookback: 1,
		compute: func(snap market.Snapshot) (float64, map[string]float64, bool) {
			chain, s, ok := snap.LatestOptions()
			if !ok || len(chain.Contracts) == 0 {
				return 0, nil, false
			}
			strikes := uniqueStrikes(chain.Contracts)
			best, bestPain := strikes[0], math.Inf(1)
			for _, k := range strikes {
				var pain float64
				for _, c := range chain.Contracts {
					switch c.Kind {
					case market.OptionCall:
						pain += c.OpenInterest * math.Max(0, k-c.Strike)
					case market.OptionPut:
						pain += c.OpenInterest * math.Max(0, c.Strike-k)
					}
				}
				if pain < bestPain {
					best, bestPain = k, pain
				}
			}
			payload := map[string]float64{"total_pain": bestPain}
			if s.Close > 0 {
				payload["distance_pct"] = round4((best - s.Close) / s.Close * 100)
			}
			return best, payload, true
		},
	}
}

func sumByKind(contracts []market.OptionContract, field func(market.OptionContract) float64) (puts, calls float64) {
	for _, c := range contracts {
		if c.Kind == market.OptionPut {
			puts += field(c)
		} else {
			calls += field(c)
		}
	}
	return
}

func uniqueStrikes(contracts []market.OptionContract) []float64 {
	seen := make(map[float64]bool, len(contracts))
	out := make([]float64, 0, len(contracts))
	for _, c := range contracts {
		if !seen[c.Strike] {
			seen[c.Strike] = true
			out = append(out, c.Strike)
		}
	}
	sort.Float64s(out)
	return out
}

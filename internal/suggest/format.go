package suggest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"optionsflow/internal/types"
)

//go:embed suggestion.schema.json
var suggestionSchema string

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

// Format 把已批准的风控决策整理成对外建议。纯函数，id 与 now 由调用方提供。
func Format(d types.RiskDecision, id string, now time.Time) types.TradeSuggestion {
	c := d.Candidate
	return types.TradeSuggestion{
		ID:          id,
		Timestamp:   now.UTC(),
		Type:        c.Type,
		Instrument:  c.Instrument,
		Timeframe:   c.Timeframe,
		Direction:   c.Direction,
		Confidence:  c.Confidence,
		CandidateID: c.ID,
		Outcome:     d.Outcome,
		Entry: types.PriceLevel{
			Price:     c.Entry,
			Rationale: entryRationale(c),
		},
		Exit: types.ExitLevels{
			TakeProfit: c.TakeProfit,
			StopLoss:   c.StopLoss,
			Rationale:  exitRationale(d),
		},
		RiskMetrics: types.RiskMetrics{
			PositionSize: d.ApprovedSize,
			RiskAmount:   d.RiskAmount,
			RiskReward:   d.RiskReward,
		},
		IndicatorsTriggered: triggerLabels(c.Triggers),
	}
}

func triggerLabels(triggers []types.Trigger) []string {
	out := make([]string, 0, len(triggers))
	seen := make(map[string]struct{}, len(triggers))
	for _, t := range triggers {
		label := t.Label()
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	return out
}

// entryRationale 例如 "oversold_bounce long 1h: rsi_14=25.0000 (0.75), pattern:wyckoff_spring (0.90)"。
func entryRationale(c types.CandidateStrategy) string {
	parts := make([]string, 0, len(c.Triggers))
	for _, t := range c.Triggers {
		if t.Kind == "pattern" {
			parts = append(parts, fmt.Sprintf("%s (%.2f)", t.Label(), t.Strength))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%.4f (%.2f)", t.Label(), t.Value, t.Strength))
	}
	head := fmt.Sprintf("%s %s %s", c.Type, c.Direction, c.Timeframe)
	if len(parts) == 0 {
		return head
	}
	return head + ": " + strings.Join(parts, ", ")
}

func exitRationale(d types.RiskDecision) string {
	c := d.Candidate
	msg := fmt.Sprintf("stop %.8g / target %.8g, rr %.2f, risk %.4f%% of portfolio",
		c.StopLoss, c.TakeProfit, d.RiskReward, d.RiskFraction*100)
	if d.Outcome == types.OutcomeRescaled && len(d.Reasons) > 0 {
		codes := make([]string, 0, len(d.Reasons))
		for _, r := range d.Reasons {
			codes = append(codes, string(r))
		}
		msg += fmt.Sprintf("; size %.8g -> %.8g (%s)", c.PositionSize, d.ApprovedSize, strings.Join(codes, ","))
	}
	return msg
}

// Validate 按内置 JSON Schema 校验建议。
func Validate(s types.TradeSuggestion) error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		if err := compiler.AddResource("suggestion.schema.json", strings.NewReader(suggestionSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("suggestion.schema.json")
	})
	if schemaErr != nil {
		return fmt.Errorf("compile suggestion schema: %w", schemaErr)
	}
	buf, err := json.Marshal(s)
	if err != nil {
		return err
	}
	var inst any
	if err := json.Unmarshal(buf, &inst); err != nil {
		return err
	}
	return schemaCompiled.Validate(inst)
}

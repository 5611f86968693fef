package market

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"optionsflow/internal/types"
)

var sampleValidator = newSampleValidator()

func newSampleValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(sampleStructLevel, Sample{})
	return v
}

func sampleStructLevel(sl validator.StructLevel) {
	s := sl.Current().Interface().(Sample)
	for name, val := range map[string]float64{
		"Open": s.Open, "High": s.High, "Low": s.Low, "Close": s.Close, "Volume": s.Volume,
	} {
		if math.IsInf(val, 0) {
			sl.ReportError(val, name, name, "finite", "")
		}
	}
	if s.High < s.Low {
		sl.ReportError(s.High, "High", "High", "gtefield", "Low")
	}
}

// Validate 检查样本是否完整，失败时返回包裹 ErrIncompleteSample 的 SampleError。
func Validate(s Sample) error {
	err := sampleValidator.Struct(s)
	if err == nil {
		return nil
	}
	return &types.SampleError{
		Instrument: s.Instrument,
		Timeframe:  s.Timeframe,
		Reason:     describeValidation(err),
		Err:        types.ErrIncompleteSample,
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s:%s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fe.Field()+":"+fe.Tag())
	}
	return strings.Join(parts, ",")
}

package types

import (
	"errors"
	"fmt"
)

// 管道内统一使用的哨兵错误，调用方通过 errors.Is 判断类别。
var (
	ErrOutOfOrderSample     = errors.New("out of order sample")
	ErrIncompleteSample     = errors.New("incomplete sample")
	ErrInsufficientLookback = errors.New("insufficient lookback")
	ErrComputationTimeout   = errors.New("computation timeout")
	ErrRiskLimitBreach      = errors.New("risk limit breach")
	ErrLedgerInconsistency  = errors.New("ledger inconsistency")
)

// SampleError 记录被丢弃样本的上下文。
type SampleError struct {
	Instrument string
	Timeframe  string
	Reason     string
	Err        error
}

func (e *SampleError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s@%s", e.Instrument, e.Timeframe)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *SampleError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LedgerError 描述某个品种账本的不一致。
type LedgerError struct {
	Instrument string
	Detail     string
}

func (e *LedgerError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %s", ErrLedgerInconsistency.Error(), e.Instrument, e.Detail)
}

func (e *LedgerError) Unwrap() error { return ErrLedgerInconsistency }

package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies exchange failures into the dispositions the
// scheduler acts on. Expected conditions (balance, notional bounds) are
// values, not exceptions.
type ErrorKind string

const (
	// ErrInsufficientBalance - balance too small for the order, even
	// after the adapter's own downscale retries.
	ErrInsufficientBalance ErrorKind = "insufficient_balance"
	// ErrNotionalAboveMax - order larger than the per-asset exchange bound.
	ErrNotionalAboveMax ErrorKind = "notional_above_max"
	// ErrNotionalBelowMin - order below the exchange minimum.
	ErrNotionalBelowMin ErrorKind = "notional_below_min"
	// ErrTransient - network failure or 5xx; retryable on a later tick.
	ErrTransient ErrorKind = "transient"
	// ErrFatal - authentication or malformed request; not retryable.
	ErrFatal ErrorKind = "fatal"
)

// ExchangeError is the adapter-boundary error type. Callers switch on
// Kind rather than parsing messages.
type ExchangeError struct {
	Kind ErrorKind
	Code string // exchange error code, when one was returned
	Msg  string
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange error [%s] code=%s: %s", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("exchange error [%s]: %s", e.Kind, e.Msg)
}

// NewExchangeError builds an ExchangeError.
func NewExchangeError(kind ErrorKind, code, msg string) *ExchangeError {
	return &ExchangeError{Kind: kind, Code: code, Msg: msg}
}

// ExchangeErrorKind extracts the kind from an error chain; ok is false
// when the error is not an ExchangeError.
func ExchangeErrorKind(err error) (ErrorKind, bool) {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return "", false
}

// ErrPriceUnavailable is returned when neither a trade print nor a
// ticker close yields a positive price.
var ErrPriceUnavailable = errors.New("price unavailable")

// ErrHistoryUnavailable is returned when BTC price history cannot be
// fetched and no sufficiently fresh cached MA exists.
var ErrHistoryUnavailable = errors.New("price history unavailable")

// ErrNoActiveSchedule is returned by schedule lookups when no schedule
// is currently active.
var ErrNoActiveSchedule = errors.New("no active schedule")

// SchedulerFatalError halts the coordinator; operator action required.
// Store write failures and fatal exchange errors surface as this type.
type SchedulerFatalError struct {
	Op  string
	Err error
}

func (e *SchedulerFatalError) Error() string {
	return fmt.Sprintf("scheduler fatal during %s: %v", e.Op, e.Err)
}

func (e *SchedulerFatalError) Unwrap() error {
	return e.Err
}

// NewSchedulerFatal wraps err as a fatal scheduler condition.
func NewSchedulerFatal(op string, err error) *SchedulerFatalError {
	return &SchedulerFatalError{Op: op, Err: err}
}

// IsSchedulerFatal reports whether the error chain contains a fatal
// scheduler condition.
func IsSchedulerFatal(err error) bool {
	var sf *SchedulerFatalError
	return errors.As(err, &sf)
}

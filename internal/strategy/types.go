package strategy

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

type State string

type Event string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
)

const (
	EventStart Event = "START"
	EventStop  Event = "STOP"
)

type ActionKind string

const (
	ActionNone          ActionKind = "no_action"
	ActionPlaceMinShort ActionKind = "place_min_short"
	ActionPlaceMaxShort ActionKind = "place_max_short"
	ActionIncreaseShort ActionKind = "increase_short"
	ActionDecreaseShort ActionKind = "decrease_short"
)

var (
	ErrInvalidDeviation     = errors.New("deviation must be > 0")
	ErrPollIntervalTooShort = errors.New("poll interval below minimum")
)

// PoolSnapshot is one read of the LP position. Fees are informational.
type PoolSnapshot struct {
	Liquidity   *big.Int
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	BaseFees    decimal.Decimal
	QuoteFees   decimal.Decimal
}

type Oracle interface {
	Snapshot(ctx context.Context) (PoolSnapshot, error)
}

// Action is the outcome of one decision. PreviousReference is the hedge
// reference before the decision and BaseAmount the observed pool base.
// Deviation is the threshold in force when the decision was made.
type Action struct {
	Kind              ActionKind
	PreviousReference decimal.Decimal
	BaseAmount        decimal.Decimal
	QuoteAmount       decimal.Decimal
	Delta             decimal.Decimal
	Deviation         decimal.Decimal
}

func (a Action) IsNoop() bool {
	return a.Kind == "" || a.Kind == ActionNone
}

type Params struct {
	Deviation    decimal.Decimal
	PollInterval time.Duration
}

// Thresholds are fixed for the process lifetime.
type Thresholds struct {
	MinBaseAmount   decimal.Decimal
	MinQuoteAmount  decimal.Decimal
	MinPollInterval time.Duration
}

// OracleError reports a failed pool read. The decision that hit it changed
// nothing.
type OracleError struct {
	Err error
}

func (e *OracleError) Error() string {
	if e == nil || e.Err == nil {
		return "oracle error"
	}
	return "oracle error: " + e.Err.Error()
}

func (e *OracleError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

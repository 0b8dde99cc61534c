package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine compares the pool base amount against the last hedge reference and
// classifies the adjustment to make. Parameter setters may be called from
// other goroutines; new values apply to the next decision.
type Engine struct {
	oracle     Oracle
	thresholds Thresholds
	log        *zap.Logger

	mu        sync.Mutex
	params    Params
	reference decimal.Decimal
}

// NewEngine seeds the reference from a live oracle read. A failed read
// leaves the reference at zero.
func NewEngine(ctx context.Context, oracle Oracle, params Params, thresholds Thresholds, log *zap.Logger) (*Engine, error) {
	if oracle == nil {
		return nil, fmt.Errorf("oracle is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if !params.Deviation.IsPositive() {
		return nil, ErrInvalidDeviation
	}
	if params.PollInterval < thresholds.MinPollInterval {
		return nil, fmt.Errorf("%w: %s < %s", ErrPollIntervalTooShort, params.PollInterval, thresholds.MinPollInterval)
	}
	e := &Engine{
		oracle:     oracle,
		thresholds: thresholds,
		params:     params,
		reference:  decimal.Zero,
		log:        log,
	}
	snap, err := oracle.Snapshot(ctx)
	if err != nil {
		log.Warn("initial pool read failed; hedge reference starts at zero", zap.Error(err))
		return e, nil
	}
	e.reference = snap.BaseAmount
	log.Info("hedge reference initialized", zap.String("reference", e.reference.String()))
	return e, nil
}

// Decide reads the pool and returns the hedge action. On an oracle failure
// it returns *OracleError and leaves the reference untouched.
func (e *Engine) Decide(ctx context.Context) (Action, error) {
	snap, err := e.oracle.Snapshot(ctx)
	if err != nil {
		return Action{Kind: ActionNone}, &OracleError{Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.reference
	action := Action{
		Kind:              ActionNone,
		PreviousReference: prev,
		BaseAmount:        snap.BaseAmount,
		QuoteAmount:       snap.QuoteAmount,
		Delta:             snap.BaseAmount.Sub(prev),
		Deviation:         e.params.Deviation,
	}
	switch {
	case snap.BaseAmount.LessThan(e.thresholds.MinBaseAmount):
		action.Kind = ActionPlaceMinShort
	case snap.QuoteAmount.LessThan(e.thresholds.MinQuoteAmount):
		action.Kind = ActionPlaceMaxShort
	default:
		diff := prev.Sub(snap.BaseAmount)
		if diff.Abs().LessThanOrEqual(e.params.Deviation) {
			return action, nil
		}
		if diff.IsPositive() {
			action.Kind = ActionDecreaseShort
		} else {
			action.Kind = ActionIncreaseShort
		}
	}
	e.reference = snap.BaseAmount
	e.log.Info("hedge decision",
		zap.String("action", string(action.Kind)),
		zap.String("previous_reference", prev.String()),
		zap.String("base", snap.BaseAmount.String()),
		zap.String("quote", snap.QuoteAmount.String()),
	)
	return action, nil
}

// Snapshot reads the pool without touching engine state.
func (e *Engine) Snapshot(ctx context.Context) (PoolSnapshot, error) {
	snap, err := e.oracle.Snapshot(ctx)
	if err != nil {
		return PoolSnapshot{}, &OracleError{Err: err}
	}
	return snap, nil
}

func (e *Engine) Reference() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reference
}

func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

func (e *Engine) SetDeviation(deviation decimal.Decimal) error {
	if !deviation.IsPositive() {
		return ErrInvalidDeviation
	}
	e.mu.Lock()
	e.params.Deviation = deviation
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetPollInterval(interval time.Duration) error {
	if interval < e.thresholds.MinPollInterval {
		return fmt.Errorf("%w: %s < %s", ErrPollIntervalTooShort, interval, e.thresholds.MinPollInterval)
	}
	e.mu.Lock()
	e.params.PollInterval = interval
	e.mu.Unlock()
	return nil
}

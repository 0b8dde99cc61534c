package exec

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lp-hedge-bot/internal/state"
	"lp-hedge-bot/internal/strategy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	SizingQuantized = "quantized"
	SizingExact     = "exact"

	OrderKeyPrefix = "exec:order:"
)

var (
	ErrNoPosition   = errors.New("no open position to cover")
	ErrInvalidPrice = errors.New("invalid mid price")
)

type Order struct {
	Coin          string          `json:"coin"`
	IsBuy         bool            `json:"is_buy"`
	Size          decimal.Decimal `json:"size"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	ReduceOnly    bool            `json:"reduce_only"`
	ClientOrderID string          `json:"cloid"`
}

// Position is the account's perp position. Size is signed; shorts are
// negative.
type Position struct {
	Coin       string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

type Fill struct {
	TotalSize decimal.Decimal `json:"total_size"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	OrderID   int64           `json:"oid,omitempty"`
}

// OrderResult is the venue's answer to one order submission.
type OrderResult struct {
	Status    string
	Filled    *Fill
	RestingID int64
	Error     string
	Raw       string
}

type Gateway interface {
	Mid(ctx context.Context, coin string) (decimal.Decimal, error)
	Position(ctx context.Context, coin string) (Position, bool, error)
	PlaceOrder(ctx context.Context, order Order) (OrderResult, error)
}

type Receipt struct {
	Action      strategy.ActionKind `json:"action"`
	Order       Order               `json:"order"`
	MidPrice    decimal.Decimal     `json:"mid_price"`
	Status      string              `json:"status"`
	Fill        *Fill               `json:"fill,omitempty"`
	RestingID   int64               `json:"resting_oid,omitempty"`
	SubmittedAt time.Time           `json:"submitted_at"`
}

// ExecutionError carries the operation and the raw venue diagnostic.
type ExecutionError struct {
	Op  string
	Raw string
	Err error
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return "execution error"
	}
	msg := "execution error"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Raw != "" {
		msg += " (" + e.Raw + ")"
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type Settings struct {
	Coin           string
	MinNotionalUSD decimal.Decimal
	MinShortSize   decimal.Decimal
	SizeDecimals   int32
	PriceDecimals  int32
	Slippage       decimal.Decimal
	SizingMode     string
}

// Executor turns hedge actions into IOC limit orders. Orders are never
// retried: a failed submission is reported and left to the next tick.
type Executor struct {
	gateway  Gateway
	store    state.Store
	settings Settings
	log      *zap.Logger
	newCloid func() string
	now      func() time.Time
}

func New(gateway Gateway, store state.Store, settings Settings, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if settings.SizingMode == "" {
		settings.SizingMode = SizingQuantized
	}
	return &Executor{
		gateway:  gateway,
		store:    store,
		settings: settings,
		log:      log,
		newCloid: newCloid,
		now:      time.Now,
	}
}

func (e *Executor) Settings() Settings {
	return e.settings
}

func (e *Executor) Execute(ctx context.Context, action strategy.Action) (Receipt, error) {
	switch action.Kind {
	case strategy.ActionPlaceMinShort:
		return e.PlaceMinShort(ctx)
	case strategy.ActionPlaceMaxShort:
		return e.PlaceMaxShort(ctx, action.BaseAmount)
	case strategy.ActionIncreaseShort:
		return e.IncreaseShort(ctx, action)
	case strategy.ActionDecreaseShort:
		return e.DecreaseShort(ctx, action)
	case strategy.ActionNone, "":
		return Receipt{Action: strategy.ActionNone}, nil
	default:
		return Receipt{}, &ExecutionError{Op: string(action.Kind), Err: fmt.Errorf("unknown action %q", action.Kind)}
	}
}

// PlaceMinShort covers the short down to the minimal residual size.
func (e *Executor) PlaceMinShort(ctx context.Context) (Receipt, error) {
	op := string(strategy.ActionPlaceMinShort)
	mid, err := e.mid(ctx, op)
	if err != nil {
		return Receipt{}, err
	}
	pos, ok, err := e.gateway.Position(ctx, e.settings.Coin)
	if err != nil {
		return Receipt{}, &ExecutionError{Op: op, Err: fmt.Errorf("position: %w", err)}
	}
	if !ok || pos.Size.IsZero() {
		return Receipt{}, &ExecutionError{Op: op, Err: ErrNoPosition}
	}
	current := pos.Size.Abs()
	size := e.floorSize(mid, current.Sub(e.settings.MinShortSize).Round(e.settings.SizeDecimals))
	return e.submit(ctx, strategy.ActionPlaceMinShort, mid, true, size, true)
}

// PlaceMaxShort grows the short to cover reference base units.
func (e *Executor) PlaceMaxShort(ctx context.Context, reference decimal.Decimal) (Receipt, error) {
	op := string(strategy.ActionPlaceMaxShort)
	mid, err := e.mid(ctx, op)
	if err != nil {
		return Receipt{}, err
	}
	pos, ok, err := e.gateway.Position(ctx, e.settings.Coin)
	if err != nil {
		return Receipt{}, &ExecutionError{Op: op, Err: fmt.Errorf("position: %w", err)}
	}
	current := decimal.Zero
	if ok {
		current = pos.Size.Abs()
	}
	size := e.floorSize(mid, reference.Sub(current).Round(e.settings.SizeDecimals))
	return e.submit(ctx, strategy.ActionPlaceMaxShort, mid, false, size, false)
}

func (e *Executor) IncreaseShort(ctx context.Context, action strategy.Action) (Receipt, error) {
	mid, err := e.mid(ctx, string(strategy.ActionIncreaseShort))
	if err != nil {
		return Receipt{}, err
	}
	size := e.floorSize(mid, e.stepSize(action))
	return e.submit(ctx, strategy.ActionIncreaseShort, mid, false, size, false)
}

func (e *Executor) DecreaseShort(ctx context.Context, action strategy.Action) (Receipt, error) {
	mid, err := e.mid(ctx, string(strategy.ActionDecreaseShort))
	if err != nil {
		return Receipt{}, err
	}
	size := e.floorSize(mid, e.stepSize(action))
	return e.submit(ctx, strategy.ActionDecreaseShort, mid, true, size, true)
}

// stepSize is the rebalance size before the notional floor. In quantized
// mode the move is rounded down to whole deviation steps.
func (e *Executor) stepSize(action strategy.Action) decimal.Decimal {
	move := action.BaseAmount.Sub(action.PreviousReference).Abs()
	if e.settings.SizingMode == SizingExact || !action.Deviation.IsPositive() {
		return move.Round(e.settings.SizeDecimals)
	}
	coef := move.Div(action.Deviation).Floor()
	return action.Deviation.Mul(coef).Round(e.settings.SizeDecimals)
}

func (e *Executor) floorSize(mid, size decimal.Decimal) decimal.Decimal {
	return decimal.Max(MinNotionalSize(mid, e.settings.MinNotionalUSD, e.settings.SizeDecimals), size)
}

func (e *Executor) mid(ctx context.Context, op string) (decimal.Decimal, error) {
	mid, err := e.gateway.Mid(ctx, e.settings.Coin)
	if err != nil {
		return decimal.Zero, &ExecutionError{Op: op, Err: fmt.Errorf("mid price: %w", err)}
	}
	if !mid.IsPositive() {
		return decimal.Zero, &ExecutionError{Op: op, Err: fmt.Errorf("%w: %s", ErrInvalidPrice, mid)}
	}
	return mid, nil
}

func (e *Executor) submit(ctx context.Context, kind strategy.ActionKind, mid decimal.Decimal, isBuy bool, size decimal.Decimal, reduceOnly bool) (Receipt, error) {
	op := string(kind)
	order := Order{
		Coin:          e.settings.Coin,
		IsBuy:         isBuy,
		Size:          size,
		LimitPrice:    LimitPrice(mid, isBuy, e.settings.Slippage, e.settings.PriceDecimals),
		ReduceOnly:    reduceOnly,
		ClientOrderID: e.newCloid(),
	}
	e.log.Info("submitting hedge order",
		zap.String("action", op),
		zap.Bool("buy", order.IsBuy),
		zap.String("size", order.Size.String()),
		zap.String("limit_px", order.LimitPrice.String()),
		zap.Bool("reduce_only", order.ReduceOnly),
		zap.String("cloid", order.ClientOrderID),
	)
	res, err := e.gateway.PlaceOrder(ctx, order)
	if err != nil {
		return Receipt{}, &ExecutionError{Op: op, Raw: res.Raw, Err: err}
	}
	if !strings.EqualFold(res.Status, "ok") {
		return Receipt{}, &ExecutionError{Op: op, Raw: res.Raw, Err: fmt.Errorf("order status %q", res.Status)}
	}
	if res.Error != "" {
		return Receipt{}, &ExecutionError{Op: op, Raw: res.Raw, Err: errors.New(res.Error)}
	}
	receipt := Receipt{
		Action:      kind,
		Order:       order,
		MidPrice:    mid,
		Status:      res.Status,
		Fill:        res.Filled,
		RestingID:   res.RestingID,
		SubmittedAt: e.now().UTC(),
	}
	e.record(ctx, receipt)
	return receipt, nil
}

func (e *Executor) record(ctx context.Context, receipt Receipt) {
	if e.store == nil || receipt.Order.ClientOrderID == "" {
		return
	}
	payload, err := json.Marshal(receipt)
	if err != nil {
		e.log.Warn("failed to encode order receipt", zap.Error(err))
		return
	}
	if err := e.store.Set(ctx, OrderKeyPrefix+receipt.Order.ClientOrderID, string(payload)); err != nil {
		e.log.Warn("failed to persist order receipt", zap.Error(err))
	}
}

// MinNotionalSize is the smallest size, rounded up to sizeDecimals, whose
// notional at price clears minNotionalUSD.
func MinNotionalSize(price, minNotionalUSD decimal.Decimal, sizeDecimals int32) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return minNotionalUSD.Div(price).RoundCeil(sizeDecimals)
}

// LimitPrice skews mid by slippage against the taker: up for buys, down for
// sells.
func LimitPrice(mid decimal.Decimal, isBuy bool, slippage decimal.Decimal, priceDecimals int32) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(slippage)
	if isBuy {
		factor = decimal.NewFromInt(1).Add(slippage)
	}
	return mid.Mul(factor).Round(priceDecimals)
}

func newCloid() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

package account

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"lp-hedge-bot/internal/hl/rest"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Account reads the perp clearinghouse state of one user.
type Account struct {
	rest *rest.Client
	log  *zap.Logger
	user string

	mu    sync.RWMutex
	state State
}

type Leverage struct {
	Type  string
	Value int
}

type Position struct {
	Coin             string
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	PositionValue    decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	LiquidationPrice decimal.Decimal
	Leverage         Leverage
}

// IsShort reports a negative signed size.
func (p Position) IsShort() bool {
	return p.Size.IsNegative()
}

type State struct {
	Positions    map[string]Position
	AccountValue decimal.Decimal
	MarginUsed   decimal.Decimal
	Withdrawable decimal.Decimal
	UpdatedAt    time.Time
}

func New(restClient *rest.Client, log *zap.Logger, user string) *Account {
	if log == nil {
		log = zap.NewNop()
	}
	return &Account{rest: restClient, log: log, user: strings.TrimSpace(user)}
}

func (a *Account) User() string {
	return a.user
}

func (a *Account) Reconcile(ctx context.Context) (State, error) {
	if a.rest == nil {
		return State{}, errors.New("rest client is required")
	}
	if a.user == "" {
		return State{}, errors.New("account user is required")
	}
	perp, err := a.rest.Info(ctx, rest.InfoRequest{Type: rest.InfoClearinghouseState, User: a.user})
	if err != nil {
		return State{}, err
	}
	state := parseClearinghouseState(perp)
	state.UpdatedAt = time.Now().UTC()
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	a.log.Debug("account reconciled", zap.Int("positions", len(state.Positions)), zap.String("account_value", state.AccountValue.String()))
	return copyState(state), nil
}

// Position returns the open position in coin. A zero size counts as flat.
func (a *Account) Position(ctx context.Context, coin string) (Position, bool, error) {
	state, err := a.Reconcile(ctx)
	if err != nil {
		return Position{}, false, err
	}
	pos, ok := state.Positions[coin]
	if !ok || pos.Size.IsZero() {
		return Position{}, false, nil
	}
	return pos, true, nil
}

// Snapshot returns the last reconciled state without a network call.
func (a *Account) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyState(a.state)
}

func parseClearinghouseState(payload map[string]any) State {
	state := State{Positions: parsePositions(payload)}
	if summary, ok := payload["marginSummary"].(map[string]any); ok {
		state.AccountValue = decimalFromAny(summary["accountValue"])
		state.MarginUsed = decimalFromAny(summary["totalMarginUsed"])
	}
	state.Withdrawable = decimalFromAny(payload["withdrawable"])
	return state
}

func parsePositions(payload map[string]any) map[string]Position {
	positions := make(map[string]Position)
	if payload == nil {
		return positions
	}
	raw, ok := payload["assetPositions"].([]any)
	if !ok {
		return positions
	}
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pos := entry
		if nested, ok := entry["position"].(map[string]any); ok {
			pos = nested
		}
		coin := stringFromAny(pos["coin"])
		if coin == "" {
			continue
		}
		p := Position{
			Coin:             coin,
			Size:             decimalFromAny(pos["szi"]),
			EntryPrice:       decimalFromAny(pos["entryPx"]),
			PositionValue:    decimalFromAny(pos["positionValue"]),
			UnrealizedPnl:    decimalFromAny(pos["unrealizedPnl"]),
			LiquidationPrice: decimalFromAny(pos["liquidationPx"]),
		}
		if lev, ok := pos["leverage"].(map[string]any); ok {
			p.Leverage = Leverage{Type: stringFromAny(lev["type"]), Value: intFromAny(lev["value"])}
		}
		positions[coin] = p
	}
	return positions
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func decimalFromAny(v any) decimal.Decimal {
	switch val := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(val)
	default:
		return decimal.Zero
	}
}

func intFromAny(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}

func copyState(state State) State {
	out := state
	out.Positions = make(map[string]Position, len(state.Positions))
	for k, v := range state.Positions {
		out.Positions[k] = v
	}
	return out
}

package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"lp-hedge-bot/internal/hl/rest"
	"lp-hedge-bot/internal/hl/ws"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrUnknownCoin = errors.New("unknown coin")

type PerpContext struct {
	Index       int
	SzDecimals  int
	MaxLeverage int
	FundingRate decimal.Decimal
	OraclePrice decimal.Decimal
	MarkPrice   decimal.Decimal
}

type cachedMid struct {
	price decimal.Decimal
	at    time.Time
}

// MarketData serves mid prices and perp metadata. Mids pushed over the
// websocket are used while fresh; otherwise allMids is fetched over REST.
type MarketData struct {
	rest *rest.Client
	ws   *ws.Client
	log  *zap.Logger
	now  func() time.Time

	mu               sync.RWMutex
	mids             map[string]cachedMid
	perpCtx          map[string]PerpContext
	lastCtxRefresh   time.Time
	ctxRefreshWindow time.Duration
	midMaxAge        time.Duration
}

func New(restClient *rest.Client, wsClient *ws.Client, log *zap.Logger) *MarketData {
	if log == nil {
		log = zap.NewNop()
	}
	return &MarketData{
		rest:             restClient,
		ws:               wsClient,
		log:              log,
		now:              time.Now,
		mids:             make(map[string]cachedMid),
		perpCtx:          make(map[string]PerpContext),
		ctxRefreshWindow: 5 * time.Minute,
		midMaxAge:        5 * time.Second,
	}
}

// Start subscribes to allMids when a websocket client is configured. Read
// errors are retried by the ws client until ctx is done.
func (m *MarketData) Start(ctx context.Context) error {
	if m.ws == nil {
		return nil
	}
	if err := m.ws.Connect(ctx); err != nil {
		return err
	}
	if err := m.ws.Subscribe(ctx, ws.AllMidsSubscription()); err != nil {
		return err
	}
	go func() {
		if err := m.ws.Run(ctx, m.handleMessage); err != nil && ctx.Err() == nil {
			m.log.Warn("market ws stopped", zap.Error(err))
		}
	}()
	return nil
}

func (m *MarketData) RefreshContexts(ctx context.Context) error {
	if m.rest == nil {
		return nil
	}
	if !m.shouldRefresh() {
		return nil
	}
	resp, err := m.rest.InfoAny(ctx, rest.InfoRequest{Type: rest.InfoMetaAndAssetCtxs})
	if err != nil {
		return err
	}
	perpCtx, err := parsePerpContexts(resp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.perpCtx = perpCtx
	m.lastCtxRefresh = m.now().UTC()
	m.mu.Unlock()
	return nil
}

func (m *MarketData) shouldRefresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastCtxRefresh.IsZero() {
		return true
	}
	return m.now().Sub(m.lastCtxRefresh) >= m.ctxRefreshWindow
}

func (m *MarketData) Mid(ctx context.Context, coin string) (decimal.Decimal, error) {
	if price, ok := m.freshMid(coin); ok {
		return price, nil
	}
	if m.rest == nil {
		return decimal.Zero, fmt.Errorf("%w: no mid for %s", ErrUnknownCoin, coin)
	}
	resp, err := m.rest.Info(ctx, rest.InfoRequest{Type: rest.InfoAllMids})
	if err != nil {
		return decimal.Zero, err
	}
	m.updateMids(resp)
	m.mu.RLock()
	cached, ok := m.mids[coin]
	m.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no mid for %s", ErrUnknownCoin, coin)
	}
	return cached.price, nil
}

func (m *MarketData) freshMid(coin string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cached, ok := m.mids[coin]
	if !ok || m.now().Sub(cached.at) > m.midMaxAge {
		return decimal.Zero, false
	}
	return cached.price, true
}

func (m *MarketData) PerpContext(ctx context.Context, coin string) (PerpContext, error) {
	if err := m.RefreshContexts(ctx); err != nil {
		m.mu.RLock()
		cached, ok := m.perpCtx[coin]
		m.mu.RUnlock()
		if ok {
			m.log.Warn("perp context refresh failed; using cached", zap.Error(err))
			return cached, nil
		}
		return PerpContext{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc, ok := m.perpCtx[coin]
	if !ok {
		return PerpContext{}, fmt.Errorf("%w: %s", ErrUnknownCoin, coin)
	}
	return pc, nil
}

func (m *MarketData) PerpAssetID(ctx context.Context, coin string) (int, error) {
	pc, err := m.PerpContext(ctx, coin)
	if err != nil {
		return 0, err
	}
	return pc.Index, nil
}

func (m *MarketData) handleMessage(msg json.RawMessage) {
	var envelope ws.Message
	if err := json.Unmarshal(msg, &envelope); err != nil {
		m.log.Debug("ws decode error", zap.Error(err))
		return
	}
	if envelope.Channel != "allMids" {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		m.log.Debug("ws allMids decode error", zap.Error(err))
		return
	}
	m.updateMids(payload)
}

func (m *MarketData) updateMids(payload map[string]any) {
	mids, ok := toMap(payload["mids"])
	if !ok {
		// /info allMids returns a flat map of symbol -> mid.
		mids = payload
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for coin, v := range mids {
		if d, ok := decimalFromAny(v); ok && d.IsPositive() {
			m.mids[coin] = cachedMid{price: d, at: now}
		}
	}
}

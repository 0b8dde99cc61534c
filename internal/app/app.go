package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"lp-hedge-bot/internal/account"
	"lp-hedge-bot/internal/alerts"
	"lp-hedge-bot/internal/config"
	"lp-hedge-bot/internal/control"
	"lp-hedge-bot/internal/ekubo"
	"lp-hedge-bot/internal/exec"
	"lp-hedge-bot/internal/hl/exchange"
	"lp-hedge-bot/internal/hl/rest"
	"lp-hedge-bot/internal/hl/ws"
	"lp-hedge-bot/internal/market"
	"lp-hedge-bot/internal/metrics"
	"lp-hedge-bot/internal/state"
	"lp-hedge-bot/internal/state/sqlite"
	"lp-hedge-bot/internal/strategy"
	"lp-hedge-bot/internal/timescale"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

type hedgeEngine interface {
	Params() strategy.Params
	Thresholds() strategy.Thresholds
	Reference() decimal.Decimal
	SetDeviation(decimal.Decimal) error
	SetPollInterval(time.Duration) error
	Snapshot(ctx context.Context) (strategy.PoolSnapshot, error)
}

type hedgeLoop interface {
	Start(ctx context.Context, notifier control.Notifier) error
	Stop(ctx context.Context) error
	Wait()
	Running() bool
	State() strategy.State
	LastOutcome() (control.Outcome, bool)
}

type operatorTransport interface {
	Enabled() bool
	Send(ctx context.Context, message string) error
	SendTo(ctx context.Context, chatID int64, message string) error
	GetUpdates(ctx context.Context, offset int64) ([]alerts.Update, error)
}

type priceSource interface {
	Mid(ctx context.Context, coin string) (decimal.Decimal, error)
}

type positionSource interface {
	Position(ctx context.Context, coin string) (account.Position, bool, error)
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	rest      *rest.Client
	ws        *ws.Client
	exchange  *exchange.Client
	market    *market.MarketData
	account   *account.Account
	oracle    *ekubo.Oracle
	engine    hedgeEngine
	executor  *exec.Executor
	loop      hedgeLoop
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    operatorTransport
	timescale *timescale.Writer
	prices    priceSource
	positions positionSource

	// ctx is the process lifetime context; the loop outlives the operator
	// command that starts it.
	ctx            context.Context
	opsMu          sync.Mutex
	operatorWarned bool
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	var wsClient *ws.Client
	if cfg.WS.Enabled {
		wsClient = ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	}
	marketData := market.New(restClient, wsClient, log)
	accountClient := account.New(restClient, log, creds.AccountAddress)

	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := exchange.NewSigner(creds.PrivateKey, isMainnet)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	exClient, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, creds.VaultAddress)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	exClient.SetLogger(log)
	log.Info("exchange signer loaded",
		zap.String("signer", signer.Address().Hex()),
		zap.String("account", creds.AccountAddress),
		zap.Bool("mainnet", isMainnet),
	)

	oracle, err := ekubo.Dial(ctx, cfg.Chain, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	engine, err := strategy.NewEngine(ctx, &oracleAdapter{oracle: oracle}, hedgeParams(cfg.Hedge), hedgeThresholds(cfg.Hedge), log)
	if err != nil {
		oracle.Close()
		_ = store.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	gateway := &gatewayAdapter{client: exClient, market: marketData, account: accountClient}
	executor := exec.New(gateway, store, executorSettings(cfg.Hedge), log)

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
		writer = nil
	}
	var recorder control.Recorder
	if writer != nil {
		recorder = &timescaleRecorder{writer: writer, coin: cfg.Hedge.Coin}
	}
	loop := control.New(engine, executor, store, m, recorder, log)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		rest:      restClient,
		ws:        wsClient,
		exchange:  exClient,
		market:    marketData,
		account:   accountClient,
		oracle:    oracle,
		engine:    engine,
		executor:  executor,
		loop:      loop,
		metrics:   m,
		prom:      prom,
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		timescale: writer,
		prices:    marketData,
		positions: accountClient,
	}, nil
}

func hedgeParams(cfg config.HedgeConfig) strategy.Params {
	return strategy.Params{
		Deviation:    decimal.NewFromFloat(cfg.Deviation),
		PollInterval: cfg.PollInterval,
	}
}

func hedgeThresholds(cfg config.HedgeConfig) strategy.Thresholds {
	return strategy.Thresholds{
		MinBaseAmount:   decimal.NewFromFloat(cfg.MinBaseAmount),
		MinQuoteAmount:  decimal.NewFromFloat(cfg.MinQuoteAmount),
		MinPollInterval: cfg.MinPollInterval,
	}
}

func executorSettings(cfg config.HedgeConfig) exec.Settings {
	return exec.Settings{
		Coin:           cfg.Coin,
		MinNotionalUSD: decimal.NewFromFloat(cfg.MinNotionalUSD),
		MinShortSize:   decimal.NewFromFloat(cfg.MinShortSize),
		SizeDecimals:   cfg.SizeDecimals,
		PriceDecimals:  cfg.PriceDecimals,
		Slippage:       decimal.NewFromFloat(cfg.Slippage),
		SizingMode:     cfg.SizingMode,
	}
}

// Run blocks until ctx is done, then stops the control loop and waits for
// the in-flight iteration.
func (a *App) Run(ctx context.Context) error {
	a.ctx = ctx
	defer a.close()
	if a.exchange != nil && a.store != nil {
		if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
			a.log.Warn("nonce store init failed", zap.Error(err))
		} else if st, ok := a.exchange.NonceState(); ok {
			a.log.Info("nonce persistence enabled", zap.String("nonce_key", st.Key), zap.Uint64("nonce_seed", st.Last))
		}
	}
	if err := a.market.RefreshContexts(ctx); err != nil {
		a.log.Warn("context refresh failed", zap.Error(err))
	}
	if err := a.market.Start(ctx); err != nil {
		a.log.Warn("market ws start failed, using rest mids", zap.Error(err))
	}
	if a.cfg.Hedge.Leverage > 0 {
		if err := a.applyLeverage(ctx); err != nil {
			a.log.Warn("leverage update failed", zap.Error(err))
		}
	}
	if pos, ok, err := a.account.Position(ctx, a.cfg.Hedge.Coin); err != nil {
		a.log.Warn("initial position read failed", zap.Error(err))
	} else {
		a.log.Info("initial hedge position",
			zap.Bool("open", ok),
			zap.String("size", pos.Size.String()),
			zap.String("entry_px", pos.EntryPrice.String()),
		)
	}
	a.startMetricsServer(ctx)
	a.timescale.Start(ctx)
	a.startOperator(ctx)

	if a.cfg.Hedge.AutoStart {
		if err := a.loop.Start(ctx, a.defaultNotifier()); err != nil {
			a.log.Warn("auto start failed", zap.Error(err))
		}
	}

	<-ctx.Done()
	a.stopLoop()
	return ctx.Err()
}

func (a *App) stopLoop() {
	if a.loop == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.loop.Stop(ctx); err != nil && !errors.Is(err, control.ErrNotRunning) {
		a.log.Warn("control loop stop failed", zap.Error(err))
		return
	}
	a.loop.Wait()
}

func (a *App) close() {
	if a.ws != nil {
		a.ws.Close()
	}
	if a.oracle != nil {
		a.oracle.Close()
	}
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *App) applyLeverage(ctx context.Context) error {
	asset, err := a.market.PerpAssetID(ctx, a.cfg.Hedge.Coin)
	if err != nil {
		return err
	}
	resp, err := a.exchange.UpdateLeverage(ctx, asset, a.cfg.Hedge.Leverage, false)
	if err != nil {
		return err
	}
	status, err := exchange.ParseOrderResponse(resp)
	if err != nil {
		return err
	}
	if !strings.EqualFold(status.Status, "ok") {
		return fmt.Errorf("update leverage rejected: %s", status.Raw)
	}
	a.log.Info("leverage set", zap.String("coin", a.cfg.Hedge.Coin), zap.Int("leverage", a.cfg.Hedge.Leverage), zap.Bool("cross", false))
	return nil
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.log.Info("metrics server listening", zap.String("addr", srv.Addr), zap.String("path", a.cfg.Metrics.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// defaultNotifier reports ticks to the configured operator chat, or nowhere
// when telegram is disabled.
func (a *App) defaultNotifier() control.Notifier {
	if a.alerts == nil || !a.alerts.Enabled() {
		return nil
	}
	return a.alerts
}

type chatNotifier struct {
	transport operatorTransport
	chatID    int64
}

func (c chatNotifier) Send(ctx context.Context, message string) error {
	return c.transport.SendTo(ctx, c.chatID, message)
}

type oracleAdapter struct {
	oracle *ekubo.Oracle
}

func (o *oracleAdapter) Snapshot(ctx context.Context) (strategy.PoolSnapshot, error) {
	pos, err := o.oracle.Read(ctx)
	if err != nil {
		return strategy.PoolSnapshot{}, err
	}
	return strategy.PoolSnapshot{
		Liquidity:   pos.Liquidity,
		BaseAmount:  pos.BaseAmount,
		QuoteAmount: pos.QuoteAmount,
		BaseFees:    pos.BaseFees,
		QuoteFees:   pos.QuoteFees,
	}, nil
}

type orderPlacer interface {
	PlaceOrder(ctx context.Context, order exchange.OrderWire) (map[string]any, error)
}

type assetResolver interface {
	Mid(ctx context.Context, coin string) (decimal.Decimal, error)
	PerpAssetID(ctx context.Context, coin string) (int, error)
}

// gatewayAdapter exposes the Hyperliquid clients as an exec.Gateway.
type gatewayAdapter struct {
	client  orderPlacer
	market  assetResolver
	account positionSource
}

func (g *gatewayAdapter) Mid(ctx context.Context, coin string) (decimal.Decimal, error) {
	return g.market.Mid(ctx, coin)
}

func (g *gatewayAdapter) Position(ctx context.Context, coin string) (exec.Position, bool, error) {
	pos, ok, err := g.account.Position(ctx, coin)
	if err != nil || !ok {
		return exec.Position{}, ok, err
	}
	return exec.Position{Coin: pos.Coin, Size: pos.Size, EntryPrice: pos.EntryPrice}, true, nil
}

func (g *gatewayAdapter) PlaceOrder(ctx context.Context, order exec.Order) (exec.OrderResult, error) {
	if g.client == nil {
		return exec.OrderResult{}, errors.New("exchange client is required")
	}
	asset, err := g.market.PerpAssetID(ctx, order.Coin)
	if err != nil {
		return exec.OrderResult{}, err
	}
	wire, err := exchange.LimitOrderWire(asset, order.IsBuy, order.Size, order.LimitPrice, order.ReduceOnly, exchange.TifIoc, order.ClientOrderID)
	if err != nil {
		return exec.OrderResult{}, err
	}
	resp, err := g.client.PlaceOrder(ctx, wire)
	if err != nil {
		return exec.OrderResult{}, err
	}
	status, err := exchange.ParseOrderResponse(resp)
	if err != nil {
		return exec.OrderResult{Status: status.Status, Raw: status.Raw}, err
	}
	result := exec.OrderResult{
		Status:    status.Status,
		RestingID: status.RestingID,
		Error:     status.Error,
		Raw:       status.Raw,
	}
	if status.Filled {
		result.Filled = &exec.Fill{TotalSize: status.TotalSize, AvgPrice: status.AvgPrice, OrderID: status.OrderID}
	}
	return result, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"lp-hedge-bot/internal/account"
	"lp-hedge-bot/internal/config"
	"lp-hedge-bot/internal/exec"
	"lp-hedge-bot/internal/hl/exchange"
	"lp-hedge-bot/internal/hl/rest"
	"lp-hedge-bot/internal/logging"
	"lp-hedge-bot/internal/market"
	"lp-hedge-bot/internal/state/sqlite"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultVerifySize    = "0.003"
	defaultRESTTimeout   = 10 * time.Second
	defaultRESTBaseURL   = "https://api.hyperliquid.xyz"
	defaultVerifyEnvFile = ".env"
)

type verifySettings struct {
	baseURL   string
	timeout   time.Duration
	coin      string
	minUSD    decimal.Decimal
	sizeDec   int32
	priceDec  int32
	slippage  decimal.Decimal
	leverage  int
	statePath string
}

func main() {
	configPath := flag.String("config", "", "optional config path for REST and hedge settings")
	action := flag.String("action", "info", "info | increase | decrease | leverage")
	sizeFlag := flag.String("size", defaultVerifySize, "order size floor in base units")
	leverageFlag := flag.Int("leverage", 0, "leverage for -action leverage (defaults to hedge.leverage or 1)")
	dryRun := flag.Bool("dry-run", false, "print the derived order or action and exit")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}

	logCfg := config.LoggingConfig{Level: "info"}
	settings := verifySettings{
		baseURL:   defaultRESTBaseURL,
		timeout:   defaultRESTTimeout,
		coin:      "ETH",
		minUSD:    decimal.NewFromInt(10),
		sizeDec:   3,
		priceDec:  1,
		slippage:  decimal.RequireFromString("0.01"),
		leverage:  1,
		statePath: "data/lp-hedge-bot.db",
	}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		logCfg = cfg.Log
		settings = settingsFromConfig(cfg, settings)
	}
	if *leverageFlag > 0 {
		settings.leverage = *leverageFlag
	}
	floor, err := decimal.NewFromString(*sizeFlag)
	if err != nil || !floor.IsPositive() {
		fatal(fmt.Errorf("invalid -size %q", *sizeFlag))
	}

	log := logging.New(logCfg)
	defer func() { _ = log.Sync() }()

	creds, err := config.LoadCredentials()
	if err != nil {
		fatal(err)
	}
	ctx := context.Background()
	restClient := rest.New(settings.baseURL, settings.timeout, log)

	switch *action {
	case "info":
		runInfo(ctx, restClient, log, creds.AccountAddress, settings.coin)
		return
	case "increase", "decrease", "leverage":
	default:
		fatal(fmt.Errorf("unknown action %q", *action))
	}

	md := market.New(restClient, nil, log)
	if err := md.RefreshContexts(ctx); err != nil {
		fatal(err)
	}
	asset, err := md.PerpAssetID(ctx, settings.coin)
	if err != nil {
		fatal(err)
	}

	isMainnet := !strings.Contains(strings.ToLower(settings.baseURL), "testnet")
	signer, err := exchange.NewSigner(creds.PrivateKey, isMainnet)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("signer=%s account=%s mainnet=%t\n", signer.Address().Hex(), creds.AccountAddress, isMainnet)

	if *action == "leverage" {
		fmt.Printf("update leverage: coin=%s asset=%d leverage=%d isolated\n", settings.coin, asset, settings.leverage)
		if *dryRun {
			return
		}
		exClient := newExchangeClient(ctx, settings, signer, creds.VaultAddress, log)
		resp, err := exClient.UpdateLeverage(ctx, asset, settings.leverage, false)
		if err != nil {
			fatal(err)
		}
		printResponse(resp)
		return
	}

	mid, err := md.Mid(ctx, settings.coin)
	if err != nil {
		fatal(err)
	}
	isBuy := *action == "decrease"
	size := decimal.Max(floor, exec.MinNotionalSize(mid, settings.minUSD, settings.sizeDec))
	limit := exec.LimitPrice(mid, isBuy, settings.slippage, settings.priceDec)
	cloid := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
	order, err := exchange.LimitOrderWire(asset, isBuy, size, limit, isBuy, exchange.TifIoc, cloid)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("verify order: coin=%s asset=%d buy=%t reduce_only=%t size=%s limit_price=%s mid=%s notional=%s\n",
		settings.coin, asset, order.IsBuy, order.ReduceOnly, order.Size, order.Price, mid.String(), size.Mul(limit).StringFixed(2))
	if *dryRun {
		return
	}

	exClient := newExchangeClient(ctx, settings, signer, creds.VaultAddress, log)
	resp, err := exClient.PlaceOrder(ctx, order)
	if err != nil {
		fatal(err)
	}
	status, err := exchange.ParseOrderResponse(resp)
	if err != nil {
		fatal(fmt.Errorf("%w: %s", err, status.Raw))
	}
	switch {
	case status.Error != "":
		fmt.Printf("order rejected: %s\n", status.Error)
	case status.Filled:
		fmt.Printf("filled: %s %s @ $%s oid=%d\n", status.TotalSize.String(), settings.coin, status.AvgPrice.String(), status.OrderID)
	case status.Resting:
		fmt.Printf("resting: oid=%d\n", status.RestingID)
	default:
		fmt.Printf("exchange response: %s\n", status.Raw)
	}
}

func settingsFromConfig(cfg *config.Config, base verifySettings) verifySettings {
	out := base
	if cfg.REST.BaseURL != "" {
		out.baseURL = cfg.REST.BaseURL
	}
	if cfg.REST.Timeout > 0 {
		out.timeout = cfg.REST.Timeout
	}
	if cfg.Hedge.Coin != "" {
		out.coin = cfg.Hedge.Coin
	}
	out.minUSD = decimal.NewFromFloat(cfg.Hedge.MinNotionalUSD)
	out.sizeDec = cfg.Hedge.SizeDecimals
	out.priceDec = cfg.Hedge.PriceDecimals
	out.slippage = decimal.NewFromFloat(cfg.Hedge.Slippage)
	if cfg.Hedge.Leverage > 0 {
		out.leverage = cfg.Hedge.Leverage
	}
	if cfg.State.SQLitePath != "" {
		out.statePath = cfg.State.SQLitePath
	}
	return out
}

func newExchangeClient(ctx context.Context, settings verifySettings, signer *exchange.Signer, vault string, log *zap.Logger) *exchange.Client {
	exClient, err := exchange.NewClient(settings.baseURL, settings.timeout, signer, vault)
	if err != nil {
		fatal(err)
	}
	exClient.SetLogger(log)
	if settings.statePath == "" {
		return exClient
	}
	// Sharing the bot's nonce store keeps nonces monotonic across both tools.
	store, err := sqlite.New(settings.statePath)
	if err != nil {
		log.Warn("nonce store init failed", zap.Error(err))
		return exClient
	}
	if err := exClient.InitNonceStore(ctx, store); err != nil {
		log.Warn("nonce store init failed", zap.Error(err))
	}
	return exClient
}

func runInfo(ctx context.Context, restClient *rest.Client, log *zap.Logger, user, coin string) {
	acct := account.New(restClient, log, user)
	state, err := acct.Reconcile(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("account value: $%s\n", state.AccountValue.StringFixed(2))
	fmt.Printf("withdrawable: $%s\n", state.Withdrawable.StringFixed(2))
	if len(state.Positions) == 0 {
		fmt.Println("no open positions")
	}
	for name, pos := range state.Positions {
		if pos.Size.IsZero() {
			continue
		}
		marker := ""
		if name == coin {
			marker = " (hedge)"
		}
		fmt.Printf("%s: %s @ $%s upnl=%s leverage=%s %d%s\n", name, pos.Size.String(), pos.EntryPrice.String(), pos.UnrealizedPnl.String(), pos.Leverage.Type, pos.Leverage.Value, marker)
	}
}

func printResponse(resp map[string]any) {
	pretty, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Printf("exchange response:\n%s\n", string(pretty))
}

func fatal(err error) {
	if errors.Is(err, config.ErrConfiguration) {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
	} else {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}

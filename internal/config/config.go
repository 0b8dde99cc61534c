package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks every startup failure caused by missing or invalid
// settings. Callers treat it as fatal.
var ErrConfiguration = errors.New("configuration error")

const (
	SizingQuantized = "quantized"
	SizingExact     = "exact"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Chain     ChainConfig     `yaml:"chain"`
	Hedge     HedgeConfig     `yaml:"hedge"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// ChainConfig addresses the Ekubo position being hedged.
type ChainConfig struct {
	RPCURL            string        `yaml:"rpc_url"`
	PositionsContract string        `yaml:"positions_contract"`
	Token0            string        `yaml:"token0"`
	Token1            string        `yaml:"token1"`
	PoolConfig        string        `yaml:"pool_config"`
	LowerTick         int32         `yaml:"lower_tick"`
	UpperTick         int32         `yaml:"upper_tick"`
	PositionID        string        `yaml:"position_id"`
	BaseDecimals      int32         `yaml:"base_decimals"`
	QuoteDecimals     int32         `yaml:"quote_decimals"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
}

type HedgeConfig struct {
	Coin            string        `yaml:"coin"`
	Deviation       float64       `yaml:"deviation"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MinPollInterval time.Duration `yaml:"min_poll_interval"`
	MinBaseAmount   float64       `yaml:"min_base_amount"`
	MinQuoteAmount  float64       `yaml:"min_quote_amount"`
	MinNotionalUSD  float64       `yaml:"min_notional_usd"`
	MinShortSize    float64       `yaml:"min_short_size"`
	SizeDecimals    int32         `yaml:"size_decimals"`
	PriceDecimals   int32         `yaml:"price_decimals"`
	Slippage        float64       `yaml:"slippage"`
	SizingMode      string        `yaml:"sizing_mode"`
	Leverage        int           `yaml:"leverage"`
	AutoStart       bool          `yaml:"auto_start"`
}

type TelegramConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Token         string        `yaml:"token"`
	AllowedUserID int64         `yaml:"allowed_user_id"`
	ChatID        int64         `yaml:"chat_id"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Credentials are read from the environment only and never from the YAML file.
type Credentials struct {
	AccountAddress string
	PrivateKey     string
	VaultAddress   string
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: config path is required", ErrConfiguration)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// LoadCredentials reads exchange credentials from the environment. The
// original deployment names (MAIN_ADDRESS, SUB_PRIVATE_KEY) are accepted as
// fallbacks.
func LoadCredentials() (Credentials, error) {
	creds := Credentials{
		AccountAddress: firstEnv("HL_ACCOUNT_ADDRESS", "MAIN_ADDRESS"),
		PrivateKey:     firstEnv("HL_PRIVATE_KEY", "SUB_PRIVATE_KEY"),
		VaultAddress:   firstEnv("HL_VAULT_ADDRESS"),
	}
	if creds.AccountAddress == "" {
		return Credentials{}, fmt.Errorf("%w: HL_ACCOUNT_ADDRESS is required", ErrConfiguration)
	}
	if creds.PrivateKey == "" {
		return Credentials{}, fmt.Errorf("%w: HL_PRIVATE_KEY is required", ErrConfiguration)
	}
	return creds, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = deriveWSURL(cfg.REST.BaseURL)
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/lp-hedge-bot.db"
	}
	if cfg.Chain.BaseDecimals == 0 {
		cfg.Chain.BaseDecimals = 18
	}
	if cfg.Chain.QuoteDecimals == 0 {
		cfg.Chain.QuoteDecimals = 6
	}
	if cfg.Chain.CallTimeout == 0 {
		cfg.Chain.CallTimeout = 15 * time.Second
	}
	if cfg.Hedge.Coin == "" {
		cfg.Hedge.Coin = "ETH"
	}
	if cfg.Hedge.Deviation == 0 {
		cfg.Hedge.Deviation = 0.5
	}
	if cfg.Hedge.PollInterval == 0 {
		cfg.Hedge.PollInterval = 60 * time.Second
	}
	if cfg.Hedge.MinPollInterval == 0 {
		cfg.Hedge.MinPollInterval = 10 * time.Second
	}
	if cfg.Hedge.MinBaseAmount == 0 {
		cfg.Hedge.MinBaseAmount = 0.001
	}
	if cfg.Hedge.MinQuoteAmount == 0 {
		cfg.Hedge.MinQuoteAmount = 1
	}
	if cfg.Hedge.MinNotionalUSD == 0 {
		cfg.Hedge.MinNotionalUSD = 10
	}
	if cfg.Hedge.MinShortSize == 0 {
		cfg.Hedge.MinShortSize = 0.001
	}
	if cfg.Hedge.SizeDecimals == 0 {
		cfg.Hedge.SizeDecimals = 3
	}
	if cfg.Hedge.PriceDecimals == 0 {
		cfg.Hedge.PriceDecimals = 1
	}
	if cfg.Hedge.Slippage == 0 {
		cfg.Hedge.Slippage = 0.01
	}
	if cfg.Hedge.SizingMode == "" {
		cfg.Hedge.SizingMode = SizingQuantized
	}
	if cfg.Telegram.PollInterval == 0 {
		cfg.Telegram.PollInterval = 3 * time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := firstEnv("ETHEREUM_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := firstEnv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := firstEnv("TELEGRAM_ALLOWED_USERS", "TELEGRAM_USER_ID"); v != "" {
		// Only the first id is used; a single operator identity is supported.
		first, _, _ := strings.Cut(v, ",")
		if id, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64); err == nil {
			cfg.Telegram.AllowedUserID = id
		}
	}
	if v := firstEnv("TIMESCALE_DSN"); v != "" {
		cfg.Timescale.DSN = v
	}
}

func validate(cfg *Config) error {
	if err := validateChain(cfg.Chain); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := validateHedge(cfg.Hedge); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("%w: telegram.token (TELEGRAM_BOT_TOKEN) is required", ErrConfiguration)
		}
		if cfg.Telegram.AllowedUserID == 0 {
			return fmt.Errorf("%w: telegram.allowed_user_id (TELEGRAM_ALLOWED_USERS) is required", ErrConfiguration)
		}
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("%w: metrics.path must start with /", ErrConfiguration)
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return fmt.Errorf("%w: timescale.dsn is required when timescale is enabled", ErrConfiguration)
	}
	return nil
}

func validateChain(chain ChainConfig) error {
	if strings.TrimSpace(chain.RPCURL) == "" {
		return errors.New("chain.rpc_url (ETHEREUM_RPC_URL) is required")
	}
	for name, val := range map[string]string{
		"chain.positions_contract": chain.PositionsContract,
		"chain.token0":             chain.Token0,
		"chain.token1":             chain.Token1,
		"chain.position_id":        chain.PositionID,
	} {
		if strings.TrimSpace(val) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if chain.LowerTick >= chain.UpperTick {
		return errors.New("chain.lower_tick must be below chain.upper_tick")
	}
	if chain.BaseDecimals < 0 || chain.QuoteDecimals < 0 {
		return errors.New("chain decimals must be >= 0")
	}
	return nil
}

func validateHedge(hedge HedgeConfig) error {
	if hedge.Deviation <= 0 {
		return errors.New("hedge.deviation must be > 0")
	}
	if hedge.MinPollInterval <= 0 {
		return errors.New("hedge.min_poll_interval must be > 0")
	}
	if hedge.PollInterval < hedge.MinPollInterval {
		return fmt.Errorf("hedge.poll_interval must be >= %s", hedge.MinPollInterval)
	}
	if hedge.MinBaseAmount < 0 || hedge.MinQuoteAmount < 0 {
		return errors.New("hedge minimum pool amounts must be >= 0")
	}
	if hedge.MinNotionalUSD <= 0 {
		return errors.New("hedge.min_notional_usd must be > 0")
	}
	if hedge.MinShortSize < 0 {
		return errors.New("hedge.min_short_size must be >= 0")
	}
	if hedge.SizeDecimals < 0 || hedge.PriceDecimals < 0 {
		return errors.New("hedge decimals must be >= 0")
	}
	if hedge.Slippage <= 0 || hedge.Slippage >= 1 {
		return errors.New("hedge.slippage must be between 0 and 1")
	}
	if hedge.SizingMode != SizingQuantized && hedge.SizingMode != SizingExact {
		return fmt.Errorf("hedge.sizing_mode must be %q or %q", SizingQuantized, SizingExact)
	}
	if hedge.Leverage < 0 {
		return errors.New("hedge.leverage must be >= 0")
	}
	return nil
}

func deriveWSURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimSuffix(strings.TrimPrefix(baseURL, "https://"), "/") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimSuffix(strings.TrimPrefix(baseURL, "http://"), "/") + "/ws"
	default:
		return "wss://api.hyperliquid.xyz/ws"
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

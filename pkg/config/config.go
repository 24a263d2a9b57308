package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Mode selects where orders go.
type Mode string

const (
	ModeLive   Mode = "live"   // real exchange
	ModePaper  Mode = "paper"  // exchange testnet
	ModeReplay Mode = "replay" // historical candles, simulated fills
)

// Threshold is an optional price trigger.
type Threshold struct {
	Enabled bool            `yaml:"enabled"`
	Price   decimal.Decimal `yaml:"price"`
}

// Config holds environment-driven settings for the grid engine.
type Config struct {
	// Market
	Pair  string
	Base  string
	Quote string

	// Grid
	GridBottom      decimal.Decimal
	GridTop         decimal.Decimal
	GridLevels      int
	GridSpacing     string // "arithmetic" or "geometric"
	GridCenter      decimal.Decimal
	PricePrecision  int32
	AmountPrecision int32

	// Capital
	InitialFiat   decimal.Decimal
	InitialCrypto decimal.Decimal
	OrderAmount   decimal.Decimal // per level, base units; zero = derive from fiat

	// Risk
	TakeProfit Threshold
	StopLoss   Threshold

	// Execution
	Mode           Mode
	FeeRate        decimal.Decimal
	MaxRetries     int
	RetryDelay     time.Duration
	SlippageBudget decimal.Decimal
	ResyncRetries  int
	ResyncDelay    time.Duration

	// Background loops
	StatusPollInterval  time.Duration
	StreamMaxRetries    int
	BalanceSyncInterval time.Duration
	ReconcileInterval   time.Duration
	ReconcileTolerance  decimal.Decimal

	// Binance
	BinanceAPIKey    string
	BinanceAPISecret string

	// Replay
	ReplayCSVPath  string
	ReplayDBPath   string
	ReplayInterval string

	// Trend analyzer (optional)
	TrendAddr         string
	TrendPollInterval time.Duration

	// Ops
	LogLevel       string
	LogFile        string
	MetricsAddr    string
	GridConfigPath string
}

// Load reads environment variables (optionally via .env) into Config, then
// applies the YAML grid file when GRID_CONFIG_PATH is set.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	pair := strings.ToUpper(getEnv("TRADING_PAIR", "BTC/USDT"))
	base, quote := splitPair(pair)

	cfg := &Config{
		Pair:  pair,
		Base:  strings.ToUpper(getEnv("BASE_CURRENCY", base)),
		Quote: strings.ToUpper(getEnv("QUOTE_CURRENCY", quote)),

		GridBottom:      getEnvDecimal("GRID_BOTTOM", decimal.Zero),
		GridTop:         getEnvDecimal("GRID_TOP", decimal.Zero),
		GridLevels:      getEnvInt("GRID_LEVELS", 10),
		GridSpacing:     strings.ToLower(getEnv("GRID_SPACING", "arithmetic")),
		GridCenter:      getEnvDecimal("GRID_CENTER", decimal.Zero),
		PricePrecision:  int32(getEnvInt("PRICE_PRECISION", 2)),
		AmountPrecision: int32(getEnvInt("AMOUNT_PRECISION", 6)),

		InitialFiat:   getEnvDecimal("INITIAL_FIAT", decimal.NewFromInt(10000)),
		InitialCrypto: getEnvDecimal("INITIAL_CRYPTO", decimal.Zero),
		OrderAmount:   getEnvDecimal("ORDER_AMOUNT", decimal.Zero),

		TakeProfit: Threshold{
			Enabled: getEnvBool("TAKE_PROFIT_ENABLED", false),
			Price:   getEnvDecimal("TAKE_PROFIT_PRICE", decimal.Zero),
		},
		StopLoss: Threshold{
			Enabled: getEnvBool("STOP_LOSS_ENABLED", false),
			Price:   getEnvDecimal("STOP_LOSS_PRICE", decimal.Zero),
		},

		Mode:           Mode(strings.ToLower(getEnv("EXECUTION_MODE", string(ModeReplay)))),
		FeeRate:        getEnvDecimal("FEE_RATE", decimal.RequireFromString("0.001")),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		RetryDelay:     time.Duration(getEnvInt("RETRY_DELAY_MS", 1000)) * time.Millisecond,
		SlippageBudget: getEnvDecimal("SLIPPAGE_BUDGET", decimal.RequireFromString("0.01")),
		ResyncRetries:  getEnvInt("RESYNC_RETRIES", 5),
		ResyncDelay:    getEnvDuration("RESYNC_DELAY", 2*time.Second),

		StatusPollInterval:  getEnvDuration("STATUS_POLL_INTERVAL", 5*time.Second),
		StreamMaxRetries:    getEnvInt("STREAM_MAX_RETRIES", 8),
		BalanceSyncInterval: getEnvDuration("BALANCE_SYNC_INTERVAL", 0),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileTolerance:  getEnvDecimal("RECONCILE_TOLERANCE", decimal.RequireFromString("0.01")),

		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),

		ReplayCSVPath:  getEnv("REPLAY_CSV_PATH", ""),
		ReplayDBPath:   getEnv("REPLAY_DB_PATH", "./data/candles.db"),
		ReplayInterval: getEnv("REPLAY_INTERVAL", "1h"),

		TrendAddr:         getEnv("TREND_ADDR", ""),
		TrendPollInterval: getEnvDuration("TREND_POLL_INTERVAL", time.Minute),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFile:        getEnv("LOG_FILE", ""),
		MetricsAddr:    getEnv("METRICS_ADDR", ""),
		GridConfigPath: getEnv("GRID_CONFIG_PATH", ""),
	}

	if cfg.GridConfigPath != "" {
		if err := cfg.ApplyGridFile(cfg.GridConfigPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeLive, ModePaper, ModeReplay:
	default:
		errs = append(errs, fmt.Errorf("unknown execution mode %q", c.Mode))
	}
	if c.Base == "" || c.Quote == "" {
		errs = append(errs, fmt.Errorf("cannot derive base/quote from pair %q", c.Pair))
	}
	if !c.GridBottom.IsPositive() || !c.GridTop.GreaterThan(c.GridBottom) {
		errs = append(errs, fmt.Errorf("grid range %s..%s is invalid", c.GridBottom, c.GridTop))
	}
	if c.GridLevels < 1 {
		errs = append(errs, fmt.Errorf("grid levels must be >= 1, got %d", c.GridLevels))
	}
	if c.GridSpacing != "arithmetic" && c.GridSpacing != "geometric" {
		errs = append(errs, fmt.Errorf("grid spacing must be arithmetic or geometric, got %q", c.GridSpacing))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max retries must be >= 1, got %d", c.MaxRetries))
	}
	if c.FeeRate.IsNegative() || c.SlippageBudget.IsNegative() {
		errs = append(errs, errors.New("fee rate and slippage budget must not be negative"))
	}
	if c.TakeProfit.Enabled && !c.TakeProfit.Price.IsPositive() {
		errs = append(errs, errors.New("take profit enabled without a price"))
	}
	if c.StopLoss.Enabled && !c.StopLoss.Price.IsPositive() {
		errs = append(errs, errors.New("stop loss enabled without a price"))
	}
	if (c.Mode == ModeLive || c.Mode == ModePaper) && (c.BinanceAPIKey == "" || c.BinanceAPISecret == "") {
		errs = append(errs, fmt.Errorf("%s mode requires BINANCE_API_KEY and BINANCE_API_SECRET", c.Mode))
	}
	return errors.Join(errs...)
}

// Live reports whether orders go to an exchange.
func (c *Config) Live() bool {
	return c.Mode == ModeLive || c.Mode == ModePaper
}

func splitPair(pair string) (string, string) {
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(pair, sep, 2); len(parts) == 2 {
			return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		}
	}
	return "", ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func setGridEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TRADING_PAIR", "eth/usdt")
	t.Setenv("GRID_BOTTOM", "90")
	t.Setenv("GRID_TOP", "110")
	t.Setenv("GRID_LEVELS", "6")
	t.Setenv("EXECUTION_MODE", "replay")
}

func TestLoadFromEnv(t *testing.T) {
	setGridEnv(t)
	t.Setenv("RETRY_DELAY_MS", "250")
	t.Setenv("TAKE_PROFIT_ENABLED", "true")
	t.Setenv("TAKE_PROFIT_PRICE", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pair != "ETH/USDT" || cfg.Base != "ETH" || cfg.Quote != "USDT" {
		t.Fatalf("pair parsed as %s (%s/%s)", cfg.Pair, cfg.Base, cfg.Quote)
	}
	if !cfg.GridBottom.Equal(decimal.NewFromInt(90)) || cfg.GridLevels != 6 {
		t.Fatalf("grid = %s/%d", cfg.GridBottom, cfg.GridLevels)
	}
	if cfg.RetryDelay != 250*time.Millisecond {
		t.Fatalf("retry delay = %v", cfg.RetryDelay)
	}
	if !cfg.TakeProfit.Enabled || !cfg.TakeProfit.Price.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("take profit = %+v", cfg.TakeProfit)
	}
	if cfg.Live() {
		t.Fatalf("replay mode reported as live")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Pair: "BTC/USDT", Base: "BTC", Quote: "USDT",
			GridBottom: decimal.NewFromInt(90), GridTop: decimal.NewFromInt(110),
			GridLevels: 6, GridSpacing: "arithmetic",
			Mode: ModeReplay, MaxRetries: 3,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"inverted range", func(c *Config) { c.GridTop = decimal.NewFromInt(80) }, "grid range"},
		{"zero levels", func(c *Config) { c.GridLevels = 0 }, "grid levels"},
		{"bad spacing", func(c *Config) { c.GridSpacing = "log" }, "grid spacing"},
		{"bad mode", func(c *Config) { c.Mode = "dry" }, "execution mode"},
		{"live without keys", func(c *Config) { c.Mode = ModeLive }, "BINANCE_API_KEY"},
		{"stop loss without price", func(c *Config) { c.StopLoss.Enabled = true }, "stop loss"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyGridFile(t *testing.T) {
	setGridEnv(t)
	path := filepath.Join(t.TempDir(), "grid.yaml")
	body := `
pair: BTC/USDT
grid:
  bottom: 86
  top: 110
  levels: 8
  spacing: geometric
  center: 98
risk:
  stop_loss:
    enabled: true
    price: 80
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GRID_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Base != "BTC" || cfg.GridLevels != 8 || cfg.GridSpacing != "geometric" {
		t.Fatalf("grid file not applied: %+v", cfg)
	}
	if !cfg.GridCenter.Equal(decimal.NewFromInt(98)) || !cfg.GridBottom.Equal(decimal.NewFromInt(86)) {
		t.Fatalf("center/bottom = %s/%s", cfg.GridCenter, cfg.GridBottom)
	}
	if !cfg.StopLoss.Enabled || !cfg.StopLoss.Price.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("stop loss = %+v", cfg.StopLoss)
	}
	// untouched by the file
	if !cfg.InitialFiat.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("initial fiat = %s", cfg.InitialFiat)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"grid-core/internal/engine"
	"grid-core/internal/events"
	"grid-core/internal/execution"
	"grid-core/internal/grid"
	"grid-core/internal/market"
	"grid-core/internal/monitor"
	"grid-core/internal/trend"
	"grid-core/pkg/config"
	"grid-core/pkg/exchanges/binance/spot"
)

func newRunCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trade the grid against Binance spot (live) or its testnet (paper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "" {
				cfg.Mode = config.Mode(mode)
			}
			if !cfg.Live() {
				return fmt.Errorf("run needs live or paper mode, got %q; use replay for historical data", cfg.Mode)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLive(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "live or paper (overrides EXECUTION_MODE)")
	return cmd
}

func runLive(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	client := spot.New(spot.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.Mode == config.ModePaper,
	}, log)

	metrics := monitor.NewMetrics()
	bus := events.NewBus(log)
	startMonitoring(ctx, cfg, bus, metrics, log)

	gw := execution.NewLive(client, execution.LiveConfig{
		Pair:       cfg.Pair,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Slippage:   cfg.SlippageBudget,
	}, log, metrics)
	src := engine.NewLiveSource(client, cfg.Pair, execution.Backoff{Base: time.Second, Max: 30 * time.Second}, cfg.StreamMaxRetries, log)

	opts := []engine.Option{engine.WithRecorder(metrics)}
	if cfg.TrendAddr != "" {
		tc, err := trend.NewClient(cfg.TrendAddr)
		if err != nil {
			return err
		}
		defer tc.Close()
		opts = append(opts, engine.WithTrend(tc))
	}

	eng, err := engine.New(ctx, engine.ConfigFrom(cfg), gw, src, bus, log, opts...)
	if err != nil {
		return err
	}
	defer eng.Stop()

	err = eng.Run(ctx)
	printReport(eng.Report(), cfg)
	return err
}

func newReplayCmd() *cobra.Command {
	var (
		csvPath   string
		dbPath    string
		interval  string
		fromStr   string
		toStr     string
		fetch     bool
		synthetic int
		seed      int64
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run the grid over historical candles with simulated fills",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Mode = config.ModeReplay
			if err := cfg.Validate(); err != nil {
				return err
			}
			if csvPath == "" {
				csvPath = cfg.ReplayCSVPath
			}
			if dbPath == "" {
				dbPath = cfg.ReplayDBPath
			}
			if interval == "" {
				interval = cfg.ReplayInterval
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var (
				candles []market.Candle
				err     error
			)
			switch {
			case synthetic > 0:
				candles = syntheticCandles(cfg, synthetic, interval, seed)
			case csvPath != "":
				candles, err = market.LoadCSV(csvPath)
			default:
				candles, err = storedCandles(ctx, cfg, dbPath, interval, fromStr, toStr, fetch)
			}
			if err != nil {
				return err
			}
			if len(candles) == 0 {
				return errors.New("no candles to replay")
			}
			logger.Info("replaying candles", zap.Int("count", len(candles)), zap.Time("from", candles[0].Time), zap.Time("to", candles[len(candles)-1].Time))
			return runReplay(ctx, cfg, candles, logger)
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "candle CSV file (overrides REPLAY_CSV_PATH)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite candle store (overrides REPLAY_DB_PATH)")
	cmd.Flags().StringVar(&interval, "interval", "", "candle interval, e.g. 1m, 1h (overrides REPLAY_INTERVAL)")
	cmd.Flags().StringVar(&fromStr, "from", "", "start date (RFC3339 or 2006-01-02)")
	cmd.Flags().StringVar(&toStr, "to", "", "end date (RFC3339 or 2006-01-02)")
	cmd.Flags().BoolVar(&fetch, "fetch", false, "download klines from Binance into the store first")
	cmd.Flags().IntVar(&synthetic, "synthetic", 0, "replay N random-walk candles instead of stored data")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed for --synthetic")
	return cmd
}

func runReplay(ctx context.Context, cfg *config.Config, candles []market.Candle, log *zap.Logger) error {
	metrics := monitor.NewMetrics()
	bus := events.NewBus(log)
	startMonitoring(ctx, cfg, bus, metrics, log)

	gw := execution.NewReplay(execution.ReplayConfig{
		Pair:     cfg.Pair,
		Slippage: cfg.SlippageBudget,
		FeeRate:  cfg.FeeRate,
	}, log)
	eng, err := engine.New(ctx, engine.ConfigFrom(cfg), gw, engine.NewReplaySource(candles), bus, log,
		engine.WithFills(gw), engine.WithRecorder(metrics))
	if err != nil {
		return err
	}
	defer eng.Stop()

	err = eng.Run(ctx)
	printReport(eng.Report(), cfg)
	return err
}

func storedCandles(ctx context.Context, cfg *config.Config, dbPath, interval, fromStr, toStr string, fetch bool) ([]market.Candle, error) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	var err error
	if fromStr != "" {
		if from, err = parseDate(fromStr); err != nil {
			return nil, err
		}
	}
	if toStr != "" {
		if to, err = parseDate(toStr); err != nil {
			return nil, err
		}
	}

	store, err := market.OpenStore(dbPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if fetch {
		client := spot.New(spot.Config{}, logger)
		candles, err := market.Fetch(ctx, client, cfg.Pair, interval, from, to)
		if err != nil {
			return nil, fmt.Errorf("fetch klines: %w", err)
		}
		if err := store.Save(ctx, cfg.Pair, interval, candles); err != nil {
			return nil, err
		}
		logger.Info("klines stored", zap.Int("count", len(candles)), zap.String("db", dbPath))
	}
	return store.Load(ctx, cfg.Pair, interval, from, to)
}

func syntheticCandles(cfg *config.Config, bars int, interval string, seed int64) []market.Candle {
	start := cfg.GridCenter
	if !start.IsPositive() {
		start = cfg.GridBottom.Add(cfg.GridTop).Div(decimal.NewFromInt(2))
	}
	step := decimal.Zero
	if cfg.GridLevels > 0 {
		step = cfg.GridTop.Sub(cfg.GridBottom).Div(decimal.NewFromInt(int64(cfg.GridLevels)))
	}
	iv, err := time.ParseDuration(interval)
	if err != nil {
		iv = time.Hour
	}
	return market.RandomWalk(market.WalkConfig{
		Start:    start,
		Step:     step,
		Bars:     bars,
		Interval: iv,
		From:     time.Now().UTC().Truncate(iv).Add(-time.Duration(bars) * iv),
		Seed:     seed,
	})
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func newLevelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "Print the computed grid",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := grid.New(engine.ConfigFrom(cfg).Grid)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LEVEL\tPRICE\tSIDE")
			for _, lvl := range g.Levels() {
				side := string(lvl.Side)
				if lvl.Index == g.TriggerIndex() {
					side = "TRIGGER"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", lvl.Index, lvl.Price.StringFixed(cfg.PricePrecision), side)
			}
			buys, sells := g.Counts()
			fmt.Fprintf(w, "\nbuy levels: %d\tsell levels: %d\tspacing: %s\n", buys, sells, g.Spacing())
			return w.Flush()
		},
	}
}

// startMonitoring wires the metrics gauge, the alert sink and, when
// configured, the /metrics endpoint.
func startMonitoring(ctx context.Context, cfg *config.Config, bus *events.Bus, metrics *monitor.Metrics, log *zap.Logger) {
	mon := &monitor.Monitor{Bus: bus, Metrics: metrics, Sink: monitor.LogSink{Log: log}, Log: log}
	mon.Start(ctx)
	if cfg.MetricsAddr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr, log); err != nil {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
}

func printReport(p engine.Performance, cfg *config.Config) {
	pct := func(d decimal.Decimal) string { return d.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%" }
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "pair\t%s\n", cfg.Pair)
	fmt.Fprintf(w, "initial value\t%s %s\n", p.InitialValue.StringFixed(2), cfg.Quote)
	fmt.Fprintf(w, "final value\t%s %s\n", p.FinalValue.StringFixed(2), cfg.Quote)
	fmt.Fprintf(w, "roi\t%s\n", pct(p.ROI))
	fmt.Fprintf(w, "buy and hold roi\t%s\n", pct(p.BuyAndHoldROI))
	fmt.Fprintf(w, "max drawdown\t%s\n", pct(p.MaxDrawdown))
	fmt.Fprintf(w, "orders filled\t%d\n", p.Trades)
	fmt.Fprintf(w, "grid trades\t%d (realized %s)\n", p.GridTrades, p.Realized.StringFixed(2))
	fmt.Fprintf(w, "fees\t%s %s\n", p.Fees.StringFixed(4), cfg.Quote)
	_ = w.Flush()
}

// Package engine drives a grid session from a price source. Each tick
// resolves simulated fills, advances the manager, checks take-profit and
// stop-loss, and records an equity snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-core/internal/balance"
	"grid-core/internal/events"
	"grid-core/internal/execution"
	"grid-core/internal/grid"
	"grid-core/internal/manager"
	"grid-core/internal/market"
	"grid-core/internal/order"
	"grid-core/internal/reconciliation"
	"grid-core/internal/risk"
	"grid-core/internal/session"
	"grid-core/internal/tracker"
	"grid-core/internal/trend"
	"grid-core/pkg/config"
	"grid-core/pkg/exchanges/common"
)

var (
	ErrRunning = errors.New("engine already running")
	ErrClosed  = errors.New("engine stopped")
)

// FillSource resolves resting orders against a bar. execution.Replay
// implements it.
type FillSource interface {
	Advance(c market.Candle) []common.OrderRecord
}

// Config holds everything needed to build a session.
type Config struct {
	Mode          config.Mode
	Pair          string
	Base          string
	Quote         string
	Grid          grid.Params
	InitialFiat   decimal.Decimal
	InitialCrypto decimal.Decimal
	FeeRate       decimal.Decimal
	Manager       manager.Config
	TakeProfit    config.Threshold
	StopLoss      config.Threshold

	StatusPollInterval  time.Duration
	BalanceSyncInterval time.Duration
	ReconcileInterval   time.Duration
	ReconcileTolerance  decimal.Decimal
	TrendPollInterval   time.Duration

	// AwaitRestart keeps Run alive after a stopped session until a
	// StartSession event or Restart builds the next one.
	AwaitRestart bool
}

// ConfigFrom maps process configuration onto an engine config. Against an
// exchange InitialFiat caps the budget; balances come from the exchange.
func ConfigFrom(c *config.Config) Config {
	budget := decimal.Zero
	if c.Live() {
		budget = c.InitialFiat
	}
	return Config{
		Mode:  c.Mode,
		Pair:  c.Pair,
		Base:  c.Base,
		Quote: c.Quote,
		Grid: grid.Params{
			Bottom:    c.GridBottom,
			Top:       c.GridTop,
			Count:     c.GridLevels,
			Spacing:   grid.Spacing(c.GridSpacing),
			Center:    c.GridCenter,
			Precision: c.PricePrecision,
		},
		InitialFiat:   c.InitialFiat,
		InitialCrypto: c.InitialCrypto,
		FeeRate:       c.FeeRate,
		Manager: manager.Config{
			Budget:          budget,
			OrderAmount:     c.OrderAmount,
			AmountPrecision: c.AmountPrecision,
			Slippage:        c.SlippageBudget,
			ResyncAttempts:  c.ResyncRetries,
			ResyncDelay:     c.ResyncDelay,
		},
		TakeProfit:          c.TakeProfit,
		StopLoss:            c.StopLoss,
		StatusPollInterval:  c.StatusPollInterval,
		BalanceSyncInterval: c.BalanceSyncInterval,
		ReconcileInterval:   c.ReconcileInterval,
		ReconcileTolerance:  c.ReconcileTolerance,
		TrendPollInterval:   c.TrendPollInterval,
		AwaitRestart:        c.Live(),
	}
}

type Option func(*Engine)

// WithFills resolves simulated fills each tick. Required when the gateway
// reports SyncFills.
func WithFills(f FillSource) Option { return func(e *Engine) { e.fills = f } }

func WithRecorder(r manager.Recorder) Option { return func(e *Engine) { e.rec = r } }

// WithTrend polls s during each session and pauses placement on its verdict.
func WithTrend(s trend.Signal) Option { return func(e *Engine) { e.signal = s } }

type stopRequest struct {
	reason    string
	liquidate bool
}

type Engine struct {
	cfg    Config
	gw     execution.Gateway
	source PriceSource
	bus    *events.Bus
	log    *zap.Logger
	fills  FillSource
	rec    manager.Recorder
	signal trend.Signal
	eval   *risk.Evaluator

	paused     atomic.Bool
	offs       []func()
	restartReq chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once

	mu     sync.Mutex
	sess   *session.Session
	mgr    *manager.Manager
	curve  *equityCurve
	active bool
	cancel context.CancelFunc
	done   chan struct{}
	stop   stopRequest
}

// New builds the engine and its first session. In authoritative mode the
// session's ledger is loaded from the exchange.
func New(ctx context.Context, cfg Config, gw execution.Gateway, src PriceSource, bus *events.Bus, log *zap.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:        cfg,
		gw:         gw,
		source:     src,
		bus:        bus,
		log:        log.Named("engine"),
		eval:       risk.NewEvaluator(cfg.TakeProfit, cfg.StopLoss),
		restartReq: make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if gw.Capabilities().SyncFills && e.fills == nil {
		return nil, errors.New("engine: gateway resolves fills synchronously but no fill source was given")
	}
	if err := e.rebuild(ctx); err != nil {
		return nil, err
	}

	e.offs = []func(){
		bus.On(events.EventStopSession, e.onStopEvent),
		bus.On(events.EventStartSession, func(any) { e.requestStart() }),
		bus.On(events.EventTrendPause, func(any) { e.paused.Store(true) }),
		bus.On(events.EventTrendResume, func(any) { e.paused.Store(false) }),
	}
	return e, nil
}

// rebuild replaces the session with a fresh grid, ledger and book.
func (e *Engine) rebuild(ctx context.Context) error {
	g, err := grid.New(e.cfg.Grid)
	if err != nil {
		return err
	}
	ledger := balance.NewLedger(e.cfg.Base, e.cfg.Quote, e.cfg.InitialFiat, e.cfg.InitialCrypto, e.cfg.FeeRate, e.log)
	if e.gw.Capabilities().Authoritative {
		if err := ledger.Resync(ctx, e.gw); err != nil {
			return fmt.Errorf("initial balances: %w", err)
		}
	}
	sess := session.New(e.cfg.Mode, e.cfg.Pair, g, ledger)
	mgr := manager.New(sess, e.gw, e.bus, e.cfg.Manager, e.rec, e.log)

	e.mu.Lock()
	e.sess, e.mgr = sess, mgr
	e.curve = newEquityCurve(ledger.AdjustedFiat(), ledger.AdjustedCrypto())
	e.mu.Unlock()
	e.paused.Store(false)

	buys, sells := g.Counts()
	e.log.Info("session built",
		zap.String("session", sess.ID),
		zap.String("pair", sess.Pair),
		zap.String("mode", string(sess.Mode)),
		zap.String("trigger", sess.Trigger().String()),
		zap.Int("buy_levels", buys),
		zap.Int("sell_levels", sells))
	return nil
}

// Session returns the current session.
func (e *Engine) Session() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

func (e *Engine) Manager() *manager.Manager {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mgr
}

// Run drives sessions until the source ends, Stop is called, ctx is done or
// a fatal stream error occurs.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.isClosed() {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.active {
		e.mu.Unlock()
		return ErrRunning
	}
	e.active = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active = false
		e.mu.Unlock()
	}()

	for {
		if err := e.runSession(ctx); err != nil {
			return err
		}
		select {
		case <-e.restartReq:
			if err := e.rebuild(ctx); err != nil {
				return err
			}
			continue
		default:
		}
		if ctx.Err() != nil || e.isClosed() || !e.cfg.AwaitRestart {
			return nil
		}
		e.log.Info("session stopped, waiting for start signal")
		select {
		case <-ctx.Done():
			return nil
		case <-e.closed:
			return nil
		case <-e.restartReq:
			if err := e.rebuild(ctx); err != nil {
				return err
			}
		}
	}
}

// Stop ends the running session without liquidating and detaches the
// engine from the bus. It waits for the session's teardown, so it must not
// be called from a bus handler.
func (e *Engine) Stop() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		cancel, done := e.cancel, e.done
		if e.stop.reason == "" {
			e.stop.reason = "stopped"
		}
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		for _, off := range e.offs {
			off()
		}
	})
}

// Restart ends the current session and builds a new one. When Run is
// active it continues with the new session.
func (e *Engine) Restart(ctx context.Context) error {
	e.mu.Lock()
	if e.isClosed() {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.active {
		select {
		case e.restartReq <- struct{}{}:
		default:
		}
		cancel := e.cancel
		if e.stop.reason == "" {
			e.stop.reason = "restart"
		}
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	e.mu.Unlock()
	return e.rebuild(ctx)
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// onStopEvent liquidates and ends the running session.
func (e *Engine) onStopEvent(p any) {
	reason := "stop requested"
	if s, ok := p.(events.Stop); ok && s.Reason != "" {
		reason = s.Reason
	}
	e.mu.Lock()
	cancel := e.cancel
	if cancel == nil {
		e.mu.Unlock()
		return
	}
	if e.stop.reason == "" {
		e.stop = stopRequest{reason: reason, liquidate: true}
	}
	e.mu.Unlock()
	cancel()
}

func (e *Engine) requestStart() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || e.cancel != nil {
		return
	}
	select {
	case e.restartReq <- struct{}{}:
	default:
	}
}

func (e *Engine) runSession(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mu.Lock()
	sess, mgr := e.sess, e.mgr
	e.cancel, e.done = cancel, done
	e.stop = stopRequest{}
	e.mu.Unlock()

	// Venue calls started by the session finish even after a stop.
	opCtx := context.WithoutCancel(ctx)
	log := e.log.With(zap.String("session", sess.ID))

	sess.SetRunning(true)
	detach := mgr.Attach(opCtx)
	stopBackground := e.startBackground(runCtx, sess, mgr)
	log.Info("session started")

	err := e.loop(runCtx, opCtx, sess, mgr)

	cancel()
	stopBackground()

	e.mu.Lock()
	req := e.stop
	e.cancel = nil
	e.mu.Unlock()

	if req.liquidate && mgr.State() != manager.Stopped {
		if lerr := mgr.Liquidate(opCtx, req.reason); lerr != nil {
			log.Error("liquidation failed", zap.Error(lerr))
		}
	}
	detach()
	sess.SetRunning(false)
	close(done)

	reason := req.reason
	if reason == "" && err == nil {
		reason = "source finished"
	}
	log.Info("session ended", zap.String("reason", reason), zap.String("state", mgr.State().String()), zap.Error(err))
	return err
}

func (e *Engine) loop(runCtx, opCtx context.Context, sess *session.Session, mgr *manager.Manager) error {
	for {
		tick, ok, err := e.source.Next(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrStreamExhausted) {
				mgr.Halt(err)
			}
			return err
		}
		if !ok {
			return nil
		}
		e.step(opCtx, sess, mgr, tick)
		if runCtx.Err() != nil {
			return nil
		}
	}
}

// step processes one tick.
func (e *Engine) step(ctx context.Context, sess *session.Session, mgr *manager.Manager, tick Tick) {
	price := tick.Price
	if e.fills != nil {
		c := tick.Candle
		if c == nil {
			c = &market.Candle{Time: tick.Time, Open: price, High: price, Low: price, Close: price}
		}
		e.resolveFills(sess, *c)
	}

	if e.paused.Load() {
		e.log.Debug("trend pause active, placement skipped", zap.String("price", price.String()))
	} else if err := mgr.OnPrice(ctx, price); err != nil {
		e.log.Warn("price update failed", zap.String("price", price.String()), zap.Error(err))
	}

	if d, hit := e.eval.Check(price); hit && mgr.State() != manager.Stopped {
		e.log.Warn("threshold breached", zap.String("kind", string(d.Kind)), zap.String("price", price.String()))
		if err := mgr.Liquidate(ctx, d.Reason); err != nil {
			e.log.Error("liquidation failed", zap.Error(err))
		}
		e.bus.Publish(events.EventStopSession, events.Stop{Reason: d.Reason})
	}

	e.snapshot(sess, tick)
}

// resolveFills closes simulated fills in the book and announces them.
func (e *Engine) resolveFills(sess *session.Session, c market.Candle) {
	recs := e.fills.Advance(c)
	order.SortFills(recs)
	for _, rec := range recs {
		o, ok := sess.Book.MarkClosed(rec)
		if !ok {
			continue
		}
		e.bus.Publish(events.EventOrderFilled, events.Fill{
			OrderID: o.ID,
			Side:    o.Side,
			Amount:  o.Filled,
			Price:   o.FillPrice(),
			Time:    c.Time,
		})
	}
}

func (e *Engine) snapshot(sess *session.Session, tick Tick) {
	s := sess.Ledger.Snapshot()
	eq := events.Equity{
		Time:   tick.Time,
		Price:  tick.Price,
		Value:  sess.Ledger.TotalValue(tick.Price),
		Fiat:   s.FreeFiat.Add(s.ReservedFiat),
		Crypto: s.FreeCrypto.Add(s.ReservedCrypto),
	}
	e.mu.Lock()
	e.curve.record(eq)
	e.mu.Unlock()
	e.bus.Publish(events.EventEquitySnapshot, eq)
}

// startBackground launches the session's polling loops and returns a
// function that stops them.
func (e *Engine) startBackground(ctx context.Context, sess *session.Session, mgr *manager.Manager) func() {
	var (
		stops []func()
		tr    *tracker.Tracker
	)
	caps := e.gw.Capabilities()
	if !caps.SyncFills {
		tr = tracker.New(sess, e.gw, e.bus, e.cfg.StatusPollInterval, e.log)
		tr.Start(ctx)
		stops = append(stops, tr.Stop)
	}
	if caps.Authoritative {
		rs := reconciliation.NewService(sess.Ledger, e.gw, mgr, e.cfg.ReconcileInterval, e.cfg.ReconcileTolerance, e.log)
		if tr != nil {
			rs.SetRefresher(tr)
		}
		rs.Start(ctx)
		sess.Ledger.StartSync(ctx, e.gw, e.cfg.BalanceSyncInterval)
	}
	if e.signal != nil {
		p := trend.NewPoller(e.signal, e.bus, sess.Pair, "analyzer", e.cfg.TrendPollInterval, e.log)
		p.Start(ctx)
		stops = append(stops, p.Stop)
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// Report summarises the current session.
func (e *Engine) Report() Performance {
	e.mu.Lock()
	sess, mgr, curve := e.sess, e.mgr, e.curve
	p := curve.performance(sess.Ledger.TotalValue(curve.last))
	e.mu.Unlock()

	st := mgr.Stats()
	p.Trades = len(sess.Book.Filled())
	p.Fees = sess.Ledger.Snapshot().Fees
	p.GridTrades = st.GridTrades
	p.Realized = st.Realized
	return p
}

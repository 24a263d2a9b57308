package reconciliation

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-core/internal/balance"
	"grid-core/pkg/exchanges/common"
)

// Halter stops grid placement after an unrecoverable divergence.
type Halter interface {
	Halt(err error)
}

// Refresher brings the order book up to date with the venue, delivering any
// fills the ledger has not settled yet. tracker.Tracker implements it.
type Refresher interface {
	Poll(ctx context.Context)
}

// confirmations is how many reconciliations in a row must see a divergence
// before trading halts.
const confirmations = 2

// Service periodically compares the ledger against exchange balances.
type Service struct {
	ledger    *balance.Ledger
	exchange  common.BalanceReader
	halter    Halter
	interval  time.Duration
	tolerance decimal.Decimal
	log       *zap.Logger

	mu        sync.Mutex
	autoSync  bool
	refresher Refresher
	strikes   int
}

// Report contains reconciliation results.
type Report struct {
	Timestamp time.Time
	Diffs     []Diff
	HasDiffs  bool
	Synced    bool
}

// Diff represents a per-currency difference.
type Diff struct {
	Currency   string
	Local      decimal.Decimal
	Exchange   decimal.Decimal
	Difference decimal.Decimal
}

// NewService creates a reconciliation service. tolerance is relative to the
// larger of the two totals.
func NewService(ledger *balance.Ledger, exchange common.BalanceReader, halter Halter, interval time.Duration, tolerance decimal.Decimal, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		ledger:    ledger,
		exchange:  exchange,
		halter:    halter,
		interval:  interval,
		tolerance: tolerance,
		log:       log.Named("reconciliation"),
		autoSync:  true,
	}
}

// SetAutoSync controls whether an idle ledger is resynced instead of halted.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	s.log.Info("auto-sync changed", zap.Bool("enabled", enabled))
}

// SetRefresher sets the poll run before every comparison.
func (s *Service) SetRefresher(r Refresher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresher = r
}

// Start begins periodic reconciliation. The loop ends with ctx.
func (s *Service) Start(ctx context.Context) {
	if s.exchange == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Reconcile(ctx); err != nil {
					s.log.Warn("reconciliation error", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("reconciliation started", zap.Duration("interval", s.interval))
}

// Reconcile compares ledger totals with the exchange. Order status is
// refreshed first so fills already done on the venue are settled. An idle
// ledger is resynced when auto-sync is enabled; otherwise a divergence seen
// on consecutive runs halts the manager.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now()}
	if s.exchange == nil {
		return report, nil
	}
	if s.refresher != nil {
		s.refresher.Poll(ctx)
	}

	bals, err := s.exchange.GetBalance(ctx)
	if err != nil {
		return nil, err
	}

	local := map[string]decimal.Decimal{
		s.ledger.Quote(): s.ledger.AdjustedFiat(),
		s.ledger.Base():  s.ledger.AdjustedCrypto(),
	}
	for _, cur := range []string{s.ledger.Quote(), s.ledger.Base()} {
		ex := bals.Total(cur)
		if s.within(local[cur], ex) {
			continue
		}
		report.Diffs = append(report.Diffs, Diff{
			Currency:   cur,
			Local:      local[cur],
			Exchange:   ex,
			Difference: local[cur].Sub(ex),
		})
	}
	report.HasDiffs = len(report.Diffs) > 0
	if !report.HasDiffs {
		s.strikes = 0
		s.log.Debug("reconciliation ok")
		return report, nil
	}

	for _, d := range report.Diffs {
		s.log.Warn("balance divergence",
			zap.String("currency", d.Currency),
			zap.String("local", d.Local.String()),
			zap.String("exchange", d.Exchange.String()),
			zap.String("diff", d.Difference.String()))
	}

	if s.autoSync && !s.ledger.HasReservations() {
		synced, err := s.ledger.ResyncIfIdle(ctx, s.exchange)
		if err != nil {
			return report, err
		}
		if synced {
			s.strikes = 0
			report.Synced = true
			return report, nil
		}
	}

	s.strikes++
	if s.strikes < confirmations {
		s.log.Warn("divergence not confirmed yet, rechecking next run", zap.Int("seen", s.strikes))
		return report, nil
	}

	first := report.Diffs[0]
	rerr := &balance.ReconciliationError{
		Currency: first.Currency,
		Expected: first.Local,
		Actual:   first.Exchange,
		Reason:   "ledger diverges from exchange balance",
	}
	if s.halter != nil {
		s.halter.Halt(rerr)
	}
	return report, rerr
}

func (s *Service) within(local, exchange decimal.Decimal) bool {
	diff := local.Sub(exchange).Abs()
	if diff.IsZero() {
		return true
	}
	scale := decimal.Max(local.Abs(), exchange.Abs())
	return diff.LessThanOrEqual(scale.Mul(s.tolerance))
}

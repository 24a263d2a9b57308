package reconciliation

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-core/internal/balance"
	"grid-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticBalances common.Balances

func (s staticBalances) GetBalance(context.Context) (common.Balances, error) {
	return common.Balances(s), nil
}

type haltRecorder struct{ err error }

func (h *haltRecorder) Halt(err error) { h.err = err }

func newLedger() *balance.Ledger {
	return balance.NewLedger("BTC", "USDT", d("1000"), d("2"), d("0.001"), zap.NewNop())
}

func TestReconcileWithinTolerance(t *testing.T) {
	l := newLedger()
	ex := staticBalances{
		"USDT": {Free: d("1000.05"), Total: d("1000.05")},
		"BTC":  {Free: d("2"), Total: d("2")},
	}
	h := &haltRecorder{}
	s := NewService(l, ex, h, 0, d("0.0001"), zap.NewNop())

	report, err := s.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if report.HasDiffs || h.err != nil {
		t.Fatalf("expected no diffs, got %+v", report.Diffs)
	}
}

func TestDivergenceWithOpenOrdersHalts(t *testing.T) {
	l := newLedger()
	if err := l.Reserve("USDT", d("100")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	ex := staticBalances{
		"USDT": {Free: d("900"), Total: d("900")},
		"BTC":  {Free: d("2"), Total: d("2")},
	}
	h := &haltRecorder{}
	s := NewService(l, ex, h, 0, d("0.0001"), zap.NewNop())

	if _, err := s.Reconcile(context.Background()); err != nil || h.err != nil {
		t.Fatalf("first divergence must only be noted: err=%v halt=%v", err, h.err)
	}
	report, err := s.Reconcile(context.Background())
	if !errors.Is(err, balance.ErrReconciliation) {
		t.Fatalf("expected reconciliation error, got %v", err)
	}
	if !errors.Is(h.err, balance.ErrReconciliation) {
		t.Fatalf("expected halt with reconciliation error, got %v", h.err)
	}
	if len(report.Diffs) != 1 || report.Diffs[0].Currency != "USDT" {
		t.Fatalf("unexpected diffs: %+v", report.Diffs)
	}
	if !report.Diffs[0].Difference.Equal(d("100")) {
		t.Fatalf("difference=%s, expected 100", report.Diffs[0].Difference)
	}
}

func TestIdleDivergenceResyncs(t *testing.T) {
	l := newLedger()
	ex := staticBalances{
		"USDT": {Free: d("800"), Total: d("800")},
		"BTC":  {Free: d("2.5"), Total: d("2.5")},
	}
	h := &haltRecorder{}
	s := NewService(l, ex, h, 0, d("0.0001"), zap.NewNop())

	report, err := s.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if !report.Synced || h.err != nil {
		t.Fatalf("expected resync without halt, synced=%v halt=%v", report.Synced, h.err)
	}
	if !l.AdjustedFiat().Equal(d("800")) || !l.AdjustedCrypto().Equal(d("2.5")) {
		t.Fatalf("ledger not resynced: fiat=%s crypto=%s", l.AdjustedFiat(), l.AdjustedCrypto())
	}
}

func TestAutoSyncDisabledHalts(t *testing.T) {
	l := newLedger()
	ex := staticBalances{
		"USDT": {Free: d("1000"), Total: d("1000")},
		"BTC":  {Free: d("1"), Total: d("1")},
	}
	h := &haltRecorder{}
	s := NewService(l, ex, h, 0, d("0.0001"), zap.NewNop())
	s.SetAutoSync(false)

	_, _ = s.Reconcile(context.Background())
	if _, err := s.Reconcile(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if h.err == nil {
		t.Fatalf("expected halt")
	}
}

type refreshFunc func(context.Context)

func (f refreshFunc) Poll(ctx context.Context) { f(ctx) }

// fillPendingOnVenue is a ledger with a resting buy whose fill the venue has
// already booked.
func fillPendingOnVenue(t *testing.T) (*balance.Ledger, staticBalances) {
	t.Helper()
	l := newLedger()
	if err := l.Reserve("USDT", d("95.095")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return l, staticBalances{
		"USDT": {Free: d("904.905"), Total: d("904.905")},
		"BTC":  {Free: d("3"), Total: d("3")},
	}
}

func TestRefreshSettlesFillBeforeComparing(t *testing.T) {
	l, ex := fillPendingOnVenue(t)
	h := &haltRecorder{}
	s := NewService(l, ex, h, 0, d("0.01"), zap.NewNop())
	polls := 0
	s.SetRefresher(refreshFunc(func(context.Context) {
		polls++
		if polls == 1 {
			if _, err := l.SettleBuyFill(d("95.095"), d("1"), d("95")); err != nil {
				t.Fatalf("settle: %v", err)
			}
		}
	}))

	report, err := s.Reconcile(context.Background())
	if err != nil || report.HasDiffs || h.err != nil {
		t.Fatalf("err=%v diffs=%+v halt=%v", err, report.Diffs, h.err)
	}
	if polls != 1 {
		t.Fatalf("polls=%d", polls)
	}
}

func TestUnsettledFillDoesNotHaltOnFirstSight(t *testing.T) {
	l, ex := fillPendingOnVenue(t)
	h := &haltRecorder{}
	s := NewService(l, ex, h, 0, d("0.01"), zap.NewNop())

	report, err := s.Reconcile(context.Background())
	if err != nil || h.err != nil {
		t.Fatalf("halted on an ordinary fill: err=%v halt=%v", err, h.err)
	}
	if !report.HasDiffs {
		t.Fatalf("divergence not reported")
	}

	// the status poll catches up before the next run
	if _, err := l.SettleBuyFill(d("95.095"), d("1"), d("95")); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := s.Reconcile(context.Background()); err != nil || h.err != nil {
		t.Fatalf("err=%v halt=%v", err, h.err)
	}
	// a later divergence starts counting from zero again
	if err := l.Reserve("BTC", d("1")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	ex["BTC"] = common.Balance{Free: d("2"), Total: d("2")}
	if _, err := s.Reconcile(context.Background()); err != nil || h.err != nil {
		t.Fatalf("counter not reset: err=%v halt=%v", err, h.err)
	}
}

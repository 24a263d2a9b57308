package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseStatus(t *testing.T) {
	tests := map[string]OrderStatus{
		"NEW":              StatusOpen,
		"PARTIALLY_FILLED": StatusOpen,
		"FILLED":           StatusClosed,
		"closed":           StatusClosed,
		"CANCELED":         StatusCanceled,
		"EXPIRED":          StatusCanceled,
		"REJECTED":         StatusCanceled,
		"weird":            StatusUnknown,
	}
	for in, want := range tests {
		if got := ParseStatus(in); got != want {
			t.Fatalf("ParseStatus(%q)=%s, expected %s", in, got, want)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	netErr := fmt.Errorf("place: %w", &NetworkError{Op: "place", Err: errors.New("timeout")})
	if !IsRetryable(netErr) {
		t.Fatalf("wrapped NetworkError should be retryable")
	}
	if IsRejected(netErr) {
		t.Fatalf("NetworkError should not count as rejection")
	}

	exErr := &ExchangeError{Op: "place", Code: -2010, Msg: "insufficient balance"}
	if IsRetryable(exErr) {
		t.Fatalf("ExchangeError should not be retryable")
	}
	if !IsRejected(exErr) {
		t.Fatalf("ExchangeError should count as rejection")
	}
}

func TestOrderRecordRemaining(t *testing.T) {
	rec := OrderRecord{Amount: decimal.NewFromInt(10), Filled: decimal.NewFromInt(4)}
	if !rec.Remaining().Equal(decimal.NewFromInt(6)) {
		t.Fatalf("Remaining=%s, expected 6", rec.Remaining())
	}
	rec.Filled = decimal.NewFromInt(12)
	if !rec.Remaining().IsZero() {
		t.Fatalf("Remaining should clamp at zero, got %s", rec.Remaining())
	}
}

func TestTimeSyncOffset(t *testing.T) {
	ts := NewTimeSync(func(ctx context.Context) (int64, error) {
		return time.Now().Add(5 * time.Second).UnixMilli(), nil
	}, nil)
	if err := ts.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if off := ts.Offset(); off < 4900 || off > 5100 {
		t.Fatalf("offset=%dms, expected about 5000ms", off)
	}
}

func TestRateLimiterUsage(t *testing.T) {
	rl := NewRateLimiter(100, 10, 1200, time.Minute, nil)
	rl.UpdateFromHeader("1100")
	if !rl.ShouldDelay() {
		t.Fatalf("expected delay at 1100/1200")
	}
	rl.UpdateFromHeader("100")
	if rl.ShouldDelay() {
		t.Fatalf("unexpected delay at 100/1200")
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

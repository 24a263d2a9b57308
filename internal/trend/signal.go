// Package trend consumes an external trend analyzer through a narrow
// signal interface and turns its verdicts into pause/resume events.
package trend

import "context"

// Verdict is one reading of the analyzer.
type Verdict struct {
	Pause  bool
	Trend  string // e.g. "up", "down", "range"
	Reason string
}

// Signal reports whether grid placement should pause for pair.
type Signal interface {
	Evaluate(ctx context.Context, pair string) (Verdict, error)
}

// Static always returns the same verdict. It stands in for the analyzer in
// paper trading and tests.
type Static struct {
	Verdict Verdict
}

func (s Static) Evaluate(context.Context, string) (Verdict, error) {
	return s.Verdict, nil
}

// SignalFunc adapts a function to Signal.
type SignalFunc func(ctx context.Context, pair string) (Verdict, error)

func (f SignalFunc) Evaluate(ctx context.Context, pair string) (Verdict, error) {
	return f(ctx, pair)
}

package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"grid-core/pkg/config"
)

// Kind identifies which threshold fired.
type Kind string

const (
	KindTakeProfit Kind = "TAKE_PROFIT"
	KindStopLoss   Kind = "STOP_LOSS"
)

// Decision describes a threshold breach.
type Decision struct {
	Kind      Kind
	Threshold decimal.Decimal
	Price     decimal.Decimal
	Reason    string
}

// Evaluator checks the current price against take-profit and stop-loss
// thresholds. A disabled threshold never fires.
type Evaluator struct {
	takeProfit config.Threshold
	stopLoss   config.Threshold
}

// NewEvaluator creates an evaluator for the given thresholds.
func NewEvaluator(takeProfit, stopLoss config.Threshold) *Evaluator {
	return &Evaluator{takeProfit: takeProfit, stopLoss: stopLoss}
}

// Enabled reports whether any threshold is armed.
func (e *Evaluator) Enabled() bool {
	return e.takeProfit.Enabled || e.stopLoss.Enabled
}

// Check returns a decision when price breaches a threshold. Stop loss wins
// when both are configured so that they overlap.
func (e *Evaluator) Check(price decimal.Decimal) (Decision, bool) {
	if !price.IsPositive() {
		return Decision{}, false
	}
	if e.stopLoss.Enabled && price.LessThanOrEqual(e.stopLoss.Price) {
		return Decision{
			Kind:      KindStopLoss,
			Threshold: e.stopLoss.Price,
			Price:     price,
			Reason:    fmt.Sprintf("stop loss triggered at %s (threshold %s)", price, e.stopLoss.Price),
		}, true
	}
	if e.takeProfit.Enabled && price.GreaterThanOrEqual(e.takeProfit.Price) {
		return Decision{
			Kind:      KindTakeProfit,
			Threshold: e.takeProfit.Price,
			Price:     price,
			Reason:    fmt.Sprintf("take profit triggered at %s (threshold %s)", price, e.takeProfit.Price),
		}, true
	}
	return Decision{}, false
}

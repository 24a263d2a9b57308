// Package grid computes the price ladder a grid session trades on and tracks
// which rungs currently hold an order.
package grid

import (
	"math"

	"github.com/shopspring/decimal"

	"grid-core/pkg/exchanges/common"
)

// Spacing is the rule used to distribute levels across the range.
type Spacing string

const (
	SpacingArithmetic Spacing = "arithmetic" // equal price differences
	SpacingGeometric  Spacing = "geometric"  // equal price ratios
)

// Params configures a grid.
type Params struct {
	Bottom  decimal.Decimal
	Top     decimal.Decimal
	Count   int // number of intervals; the grid has Count+1 levels
	Spacing Spacing
	// Center selects the trigger level. Zero means the range midpoint.
	Center decimal.Decimal
	// Precision is the number of decimal places levels are rounded to.
	Precision int32
}

// Level is one rung of the ladder. Side is empty for the trigger level.
type Level struct {
	Index int
	Price decimal.Decimal
	Side  common.Side
}

// Grid is an immutable ladder of strictly increasing price levels.
type Grid struct {
	levels  []Level
	trigger int
	spacing Spacing
}

// New builds a grid from p.
func New(p Params) (*Grid, error) {
	invalid := func(reason string) error {
		return &InvalidRangeError{Bottom: p.Bottom, Top: p.Top, Count: p.Count, Reason: reason}
	}
	switch {
	case p.Count < 1:
		return nil, invalid("level count must be at least 1")
	case !p.Bottom.IsPositive():
		return nil, invalid("bottom must be positive")
	case p.Bottom.GreaterThanOrEqual(p.Top):
		return nil, invalid("bottom must be below top")
	}
	if p.Spacing == "" {
		p.Spacing = SpacingArithmetic
	}

	prices := make([]decimal.Decimal, p.Count+1)
	switch p.Spacing {
	case SpacingArithmetic:
		step := p.Top.Sub(p.Bottom).Div(decimal.NewFromInt(int64(p.Count)))
		for i := range prices {
			prices[i] = p.Bottom.Add(step.Mul(decimal.NewFromInt(int64(i))))
		}
	case SpacingGeometric:
		ratio := p.Top.Div(p.Bottom).InexactFloat64()
		for i := range prices {
			f := math.Pow(ratio, float64(i)/float64(p.Count))
			prices[i] = p.Bottom.Mul(decimal.NewFromFloat(f))
		}
	default:
		return nil, invalid("unknown spacing " + string(p.Spacing))
	}
	prices[0], prices[p.Count] = p.Bottom, p.Top

	for i := range prices {
		prices[i] = prices[i].Round(p.Precision)
		if i > 0 && !prices[i].GreaterThan(prices[i-1]) {
			return nil, invalid("levels collapse after rounding to " + decimal.NewFromInt32(p.Precision).String() + " places")
		}
	}

	center := p.Center
	if !center.IsPositive() {
		center = p.Bottom.Add(p.Top).Div(decimal.NewFromInt(2))
	}
	trigger := 0
	best := prices[0].Sub(center).Abs()
	for i, px := range prices[1:] {
		if d := px.Sub(center).Abs(); d.LessThan(best) {
			best, trigger = d, i+1
		}
	}

	g := &Grid{levels: make([]Level, len(prices)), trigger: trigger, spacing: p.Spacing}
	for i, px := range prices {
		lvl := Level{Index: i, Price: px}
		switch {
		case i < trigger:
			lvl.Side = common.SideBuy
		case i > trigger:
			lvl.Side = common.SideSell
		}
		g.levels[i] = lvl
	}
	return g, nil
}

// Len returns the number of levels.
func (g *Grid) Len() int { return len(g.levels) }

// Level returns the level at index i.
func (g *Grid) Level(i int) Level { return g.levels[i] }

// Levels returns a copy of all levels, lowest first.
func (g *Grid) Levels() []Level {
	out := make([]Level, len(g.levels))
	copy(out, g.levels)
	return out
}

func (g *Grid) Spacing() Spacing { return g.spacing }

// Trigger is the price at which initial capital is deployed.
func (g *Grid) Trigger() decimal.Decimal { return g.levels[g.trigger].Price }

// TriggerIndex is the index of the trigger level.
func (g *Grid) TriggerIndex() int { return g.trigger }

func (g *Grid) Bottom() decimal.Decimal { return g.levels[0].Price }
func (g *Grid) Top() decimal.Decimal    { return g.levels[len(g.levels)-1].Price }

// Contains reports whether price lies inside the grid range, bounds included.
func (g *Grid) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(g.Bottom()) && price.LessThanOrEqual(g.Top())
}

// Above returns the level one rung above i.
func (g *Grid) Above(i int) (Level, bool) {
	if i+1 >= len(g.levels) {
		return Level{}, false
	}
	return g.levels[i+1], true
}

// Below returns the level one rung below i.
func (g *Grid) Below(i int) (Level, bool) {
	if i <= 0 {
		return Level{}, false
	}
	return g.levels[i-1], true
}

// Counts returns how many levels carry a buy and a sell order at deployment.
func (g *Grid) Counts() (buys, sells int) {
	return g.trigger, len(g.levels) - g.trigger - 1
}

package grid

import (
	"sync"

	"grid-core/pkg/exchanges/common"
)

// Occupancy is the order state of one level.
type Occupancy int

const (
	Empty Occupancy = iota
	OrderPlaced
	Filled
)

func (o Occupancy) String() string {
	switch o {
	case OrderPlaced:
		return "ORDER_PLACED"
	case Filled:
		return "FILLED"
	default:
		return "EMPTY"
	}
}

// Slot is a point-in-time view of one level.
type Slot struct {
	Level     Level
	Occupancy Occupancy
	OrderID   string
	// Side is the order the level holds, or wants when Empty. Empty side on
	// an Empty slot means nothing is owed there.
	Side common.Side
}

// Ladder tracks occupancy for every level of a Grid. Methods never block on
// anything but the internal mutex.
type Ladder struct {
	grid *Grid

	mu      sync.Mutex
	slots   []Slot
	byOrder map[string]int
}

// NewLadder returns a ladder whose levels want their grid side.
func NewLadder(g *Grid) *Ladder {
	l := &Ladder{grid: g, slots: make([]Slot, g.Len()), byOrder: make(map[string]int)}
	for i, lvl := range g.levels {
		l.slots[i] = Slot{Level: lvl, Side: lvl.Side}
	}
	return l
}

func (l *Ladder) Grid() *Grid { return l.grid }

// MarkPlaced records that orderID now rests at level i.
func (l *Ladder) MarkPlaced(i int, orderID string, side common.Side) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev := l.slots[i].OrderID; prev != "" {
		delete(l.byOrder, prev)
	}
	l.slots[i].Occupancy = OrderPlaced
	l.slots[i].OrderID = orderID
	l.slots[i].Side = side
	l.byOrder[orderID] = i
}

// MarkFilled records that the order at level i executed.
func (l *Ladder) MarkFilled(i int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id := l.slots[i].OrderID; id != "" {
		delete(l.byOrder, id)
	}
	l.slots[i].Occupancy = Filled
	l.slots[i].OrderID = ""
}

// MarkEmpty frees level i. want is the side to retry there later, or ""
// when nothing should be placed.
func (l *Ladder) MarkEmpty(i int, want common.Side) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id := l.slots[i].OrderID; id != "" {
		delete(l.byOrder, id)
	}
	l.slots[i].Occupancy = Empty
	l.slots[i].OrderID = ""
	l.slots[i].Side = want
}

// LevelForOrder returns the level holding orderID.
func (l *Ladder) LevelForOrder(orderID string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.byOrder[orderID]
	return i, ok
}

// Slot returns the state of level i.
func (l *Ladder) Slot(i int) Slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slots[i]
}

// Pending returns Empty levels that still owe an order.
func (l *Ladder) Pending() []Slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Slot
	for _, s := range l.slots {
		if s.Occupancy == Empty && s.Side != "" {
			out = append(out, s)
		}
	}
	return out
}

// Snapshot copies every slot, lowest level first.
func (l *Ladder) Snapshot() []Slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Slot, len(l.slots))
	copy(out, l.slots)
	return out
}

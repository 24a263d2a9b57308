package order

import (
	"errors"
	"sort"
	"sync"

	"grid-core/pkg/exchanges/common"
)

var ErrDuplicateOrder = errors.New("order already in book")

// Book is the single owner of Order records for a session.
type Book struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

func NewBook() *Book {
	return &Book{orders: make(map[string]*Order)}
}

// Add inserts o. IDs are never reused.
func (b *Book) Add(o Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[o.ID]; ok {
		return ErrDuplicateOrder
	}
	b.orders[o.ID] = &o
	return nil
}

// Get returns a copy of the order with id.
func (b *Book) Get(id string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Update applies execution progress from rec to an OPEN order without
// changing its status.
func (b *Book) Update(rec common.OrderRecord) (Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[rec.ID]
	if !ok {
		return Order{}, false
	}
	if o.Status == common.StatusOpen {
		o.applyFill(rec)
	}
	return *o, true
}

// MarkClosed moves an OPEN order to CLOSED using the fill details in rec.
// It reports true only for the call that performed the transition, so that
// exactly one caller publishes the fill.
func (b *Book) MarkClosed(rec common.OrderRecord) (Order, bool) {
	return b.transition(rec, common.StatusClosed)
}

// MarkCanceled moves an OPEN order to CANCELED, keeping any partial fill in rec.
func (b *Book) MarkCanceled(rec common.OrderRecord) (Order, bool) {
	return b.transition(rec, common.StatusCanceled)
}

func (b *Book) transition(rec common.OrderRecord, to common.OrderStatus) (Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[rec.ID]
	if !ok || o.Status != common.StatusOpen {
		return Order{}, false
	}
	o.applyFill(rec)
	if to == common.StatusClosed && o.Filled.IsZero() {
		o.Filled = o.Amount
	}
	o.Status = to
	return *o, true
}

// Open returns every OPEN order, oldest first.
func (b *Book) Open() []Order {
	return b.filter(func(o *Order) bool { return o.Status == common.StatusOpen })
}

// BySide returns every order on side regardless of status, oldest first.
func (b *Book) BySide(side common.Side) []Order {
	return b.filter(func(o *Order) bool { return o.Side == side })
}

// Filled returns orders that executed any amount, oldest first.
func (b *Book) Filled() []Order {
	return b.filter(func(o *Order) bool { return o.Filled.IsPositive() })
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}

func (b *Book) filter(keep func(*Order) bool) []Order {
	b.mu.RLock()
	out := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		if keep(o) {
			out = append(out, *o)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SortFills orders records that completed together so every paired order
// finds its level already settled: buys from the highest price down, then
// sells from the lowest price up.
func SortFills(recs []common.OrderRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Side != b.Side {
			return a.Side == common.SideBuy
		}
		if a.Side == common.SideBuy {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	})
}

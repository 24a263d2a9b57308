// Package session holds the state one grid run owns: its ladder, ledger and
// order book. A session is created at start, torn down at stop, and never
// shared between pairs.
package session

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"grid-core/internal/balance"
	"grid-core/internal/grid"
	"grid-core/internal/order"
	"grid-core/pkg/config"
)

type Session struct {
	ID        string
	Mode      config.Mode
	Pair      string
	Grid      *grid.Grid
	Ladder    *grid.Ladder
	Ledger    *balance.Ledger
	Book      *order.Book
	StartedAt time.Time

	running atomic.Bool
}

// New creates a session over g and ledger with an empty order book.
func New(mode config.Mode, pair string, g *grid.Grid, ledger *balance.Ledger) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Mode:      mode,
		Pair:      pair,
		Grid:      g,
		Ladder:    grid.NewLadder(g),
		Ledger:    ledger,
		Book:      order.NewBook(),
		StartedAt: time.Now(),
	}
}

func (s *Session) Trigger() decimal.Decimal { return s.Grid.Trigger() }

func (s *Session) Running() bool { return s.running.Load() }

// SetRunning flips the running flag and reports whether it changed.
func (s *Session) SetRunning(v bool) bool { return s.running.CompareAndSwap(!v, v) }

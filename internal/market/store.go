package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS candles (
	pair      TEXT    NOT NULL,
	timeframe TEXT    NOT NULL,
	open_time INTEGER NOT NULL,
	open      TEXT    NOT NULL,
	high      TEXT    NOT NULL,
	low       TEXT    NOT NULL,
	close     TEXT    NOT NULL,
	volume    TEXT    NOT NULL,
	PRIMARY KEY (pair, timeframe, open_time)
);`

// Store persists candles in SQLite so replays can run offline.
type Store struct {
	DB *sql.DB
}

// OpenStore opens (and creates if needed) the SQLite database at path.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate candles: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying DB handle.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Save upserts candles for pair/interval in one transaction.
func (s *Store) Save(ctx context.Context, pair, interval string, candles []Candle) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (pair, timeframe, open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pair, timeframe, open_time) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, pair, interval, c.Time.UnixMilli(),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String()); err != nil {
			return fmt.Errorf("save candle %s: %w", c.Time.Format(time.RFC3339), err)
		}
	}
	return tx.Commit()
}

// Load returns candles for pair/interval within [from, to], oldest first.
// Zero bounds are open.
func (s *Store) Load(ctx context.Context, pair, interval string, from, to time.Time) ([]Candle, error) {
	lo, hi := int64(0), int64(1<<62)
	if !from.IsZero() {
		lo = from.UnixMilli()
	}
	if !to.IsZero() {
		hi = to.UnixMilli()
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume FROM candles
		WHERE pair = ? AND timeframe = ? AND open_time BETWEEN ? AND ?
		ORDER BY open_time`, pair, interval, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candle
	for rows.Next() {
		var ts int64
		var o, h, l, c, v string
		if err := rows.Scan(&ts, &o, &h, &l, &c, &v); err != nil {
			return nil, err
		}
		candle := Candle{Time: time.UnixMilli(ts).UTC()}
		for _, f := range []struct {
			src string
			dst *decimal.Decimal
		}{{o, &candle.Open}, {h, &candle.High}, {l, &candle.Low}, {c, &candle.Close}, {v, &candle.Volume}} {
			if *f.dst, err = decimal.NewFromString(f.src); err != nil {
				return nil, fmt.Errorf("candle %d: %w", ts, err)
			}
		}
		out = append(out, candle)
	}
	return out, rows.Err()
}

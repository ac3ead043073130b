// Package journal keeps an append-only trade journal in sqlite: fills and
// risk reductions, one row each. It exists for after-the-fact analysis and
// reconciliation against exchange statements, not for runtime decisions.
package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"

	"hedge-grid/internal/core"
)

type Journal struct {
	db *sql.DB
}

type FillRecord struct {
	ID       int64
	Symbol   string
	Side     core.Side
	Category core.OrderCategory
	Qty      decimal.Decimal
	Price    decimal.Decimal
	At       time.Time
}

type ReductionRecord struct {
	ID     int64
	Symbol string
	Side   core.Side
	Qty    decimal.Decimal
	At     time.Time
}

func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS fills (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	category TEXT NOT NULL,
	qty TEXT NOT NULL,
	price TEXT NOT NULL,
	at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS reductions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	qty TEXT NOT NULL,
	at TEXT NOT NULL
);`)
	return err
}

func (j *Journal) RecordFill(ctx context.Context, rec FillRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO fills (symbol, side, category, qty, price, at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Symbol, string(rec.Side), string(rec.Category),
		rec.Qty.String(), rec.Price.String(), rec.At.UTC().Format(time.RFC3339Nano))
	return err
}

func (j *Journal) RecordReduction(ctx context.Context, rec ReductionRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO reductions (symbol, side, qty, at) VALUES (?, ?, ?, ?)`,
		rec.Symbol, string(rec.Side), rec.Qty.String(), rec.At.UTC().Format(time.RFC3339Nano))
	return err
}

// Fills returns the most recent fills, newest first.
func (j *Journal) Fills(ctx context.Context, limit int) ([]FillRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, symbol, side, category, qty, price, at FROM fills ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		var (
			rec        FillRecord
			side, cat  string
			qty, price string
			at         string
		)
		if err := rows.Scan(&rec.ID, &rec.Symbol, &side, &cat, &qty, &price, &at); err != nil {
			return nil, err
		}
		rec.Side = core.Side(side)
		rec.Category = core.OrderCategory(cat)
		if rec.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if rec.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if rec.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Reductions returns the most recent risk reductions, newest first.
func (j *Journal) Reductions(ctx context.Context, limit int) ([]ReductionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, symbol, side, qty, at FROM reductions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReductionRecord
	for rows.Next() {
		var (
			rec       ReductionRecord
			side, qty string
			at        string
		)
		if err := rows.Scan(&rec.ID, &rec.Symbol, &side, &qty, &at); err != nil {
			return nil, err
		}
		rec.Side = core.Side(side)
		if rec.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if rec.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}

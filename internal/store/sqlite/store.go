// Package sqlite is the contract-master store: instrument rows per segment,
// the source the instrument index is built from at startup and on reload.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"feedsync/internal/model"
)

// Store reads and replaces contract-master rows.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path in WAL mode.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	logger.Info("contract master opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instruments (
			segment         INTEGER NOT NULL,
			token           INTEGER NOT NULL,
			seq             INTEGER NOT NULL,
			symbol          TEXT    NOT NULL,
			name            TEXT    NOT NULL DEFAULT '',
			instrument_type TEXT    NOT NULL DEFAULT '',
			expiry          TEXT    NOT NULL DEFAULT '',
			strike          INTEGER NOT NULL DEFAULT 0,
			lot_size        INTEGER NOT NULL DEFAULT 1,
			tick_size       INTEGER NOT NULL DEFAULT 5,
			PRIMARY KEY (segment, token)
		);

		CREATE INDEX IF NOT EXISTS idx_instruments_seq ON instruments (segment, seq);

		CREATE TABLE IF NOT EXISTS master_loads (
			segment   INTEGER PRIMARY KEY,
			rows      INTEGER NOT NULL,
			loaded_at INTEGER NOT NULL
		);
	`)
	return err
}

// LoadSegment returns seg's rows in the order they were saved, so slot
// assignment is stable across restarts.
func (s *Store) LoadSegment(ctx context.Context, seg model.Segment) ([]model.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, symbol, name, instrument_type, expiry, strike, lot_size, tick_size
		FROM instruments
		WHERE segment = ?
		ORDER BY seq ASC
	`, int(seg))
	if err != nil {
		return nil, fmt.Errorf("sqlite query instruments %s: %w", seg, err)
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		in := model.Instrument{Segment: seg}
		if err := rows.Scan(&in.Token, &in.Symbol, &in.Name, &in.InstrumentType, &in.Expiry, &in.Strike, &in.LotSize, &in.TickSize); err != nil {
			return nil, fmt.Errorf("sqlite scan instruments %s: %w", seg, err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ReplaceSegment atomically swaps seg's rows for rows. Every row must belong
// to seg.
func (s *Store) ReplaceSegment(ctx context.Context, seg model.Segment, rows []model.Instrument) error {
	for i := range rows {
		if rows[i].Segment != seg {
			return fmt.Errorf("sqlite: row %d (token %d) belongs to %s, not %s", i, rows[i].Token, rows[i].Segment, seg)
		}
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM instruments WHERE segment = ?`, int(seg)); err != nil {
		return fmt.Errorf("clear %s: %w", seg, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instruments (segment, token, seq, symbol, name, instrument_type, expiry, strike, lot_size, tick_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, in := range rows {
		if _, err := stmt.ExecContext(ctx, int(seg), in.Token, i, in.Symbol, in.Name, in.InstrumentType, in.Expiry, in.Strike, in.LotSize, in.TickSize); err != nil {
			return fmt.Errorf("insert %s token %d: %w", seg, in.Token, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO master_loads (segment, rows, loaded_at) VALUES (?, ?, ?)
		ON CONFLICT(segment) DO UPDATE SET rows = excluded.rows, loaded_at = excluded.loaded_at
	`, int(seg), len(rows), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("record load %s: %w", seg, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("contract master replaced",
		zap.Stringer("segment", seg),
		zap.Int("rows", len(rows)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// LoadedAt reports when seg was last replaced and how many rows it holds;
// zero if never. The stamp has nanosecond resolution so back-to-back
// replacements are distinguishable.
func (s *Store) LoadedAt(ctx context.Context, seg model.Segment) (time.Time, int, error) {
	var ts int64
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT loaded_at, rows FROM master_loads WHERE segment = ?`, int(seg)).Scan(&ts, &n)
	if err == sql.ErrNoRows {
		return time.Time{}, 0, nil
	}
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("sqlite query master_loads: %w", err)
	}
	return time.Unix(0, ts), n, nil
}

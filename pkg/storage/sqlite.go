package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/types"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

// SQLiteProvider implements Database on a local SQLite file. Values are
// stored as JSON next to the columns used for range queries.
type SQLiteProvider struct {
	path string
	db   *sql.DB
}

var _ Database = (*SQLiteProvider)(nil)

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "lkcomu.db", "Path to the SQLite database file")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLite returns an uninitialized provider for the file at path.
func NewSQLite(path string) *SQLiteProvider {
	return &SQLiteProvider{path: path}
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path is required")
	}
	return nil
}

// Init opens the database and creates the schema.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// pragmas below are per connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS events (
			profile_id TEXT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			ts TEXT NOT NULL,
			json TEXT NOT NULL,
			PRIMARY KEY (profile_id, id)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_events_profile_ts ON events(profile_id, ts)",
		`CREATE TABLE IF NOT EXISTS balances (
			profile_id TEXT NOT NULL,
			account_code TEXT NOT NULL,
			ts TEXT NOT NULL,
			json TEXT NOT NULL,
			PRIMARY KEY (profile_id, account_code, ts)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}

	s.db = db
	return nil
}

// Close closes the database.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteProvider) InsertEvent(ctx context.Context, profileID string, event types.IndicationsEvent) error {
	if profileID == "" {
		return ErrEmptyProfileID
	}
	se := storedEvent(event)
	jsonBytes, err := json.Marshal(se)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO events (profile_id, id, type, ts, json) VALUES (?, ?, ?, ?, ?)",
		profileID, se.ID, se.Type, timeKey(se.Timestamp), string(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) GetEventHistory(ctx context.Context, profileID string, start, end time.Time) ([]types.StoredEvent, error) {
	if profileID == "" {
		return nil, ErrEmptyProfileID
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT json FROM events WHERE profile_id = ? AND ts >= ? AND ts < ? ORDER BY ts, id",
		profileID, timeKey(start), timeKey(end),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []types.StoredEvent
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var se types.StoredEvent
		if err := json.Unmarshal([]byte(raw), &se); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal event json", slog.Any("error", err))
			continue
		}
		events = append(events, restoreEvent(se))
	}
	return events, rows.Err()
}

func (s *SQLiteProvider) UpsertBalance(ctx context.Context, profileID string, balance types.Balance) error {
	if profileID == "" {
		return ErrEmptyProfileID
	}
	jsonBytes, err := json.Marshal(balance)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO balances (profile_id, account_code, ts, json) VALUES (?, ?, ?, ?)
		ON CONFLICT (profile_id, account_code, ts) DO UPDATE SET json = excluded.json`,
		profileID, balance.AccountCode, timeKey(balance.Timestamp), string(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert balance: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) GetBalanceHistory(ctx context.Context, profileID, accountCode string, start, end time.Time) ([]types.Balance, error) {
	if profileID == "" {
		return nil, ErrEmptyProfileID
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT json FROM balances WHERE profile_id = ? AND account_code = ? AND ts >= ? AND ts < ? ORDER BY ts",
		profileID, accountCode, timeKey(start), timeKey(end),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []types.Balance
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		var b types.Balance
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal balance json", slog.Any("error", err))
			continue
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

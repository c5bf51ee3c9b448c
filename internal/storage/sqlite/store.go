// Package sqlite provides a SQLite-backed registry storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/celerix-dev/samsub-registry/internal/engine"
	"github.com/celerix-dev/samsub-registry/internal/storage/sqlite/migrations"
	"github.com/celerix-dev/samsub-registry/pkg/schema"
)

// DefaultFile is the database file name used inside a data directory.
const DefaultFile = "registry.db"

// Store persists registry state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite registry store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; the registry engine already serializes calls.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Load returns the owner and every record in insertion order.
func (s *Store) Load(ctx context.Context) (engine.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return engine.Snapshot{}, err
	}

	var snap engine.Snapshot
	err := s.sqlDB.QueryRowContext(ctx, `SELECT owner_id FROM registry_owner WHERE id = 1`).Scan(&snap.OwnerID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return engine.Snapshot{}, fmt.Errorf("load owner: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT account_id, samsub_id, is_valid
		   FROM records
		  ORDER BY seq ASC`,
	)
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	snap.Records = []schema.Record{}
	for rows.Next() {
		var rec schema.Record
		if err := rows.Scan(&rec.AccountID, &rec.SamsubID, &rec.IsValid); err != nil {
			return engine.Snapshot{}, fmt.Errorf("load records: %w", err)
		}
		snap.Records = append(snap.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return engine.Snapshot{}, fmt.Errorf("load records: %w", err)
	}
	return snap, nil
}

// SaveOwner inserts the single owner row. A second call fails with
// schema.ErrAlreadyInitialized.
func (s *Store) SaveOwner(ctx context.Context, ownerID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("owner id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO registry_owner (id, owner_id, initialized_at) VALUES (1, ?, ?)`,
		ownerID,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return schema.ErrAlreadyInitialized
		}
		return fmt.Errorf("save owner: %w", err)
	}
	return nil
}

// PutRecord upserts a record. The seq column is only assigned on first
// insert, so replacing a record keeps its enumeration position.
func (s *Store) PutRecord(ctx context.Context, record schema.Record) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO records (samsub_id, account_id, is_valid, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (samsub_id) DO UPDATE SET
		   account_id = excluded.account_id,
		   is_valid = excluded.is_valid,
		   updated_at = excluded.updated_at`,
		record.SamsubID,
		record.AccountID,
		record.IsValid,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put record %s: %w", record.SamsubID, err)
	}
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "primary key")
}

var _ engine.Backend = (*Store)(nil)

// Package sqlite keeps the op log in a local SQLite file so pending
// mutations survive a host restart.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"quizlive/internal/oplog"
)

// OpStore implements oplog.Store on SQLite.
type OpStore struct {
	db *sql.DB
}

func NewOpStore(path string) (*OpStore, error) {
	if strings.TrimSpace(path) == "" {
		path = "quizlive-oplog.db"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = FULL;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	store := &OpStore{db: db}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *OpStore) Close() error {
	return s.db.Close()
}

func (s *OpStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS op_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			op_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at_unix_ms INTEGER NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_op_log_pending ON op_log(synced, created_at_unix_ms, seq);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *OpStore) Append(ctx context.Context, entry oplog.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO op_log (id, op_type, payload, created_at_unix_ms, synced, retry_count, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Type, string(entry.Payload), entry.CreatedAt.UnixMilli(),
		boolToInt(entry.Synced), entry.RetryCount, entry.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert op %s: %w", entry.ID, err)
	}
	return nil
}

func (s *OpStore) Pending(ctx context.Context, limit int) ([]oplog.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, op_type, payload, created_at_unix_ms, retry_count, last_error
		 FROM op_log
		 WHERE synced = 0
		 ORDER BY created_at_unix_ms ASC, seq ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []oplog.Entry
	for rows.Next() {
		var (
			e         oplog.Entry
			payload   string
			createdMs int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &payload, &createdMs, &e.RetryCount, &e.LastError); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		e.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *OpStore) MarkSynced(ctx context.Context, id string) error {
	return s.updateOne(ctx, `UPDATE op_log SET synced = 1, last_error = '' WHERE id = ?`, id)
}

func (s *OpStore) IncrementRetry(ctx context.Context, id, lastErr string) error {
	return s.updateOne(ctx, `UPDATE op_log SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`, lastErr, id)
}

func (s *OpStore) PurgeSynced(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM op_log WHERE synced = 1`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var errOpNotFound = errors.New("op not found")

func (s *OpStore) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %v", errOpNotFound, args[len(args)-1])
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

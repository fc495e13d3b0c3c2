// Package sqlitestore provides a SQLite-backed handoff attribute store that
// several processes can open at once. The writer owns all writes; readers in
// other processes poll the same file.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/statebridge/internal/handoff"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schemaSQL string

// ErrBusy reports that another connection held the write lock past the busy
// timeout.
var ErrBusy = errors.New("sqlitestore: database busy")

var _ handoff.Store = (*Store)(nil)

// Store persists attributes in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (creating if needed) the attribute database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
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

// Get returns the live attribute for (node, key).
func (s *Store) Get(ctx context.Context, node, key string) (handoff.Attribute, bool, error) {
	if err := s.ready(ctx); err != nil {
		return handoff.Attribute{}, false, err
	}
	node, key, err := normalize(node, key)
	if err != nil {
		return handoff.Attribute{}, false, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT value, version, updated_at
		   FROM attributes
		  WHERE node = ? AND key = ? AND deleted = 0`,
		node,
		key,
	)
	attr := handoff.Attribute{Node: node, Key: key}
	var version int64
	var updatedAt int64
	if err := row.Scan(&attr.Value, &version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return handoff.Attribute{}, false, nil
		}
		return handoff.Attribute{}, false, classify("get attribute", err)
	}
	attr.Version = uint64(version)
	attr.UpdatedAt = fromMillis(updatedAt)
	return attr, true, nil
}

func (s *Store) Put(ctx context.Context, node, key, value string) (handoff.Attribute, bool, error) {
	return s.put(ctx, node, key, value, nil)
}

func (s *Store) PutIf(ctx context.Context, node, key, value string, expected uint64) (handoff.Attribute, bool, error) {
	return s.put(ctx, node, key, value, &expected)
}

func (s *Store) put(ctx context.Context, node, key, value string, expected *uint64) (handoff.Attribute, bool, error) {
	if err := s.ready(ctx); err != nil {
		return handoff.Attribute{}, false, err
	}
	node, key, err := normalize(node, key)
	if err != nil {
		return handoff.Attribute{}, false, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return handoff.Attribute{}, false, classify("begin put", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		stored    string
		version   int64
		deleted   int64
		updatedAt int64
		exists    = true
	)
	err = tx.QueryRowContext(
		ctx,
		`SELECT value, version, deleted, updated_at FROM attributes WHERE node = ? AND key = ?`,
		node,
		key,
	).Scan(&stored, &version, &deleted, &updatedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return handoff.Attribute{}, false, classify("read attribute", err)
		}
		exists = false
	}

	live := exists && deleted == 0
	var current uint64
	if live {
		current = uint64(version)
	}
	if expected != nil && *expected != current {
		return handoff.Attribute{}, false, &handoff.ConflictError{Node: node, Key: key, Expected: *expected, Actual: current}
	}
	if live && stored == value {
		return handoff.Attribute{
			Node:      node,
			Key:       key,
			Value:     stored,
			Version:   current,
			UpdatedAt: fromMillis(updatedAt),
		}, false, nil
	}

	next := version + 1
	now := s.now().UTC()
	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO attributes (node, key, value, version, deleted, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT (node, key) DO UPDATE
		    SET value = excluded.value,
		        version = excluded.version,
		        deleted = 0,
		        updated_at = excluded.updated_at
		  WHERE attributes.version = ?`,
		node,
		key,
		value,
		next,
		toMillis(now),
		version,
	)
	if err != nil {
		return handoff.Attribute{}, false, classify("write attribute", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return handoff.Attribute{}, false, classify("write attribute", err)
	}
	if affected == 0 {
		return handoff.Attribute{}, false, s.conflict(ctx, tx, node, key, current)
	}
	if err := tx.Commit(); err != nil {
		return handoff.Attribute{}, false, classify("commit attribute", err)
	}

	return handoff.Attribute{
		Node:      node,
		Key:       key,
		Value:     value,
		Version:   uint64(next),
		UpdatedAt: fromMillis(toMillis(now)),
	}, true, nil
}

// DeleteNode tombstones every attribute owned by node.
func (s *Store) DeleteNode(ctx context.Context, node string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	node = strings.Trim(strings.TrimSpace(node), "/")
	res, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE attributes SET deleted = 1, updated_at = ? WHERE node = ? AND deleted = 0`,
		toMillis(s.now()),
		node,
	)
	if err != nil {
		return 0, classify("delete node attributes", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete node attributes", err)
	}
	return int(n), nil
}

// List returns live attributes of node sorted by key.
func (s *Store) List(ctx context.Context, node string) ([]handoff.Attribute, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	node = strings.Trim(strings.TrimSpace(node), "/")
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT key, value, version, updated_at
		   FROM attributes
		  WHERE node = ? AND deleted = 0
		  ORDER BY key ASC`,
		node,
	)
	if err != nil {
		return nil, classify("list attributes", err)
	}
	defer rows.Close()

	var out []handoff.Attribute
	for rows.Next() {
		attr := handoff.Attribute{Node: node}
		var version int64
		var updatedAt int64
		if err := rows.Scan(&attr.Key, &attr.Value, &version, &updatedAt); err != nil {
			return nil, classify("scan attribute", err)
		}
		attr.Version = uint64(version)
		attr.UpdatedAt = fromMillis(updatedAt)
		out = append(out, attr)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list attributes", err)
	}
	return out, nil
}

// conflict re-reads the live version of (node, key) so the error reports what
// is stored rather than what was expected.
func (s *Store) conflict(ctx context.Context, tx *sql.Tx, node, key string, expected uint64) error {
	var (
		version int64
		deleted int64
	)
	err := tx.QueryRowContext(
		ctx,
		`SELECT version, deleted FROM attributes WHERE node = ? AND key = ?`,
		node,
		key,
	).Scan(&version, &deleted)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return classify("read conflicting attribute", err)
	}
	var actual uint64
	if err == nil && deleted == 0 {
		actual = uint64(version)
	}
	return &handoff.ConflictError{Node: node, Key: key, Expected: expected, Actual: actual}
}

func normalize(node, key string) (string, string, error) {
	node = strings.Trim(strings.TrimSpace(node), "/")
	key = strings.TrimSpace(key)
	if node == "" {
		return "", "", handoff.ErrMissingNode
	}
	if key == "" {
		return "", "", handoff.ErrMissingKey
	}
	return node, key, nil
}

func classify(op string, err error) error {
	if isBusy(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrBusy, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isBusy(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

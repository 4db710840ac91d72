// Package store persists tunnel route records in SQLite. the registry keeps
// live sessions in memory; this store is what survives a restart and what
// attach consults for token validity.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const _schema = `
CREATE TABLE IF NOT EXISTS tunnel_tokens (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	route TEXT NOT NULL UNIQUE,
	token TEXT NOT NULL UNIQUE,
	description TEXT,
	user_id INTEGER NOT NULL,
	is_public INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	last_connected_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tunnel_tokens_user ON tunnel_tokens (user_id);
`

// ErrRouteTaken is returned when inserting a route or token that already exists.
var ErrRouteTaken = errors.New("route already exists")

// TunnelToken is one persisted route record.
type TunnelToken struct {
	ID              int64
	Route           string
	Token           string
	Description     string
	UserID          int64
	IsPublic        bool
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastConnectedAt time.Time // zero when the route never connected
}

// Store is the SQLite-backed tunnel token store.
type Store struct {
	db *sql.DB
}

// Open opens the store at path and applies the schema. WAL keeps concurrent
// readers off the writers' backs; the busy timeout covers short write bursts.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}
	if _, err := db.Exec(_schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateToken inserts a new route record. routes and tokens carry uniqueness
// constraints; violating either yields ErrRouteTaken.
func (s *Store) CreateToken(ctx context.Context, route, token, description string, userID int64, isPublic bool) (*TunnelToken, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tunnel_tokens (route, token, description, user_id, is_public, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		route, token, _null_string(description), userID, _bool_int(isPublic), _to_millis(now), _to_millis(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrRouteTaken
		}
		return nil, fmt.Errorf("inserting tunnel token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading insert id: %w", err)
	}
	return &TunnelToken{
		ID:          id,
		Route:       route,
		Token:       token,
		Description: description,
		UserID:      userID,
		IsPublic:    isPublic,
		IsActive:    true,
		CreatedAt:   _from_millis(_to_millis(now)),
		UpdatedAt:   _from_millis(_to_millis(now)),
	}, nil
}

// GetByRoute fetches the record for route, or nil when absent.
func (s *Store) GetByRoute(ctx context.Context, route string) (*TunnelToken, error) {
	row := s.db.QueryRowContext(ctx, _select+` WHERE route = ?`, route)
	return _scan_one(row)
}

// LookupActiveToken resolves token to its route when the record is active.
// implements the registry's TokenStore contract.
func (s *Store) LookupActiveToken(ctx context.Context, token string) (string, bool, error) {
	var route string
	err := s.db.QueryRowContext(ctx,
		`SELECT route FROM tunnel_tokens WHERE token = ? AND is_active = 1`, token,
	).Scan(&route)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up token: %w", err)
	}
	return route, true, nil
}

// UpdateLastConnected stamps route's record with the current time.
func (s *Store) UpdateLastConnected(ctx context.Context, route string) error {
	now := _to_millis(time.Now())
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tunnel_tokens SET last_connected_at = ?, updated_at = ? WHERE route = ?`,
		now, now, route,
	); err != nil {
		return fmt.Errorf("updating last_connected_at: %w", err)
	}
	return nil
}

// Delete removes route's record. returns whether a record existed.
func (s *Store) Delete(ctx context.Context, route string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tunnel_tokens WHERE route = ?`, route)
	if err != nil {
		return false, fmt.Errorf("deleting tunnel token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

// ListByUser returns the active records owned by userID.
func (s *Store) ListByUser(ctx context.Context, userID int64) ([]*TunnelToken, error) {
	rows, err := s.db.QueryContext(ctx, _select+` WHERE user_id = ? AND is_active = 1 ORDER BY route`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing user tokens: %w", err)
	}
	return _scan_all(rows)
}

// ListPublic returns all active public records.
func (s *Store) ListPublic(ctx context.Context) ([]*TunnelToken, error) {
	rows, err := s.db.QueryContext(ctx, _select+` WHERE is_public = 1 AND is_active = 1 ORDER BY route`)
	if err != nil {
		return nil, fmt.Errorf("listing public tokens: %w", err)
	}
	return _scan_all(rows)
}

// ListActive returns every active record, for registry rehydration at startup.
func (s *Store) ListActive(ctx context.Context) ([]*TunnelToken, error) {
	rows, err := s.db.QueryContext(ctx, _select+` WHERE is_active = 1 ORDER BY route`)
	if err != nil {
		return nil, fmt.Errorf("listing active tokens: %w", err)
	}
	return _scan_all(rows)
}

const _select = `
SELECT id, route, token, description, user_id, is_public, is_active, created_at, updated_at, last_connected_at
FROM tunnel_tokens`

type _row_scanner interface {
	Scan(dest ...any) error
}

func _scan_record(sc _row_scanner) (*TunnelToken, error) {
	var (
		rec           TunnelToken
		description   sql.NullString
		isPublic      int
		isActive      int
		createdAt     int64
		updatedAt     int64
		lastConnected sql.NullInt64
	)
	if err := sc.Scan(&rec.ID, &rec.Route, &rec.Token, &description, &rec.UserID,
		&isPublic, &isActive, &createdAt, &updatedAt, &lastConnected); err != nil {
		return nil, err
	}
	rec.Description = description.String
	rec.IsPublic = isPublic != 0
	rec.IsActive = isActive != 0
	rec.CreatedAt = _from_millis(createdAt)
	rec.UpdatedAt = _from_millis(updatedAt)
	if lastConnected.Valid {
		rec.LastConnectedAt = _from_millis(lastConnected.Int64)
	}
	return &rec, nil
}

func _scan_one(row *sql.Row) (*TunnelToken, error) {
	rec, err := _scan_record(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tunnel token: %w", err)
	}
	return rec, nil
}

func _scan_all(rows *sql.Rows) ([]*TunnelToken, error) {
	defer rows.Close()
	var recs []*TunnelToken
	for rows.Next() {
		rec, err := _scan_record(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tunnel token: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tunnel tokens: %w", err)
	}
	return recs, nil
}

// timestamps are stored as UTC millisecond integers.
func _to_millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func _from_millis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func _bool_int(b bool) int {
	if b {
		return 1
	}
	return 0
}

func _null_string(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

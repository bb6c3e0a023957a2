// Package idempotency caches responses to mutating requests so a client can
// retry with the same Idempotency-Key without repeating the transition.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// ErrMismatch is returned when a key is reused with a different payload.
var ErrMismatch = errors.New("idempotency key reuse with different request body")

// Store persists idempotency keys and the gateway audit log in SQLite.
type Store struct {
	db *sql.DB
}

// Response is a cached reply for an idempotency key.
type Response struct {
	Status int
	Body   []byte
}

// AuditEntry records one mutating request and its outcome.
type AuditEntry struct {
	Principal      string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseStatus int
	ResponseBody   []byte
	Timestamp      time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            principal TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(principal, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            principal TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns the cached response for (principal, key), nil when the key is
// unused, or ErrMismatch when it was used for a different request.
func (s *Store) Lookup(ctx context.Context, principal, key, requestHash string) (*Response, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE principal = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, principal, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrMismatch
	}
	return &Response{Status: status, Body: body}, nil
}

func (s *Store) Save(ctx context.Context, principal, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(principal, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, principal, key, requestHash, status, body, time.Now().UTC())
	return err
}

func (s *Store) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(principal, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.Principal, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// CountAudit returns the number of audit rows for principal.
func (s *Store) CountAudit(ctx context.Context, principal string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE principal = ?`, principal).Scan(&n)
	return n, err
}

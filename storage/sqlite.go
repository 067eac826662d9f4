package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	webpush "github.com/imjasonh/webpush-aesgcm"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLite implements storage using SQLite.
type SQLite struct {
	db *sql.DB
}

const schema = `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		endpoint TEXT NOT NULL UNIQUE,
		p256dh TEXT NOT NULL,
		auth TEXT NOT NULL,
		server_key_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_success DATETIME,
		failures INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_user_id ON subscriptions(user_id);
	CREATE INDEX IF NOT EXISTS idx_server_key_id ON subscriptions(server_key_id);
`

const columns = `id, user_id, endpoint, p256dh, auth, server_key_id, created_at, updated_at, last_success, failures`

// NewSQLite creates a new SQLite storage.
// dsn is the data source name, e.g., "webpush.db" or ":memory:".
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Save stores or updates a subscription. An update keeps the original
// creation time and delivery bookkeeping.
func (s *SQLite) Save(ctx context.Context, record *Record) error {
	if err := validate(record); err != nil {
		return err
	}

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, endpoint, p256dh, auth, server_key_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			endpoint = excluded.endpoint,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			server_key_id = excluded.server_key_id,
			updated_at = excluded.updated_at
	`,
		record.ID,
		record.UserID,
		record.Subscription.Endpoint,
		record.Subscription.Keys.P256dh,
		record.Subscription.Keys.Auth,
		record.ServerKeyID,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving subscription: %w", err)
	}
	return nil
}

// Get retrieves a subscription by ID.
func (s *SQLite) Get(ctx context.Context, id string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM subscriptions WHERE id = ?`, id))
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (s *SQLite) GetByEndpoint(ctx context.Context, endpoint string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM subscriptions WHERE endpoint = ?`, endpoint))
}

// GetByUserID retrieves all subscriptions for a user.
func (s *SQLite) GetByUserID(ctx context.Context, userID string) ([]*Record, error) {
	return s.query(ctx, `SELECT `+columns+` FROM subscriptions WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
}

// GetByServerKey retrieves all subscriptions made with the given key.
func (s *SQLite) GetByServerKey(ctx context.Context, keyID string) ([]*Record, error) {
	return s.query(ctx, `SELECT `+columns+` FROM subscriptions WHERE server_key_id = ? ORDER BY created_at DESC, id`, keyID)
}

// CountByServerKey counts subscriptions made with the given key.
func (s *SQLite) CountByServerKey(ctx context.Context, keyID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE server_key_id = ?`, keyID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting subscriptions: %w", err)
	}
	return n, nil
}

// RecordDelivery updates the delivery bookkeeping of a subscription.
func (s *SQLite) RecordDelivery(ctx context.Context, id string, at time.Time, ok bool) error {
	var (
		result sql.Result
		err    error
	)
	if ok {
		result, err = s.db.ExecContext(ctx, `UPDATE subscriptions SET last_success = ?, failures = 0, updated_at = ? WHERE id = ?`, at, at, id)
	} else {
		result, err = s.db.ExecContext(ctx, `UPDATE subscriptions SET failures = failures + 1, updated_at = ? WHERE id = ?`, at, id)
	}
	if err != nil {
		return fmt.Errorf("recording delivery: %w", err)
	}
	return checkAffected(result)
}

// Delete removes a subscription by ID.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return checkAffected(result)
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (s *SQLite) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE endpoint = ?", endpoint)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return checkAffected(result)
}

// List returns subscriptions, newest first, with pagination.
func (s *SQLite) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	return s.query(ctx, `SELECT `+columns+` FROM subscriptions ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return records, nil
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r           Record
		sub         webpush.Subscription
		userID      sql.NullString
		serverKeyID sql.NullString
		lastSuccess sql.NullTime
	)
	err := row.Scan(&r.ID, &userID, &sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth,
		&serverKeyID, &r.CreatedAt, &r.UpdatedAt, &lastSuccess, &r.Failures)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}
	r.UserID = userID.String
	r.ServerKeyID = serverKeyID.String
	r.LastSuccess = lastSuccess.Time
	r.Subscription = &sub
	return &r, nil
}

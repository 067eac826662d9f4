// Package storage keeps the subscriptions an application server sends to.
// The sender itself never persists anything; this is for callers such as the
// example server.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	webpush "github.com/imjasonh/webpush-aesgcm"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("storage: record not found")

// Record is a stored subscription with delivery bookkeeping.
type Record struct {
	ID           string                `json:"id"`
	UserID       string                `json:"user_id,omitempty"`
	Subscription *webpush.Subscription `json:"subscription"`
	// ServerKeyID is the thumbprint of the VAPID key the browser subscribed
	// with. A push service rejects messages signed by any other key.
	ServerKeyID string    `json:"server_key_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	// LastSuccess is the time of the last 2xx from the push service.
	LastSuccess time.Time `json:"last_success,omitzero"`
	// Failures counts consecutive failed deliveries.
	Failures int `json:"failures,omitempty"`
}

// Storage defines the interface for storing web push subscriptions.
type Storage interface {
	// Save stores or updates a subscription.
	Save(ctx context.Context, record *Record) error

	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByEndpoint retrieves a subscription by its endpoint URL.
	GetByEndpoint(ctx context.Context, endpoint string) (*Record, error)

	// GetByUserID retrieves all subscriptions for a user.
	GetByUserID(ctx context.Context, userID string) ([]*Record, error)

	// GetByServerKey retrieves all subscriptions made with the given key.
	GetByServerKey(ctx context.Context, keyID string) ([]*Record, error)

	// CountByServerKey counts subscriptions made with the given key.
	CountByServerKey(ctx context.Context, keyID string) (int, error)

	// RecordDelivery updates the delivery bookkeeping of a subscription: a
	// success resets Failures and sets LastSuccess to at, a failure
	// increments Failures.
	RecordDelivery(ctx context.Context, id string, at time.Time, ok bool) error

	// Delete removes a subscription by ID.
	Delete(ctx context.Context, id string) error

	// DeleteByEndpoint removes a subscription by its endpoint URL.
	DeleteByEndpoint(ctx context.Context, endpoint string) error

	// List returns subscriptions, newest first, with pagination.
	List(ctx context.Context, limit, offset int) ([]*Record, error)

	// Close closes the storage connection.
	Close() error
}

func validate(record *Record) error {
	if record.ID == "" {
		return errors.New("storage: record ID is required")
	}
	if record.Subscription == nil || record.Subscription.Endpoint == "" {
		return fmt.Errorf("storage: record %s has no subscription endpoint", record.ID)
	}
	return nil
}

package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	webpush "github.com/imjasonh/webpush-aesgcm"
)

// Memory implements in-memory storage for testing and development.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemory creates a new in-memory storage.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*Record),
	}
}

// Save stores or updates a subscription.
func (m *Memory) Save(_ context.Context, record *Record) error {
	if err := validate(record); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	stored := copyRecord(record)
	if existing, ok := m.records[record.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
		stored.LastSuccess = existing.LastSuccess
		stored.Failures = existing.Failures
	}
	m.records[record.ID] = stored
	return nil
}

// Get retrieves a subscription by ID.
func (m *Memory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(record), nil
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (m *Memory) GetByEndpoint(_ context.Context, endpoint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, record := range m.records {
		if record.Subscription.Endpoint == endpoint {
			return copyRecord(record), nil
		}
	}
	return nil, ErrNotFound
}

// GetByUserID retrieves all subscriptions for a user.
func (m *Memory) GetByUserID(_ context.Context, userID string) ([]*Record, error) {
	return m.filter(func(r *Record) bool { return r.UserID == userID }), nil
}

// GetByServerKey retrieves all subscriptions made with the given key.
func (m *Memory) GetByServerKey(_ context.Context, keyID string) ([]*Record, error) {
	return m.filter(func(r *Record) bool { return r.ServerKeyID == keyID }), nil
}

// CountByServerKey counts subscriptions made with the given key.
func (m *Memory) CountByServerKey(_ context.Context, keyID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, record := range m.records {
		if record.ServerKeyID == keyID {
			count++
		}
	}
	return count, nil
}

// RecordDelivery updates the delivery bookkeeping of a subscription.
func (m *Memory) RecordDelivery(_ context.Context, id string, at time.Time, ok bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, found := m.records[id]
	if !found {
		return ErrNotFound
	}
	if ok {
		record.LastSuccess = at
		record.Failures = 0
	} else {
		record.Failures++
	}
	record.UpdatedAt = at
	return nil
}

// Delete removes a subscription by ID.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (m *Memory) DeleteByEndpoint(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, record := range m.records {
		if record.Subscription.Endpoint == endpoint {
			delete(m.records, id)
			return nil
		}
	}
	return ErrNotFound
}

// List returns subscriptions, newest first, with pagination.
func (m *Memory) List(_ context.Context, limit, offset int) ([]*Record, error) {
	all := m.filter(func(*Record) bool { return true })
	if offset >= len(all) {
		return nil, nil
	}
	return all[offset:min(offset+limit, len(all))], nil
}

// Close is a no-op for in-memory storage.
func (m *Memory) Close() error {
	return nil
}

// filter returns copies of the matching records, newest first.
func (m *Memory) filter(match func(*Record) bool) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Record
	for _, record := range m.records {
		if match(record) {
			results = append(results, copyRecord(record))
		}
	}
	slices.SortFunc(results, func(a, b *Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return results
}

func copyRecord(r *Record) *Record {
	c := *r
	c.Subscription = &webpush.Subscription{
		Endpoint: r.Subscription.Endpoint,
		Keys:     r.Subscription.Keys,
	}
	return &c
}

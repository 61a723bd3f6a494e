// ABOUTME: In-memory mock implementation of the Store interface for testing
// ABOUTME: Exposes the change feed as a directly writable channel

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store for tests. The change feed is a channel the
// test writes to directly, so CDC timing can be controlled precisely.
type MockStore struct {
	mu      sync.Mutex
	records map[string]*CredentialRecord // by ID
	events  chan ChangeEvent

	// LoadErr, if set, is returned by LoadActive.
	LoadErr error
	// UsageErr, if set, is returned by RecordUsage.
	UsageErr error
	// LoadCalls counts LoadActive invocations, for single-flight assertions.
	LoadCalls int
	// UsageRecords collects RecordUsage calls as they land.
	UsageRecords []UsageRecord
}

// UsageRecord captures one RecordUsage call.
type UsageRecord struct {
	ID         string
	UsageCount int64
	LastUsedAt time.Time
}

// NewMockStore creates a mock store seeded with the given records.
func NewMockStore(records ...*CredentialRecord) *MockStore {
	m := &MockStore{
		records: make(map[string]*CredentialRecord),
		events:  make(chan ChangeEvent, 16),
	}
	for _, r := range records {
		m.records[r.ID] = r.Clone()
	}
	return m
}

// Emit pushes a change event onto the feed.
func (m *MockStore) Emit(event ChangeEvent) {
	m.events <- event
}

// LoadActive returns all seeded active records.
func (m *MockStore) LoadActive(ctx context.Context, providerID string) ([]*CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadCalls++
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	var records []*CredentialRecord
	for _, r := range m.records {
		if r.Active && r.ProviderID == providerID {
			records = append(records, r.Clone())
		}
	}
	return records, nil
}

// Subscribe returns the test-controlled event channel.
func (m *MockStore) Subscribe(ctx context.Context, providerID string) (<-chan ChangeEvent, error) {
	return m.events, nil
}

// RecordUsage records the call and applies it to the seeded record.
func (m *MockStore) RecordUsage(ctx context.Context, id string, usageCount int64, lastUsedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UsageErr != nil {
		return m.UsageErr
	}
	m.UsageRecords = append(m.UsageRecords, UsageRecord{ID: id, UsageCount: usageCount, LastUsedAt: lastUsedAt})
	if r, ok := m.records[id]; ok {
		r.UsageCount = usageCount
		t := lastUsedAt
		r.LastUsedAt = &t
	}
	return nil
}

// CreateKey stores the record.
func (m *MockStore) CreateKey(ctx context.Context, record *CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Active && r.ProviderID == record.ProviderID && r.CallerKey == record.CallerKey {
			return ErrDuplicateKey
		}
	}
	m.records[record.ID] = record.Clone()
	return nil
}

// DeactivateKey marks a record inactive.
func (m *MockStore) DeactivateKey(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Active = false
	return nil
}

// GetKey retrieves a record by ID.
func (m *MockStore) GetKey(ctx context.Context, id string) (*CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// WaitForUsage blocks until at least n RecordUsage calls have landed or the
// timeout elapses. Returns the recorded calls.
func (m *MockStore) WaitForUsage(n int, timeout time.Duration) []UsageRecord {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if len(m.UsageRecords) >= n || time.Now().After(deadline) {
			out := make([]UsageRecord, len(m.UsageRecords))
			copy(out, m.UsageRecords)
			m.mu.Unlock()
			return out
		}
		m.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)

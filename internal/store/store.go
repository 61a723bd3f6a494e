// ABOUTME: Store interface and data types for the credential system of record
// ABOUTME: Defines CredentialRecord, change events, and the client-view contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned when creating a record whose caller key is
// already active for the same provider.
var ErrDuplicateKey = errors.New("caller key already exists")

// CredentialRecord is one row of the system of record: a gateway caller key,
// its usage policy, and the provider secret it unlocks (stored encrypted).
type CredentialRecord struct {
	ID               string
	OwnerKeyHash     string
	CallerKey        string
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	LastUsedAt       *time.Time
	UsageCount       int64
	RateLimit        int64
	SecretCiphertext string // base64 AES-256-GCM ciphertext, empty if no provider secret
	SecretNonce      string // base64 nonce paired with SecretCiphertext
	Active           bool
	ProviderID       string
}

// Expired reports whether the record has an expiry in the past at the given time.
func (r *CredentialRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// HasSecret reports whether the record carries an encrypted provider secret.
func (r *CredentialRecord) HasSecret() bool {
	return r.SecretCiphertext != "" && r.SecretNonce != ""
}

// Clone returns a deep copy of the record.
// Consumers that index records hand out copies so a later in-place mutation
// can never be observed half-applied.
func (r *CredentialRecord) Clone() *CredentialRecord {
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// ChangeOp identifies the kind of change event delivered by the feed.
type ChangeOp string

const (
	// OpUpsert covers both inserts and updates. An upsert whose record has
	// Active=false is a deactivation and must be treated as a removal.
	OpUpsert ChangeOp = "upsert"
	// OpDelete signals a hard delete of the record.
	OpDelete ChangeOp = "delete"
)

// ChangeEvent is one entry in the change feed for a provider's records.
type ChangeEvent struct {
	Op     ChangeOp          `json:"op"`
	Record *CredentialRecord `json:"record"`
}

// Store is the gateway's client view of the credential system of record.
// The gateway never owns the data; a remote operator may add, revoke, or
// rate-adjust keys at any time and the change feed keeps consumers current.
type Store interface {
	// LoadActive returns every active record for the provider.
	// Used for the one-time bulk prime of the in-memory cache.
	LoadActive(ctx context.Context, providerID string) ([]*CredentialRecord, error)

	// Subscribe opens a change feed for the provider's records. The returned
	// channel is closed when ctx is cancelled. Events for the same record are
	// applied last-writer-wins if the upstream ever reorders them.
	Subscribe(ctx context.Context, providerID string) (<-chan ChangeEvent, error)

	// RecordUsage persists an advanced usage counter and last-used timestamp.
	// Called from a detached background task; failures are logged, never
	// surfaced to the caller that triggered them.
	RecordUsage(ctx context.Context, id string, usageCount int64, lastUsedAt time.Time) error

	// CreateKey inserts a new credential record and announces it on the feed.
	CreateKey(ctx context.Context, record *CredentialRecord) error

	// DeactivateKey marks a record inactive and announces the change.
	DeactivateKey(ctx context.Context, id string) error

	// GetKey retrieves a record by ID regardless of active state.
	GetKey(ctx context.Context, id string) (*CredentialRecord, error)

	// Close releases the underlying connections.
	Close() error
}

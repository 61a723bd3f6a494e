// ABOUTME: In-memory credential cache with CDC-driven synchronization
// ABOUTME: Resolves caller keys to provider secrets enforcing expiry and quota policy

package keycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mcpdoor/mcpdoor/internal/secrets"
	"github.com/mcpdoor/mcpdoor/internal/store"
)

// Resolution errors surfaced to the protocol layer. All of them map to the
// unauthorized envelope; the distinction matters for logs and tests, not for
// callers, so none of the messages leak record details.
var (
	ErrNotFound    = errors.New("unknown caller key")
	ErrExpired     = errors.New("caller key expired")
	ErrRateLimited = errors.New("caller key rate limited")
)

// usagePersistTimeout bounds the detached usage write-back.
const usagePersistTimeout = 10 * time.Second

// Resolved is the outcome of a successful key resolution.
// Secret is empty for records that carry no provider secret, which is valid
// for providers whose operations need no downstream credential.
type Resolved struct {
	RecordID string
	Secret   string
}

// Config holds construction parameters for the Cache.
type Config struct {
	Source     store.Store
	Codec      *secrets.Codec
	ProviderID string
	Logger     *slog.Logger
}

// Cache is the live, low-latency view of one provider's credential records.
// Two indexes over the same record set are kept consistent as a unit: every
// mutation touches both under one lock or neither.
type Cache struct {
	source     store.Store
	codec      *secrets.Codec
	providerID string
	logger     *slog.Logger

	// now is swappable for expiry tests.
	now func() time.Time

	// group collapses concurrent first-use primes into a single bulk load.
	group singleflight.Group

	mu     sync.RWMutex
	primed bool
	byID   map[string]*store.CredentialRecord
	byKey  map[string]*store.CredentialRecord

	watchCancel context.CancelFunc
}

// New creates a Cache over the given system-of-record client.
func New(cfg Config) (*Cache, error) {
	if cfg.Source == nil {
		return nil, errors.New("source store is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("secret codec is required")
	}
	if cfg.ProviderID == "" {
		return nil, errors.New("provider ID is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		source:     cfg.Source,
		codec:      cfg.Codec,
		providerID: cfg.ProviderID,
		logger:     logger.With("component", "keycache", "provider_id", cfg.ProviderID),
		now:        time.Now,
		byID:       make(map[string]*store.CredentialRecord),
		byKey:      make(map[string]*store.CredentialRecord),
	}, nil
}

// Prime performs the one-time bulk load and opens the change subscription.
// Safe to call concurrently: duplicate simultaneous calls collapse into one
// load and all callers share its result. A failed prime is not cached; the
// next call retries. The serve path calls this eagerly at startup and treats
// failure as fatal.
func (c *Cache) Prime(ctx context.Context) error {
	c.mu.RLock()
	primed := c.primed
	c.mu.RUnlock()
	if primed {
		return nil
	}

	_, err, _ := c.group.Do("prime", func() (any, error) {
		// Re-check under the group: a prior flight may have finished.
		c.mu.RLock()
		primed := c.primed
		c.mu.RUnlock()
		if primed {
			return nil, nil
		}

		records, err := c.source.LoadActive(ctx, c.providerID)
		if err != nil {
			return nil, fmt.Errorf("loading active keys: %w", err)
		}

		watchCtx, cancel := context.WithCancel(context.Background())
		events, err := c.source.Subscribe(watchCtx, c.providerID)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("opening change subscription: %w", err)
		}

		byID := make(map[string]*store.CredentialRecord, len(records))
		byKey := make(map[string]*store.CredentialRecord, len(records))
		for _, r := range records {
			byID[r.ID] = r
			byKey[r.CallerKey] = r
		}

		c.mu.Lock()
		c.byID = byID
		c.byKey = byKey
		c.primed = true
		c.watchCancel = cancel
		c.mu.Unlock()

		go c.applyChanges(watchCtx, events)

		c.logger.Info("credential cache primed", "keys", len(records))
		return nil, nil
	})
	return err
}

// Resolve looks up and charges a caller key, returning the decrypted provider
// secret. Steps, in order: prime on first use, lookup, expiry check, quota
// check, detached usage write-back, decrypt.
func (c *Cache) Resolve(ctx context.Context, callerKey string) (Resolved, error) {
	if err := c.Prime(ctx); err != nil {
		return Resolved{}, err
	}

	now := c.now()

	c.mu.Lock()
	record, ok := c.byKey[callerKey]
	if !ok {
		c.mu.Unlock()
		return Resolved{}, ErrNotFound
	}
	if record.Expired(now) {
		c.mu.Unlock()
		return Resolved{}, ErrExpired
	}
	if record.UsageCount >= record.RateLimit {
		c.mu.Unlock()
		return Resolved{}, ErrRateLimited
	}

	// Charge the local snapshot so the quota ceiling tracks the freshest
	// view this instance has. The remote write-back below remains the system
	// of record; concurrent resolvers on other instances may pass their own
	// local check before either write lands. Soft limit, by contract.
	charged := record.Clone()
	charged.UsageCount = record.UsageCount + 1
	used := now
	charged.LastUsedAt = &used
	c.byID[charged.ID] = charged
	c.byKey[charged.CallerKey] = charged
	c.mu.Unlock()

	// Fire-and-forget persistence: never awaited, never fails the caller.
	go c.persistUsage(charged.ID, charged.UsageCount, used)

	if !charged.HasSecret() {
		return Resolved{RecordID: charged.ID}, nil
	}

	secret, err := c.codec.Open(charged.SecretCiphertext, charged.SecretNonce)
	if err != nil {
		// The record stays cached; retries fail identically until the
		// upstream corrects it.
		c.logger.Warn("failed to decrypt provider secret", "id", charged.ID, "error", err)
		return Resolved{}, err
	}

	return Resolved{RecordID: charged.ID, Secret: secret}, nil
}

// persistUsage writes the advanced counter to the system of record from a
// detached context. Failures are observable only in logs.
func (c *Cache) persistUsage(id string, usageCount int64, lastUsedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), usagePersistTimeout)
	defer cancel()

	if err := c.source.RecordUsage(ctx, id, usageCount, lastUsedAt); err != nil {
		c.logger.Warn("failed to persist usage count",
			"id", id,
			"usage_count", usageCount,
			"error", err,
		)
	}
}

// applyChanges drains the change feed, applying each event to both indexes
// as one atomic step. A deactivating upsert or a delete removes the record;
// an active upsert replaces it wholesale (last-writer-wins if the upstream
// ever reorders events — a documented limitation, not corrected here).
func (c *Cache) applyChanges(ctx context.Context, events <-chan store.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				c.logger.Warn("change feed closed")
				return
			}
			c.apply(event)
		}
	}
}

func (c *Cache) apply(event store.ChangeEvent) {
	record := event.Record
	if record == nil {
		c.logger.Warn("dropping change event without record", "op", event.Op)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Always drop the previous entry first so a caller-key change can't
	// leave a stale alias behind.
	if prev, ok := c.byID[record.ID]; ok {
		delete(c.byKey, prev.CallerKey)
		delete(c.byID, prev.ID)
	}

	if event.Op == store.OpDelete || !record.Active {
		c.logger.Debug("removed key from cache", "id", record.ID, "op", event.Op)
		return
	}

	c.byID[record.ID] = record
	c.byKey[record.CallerKey] = record
	c.logger.Debug("upserted key in cache", "id", record.ID)
}

// Close tears down the change subscription.
func (c *Cache) Close() {
	c.mu.Lock()
	cancel := c.watchCancel
	c.watchCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ABOUTME: SQLite implementation of the credential Store using modernc.org/sqlite
// ABOUTME: Provides record persistence with automatic schema creation and change publishing

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Notifier publishes and delivers change events for credential records.
// The SQLite store publishes after every successful write so remote gateway
// instances see the change without polling.
type Notifier interface {
	Publish(ctx context.Context, providerID string, event ChangeEvent) error
	Subscribe(ctx context.Context, providerID string) (<-chan ChangeEvent, error)
}

// SQLiteStore implements Store using SQLite for persistence and an optional
// Notifier for the change feed.
type SQLiteStore struct {
	db       *sql.DB
	notifier Notifier
	logger   *slog.Logger
}

// NewSQLiteStore creates a SQLite-backed store at the given path.
// The schema is automatically created if it doesn't exist and parent
// directories are created as needed. The notifier may be nil, in which case
// Subscribe returns an error and callers must prime without a feed.
func NewSQLiteStore(path string, notifier Notifier) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		notifier: notifier,
		logger:   logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the credential table if it doesn't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			owner_key_hash TEXT NOT NULL,
			caller_key TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT,
			last_used_at TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			rate_limit INTEGER NOT NULL DEFAULT 0,
			secret_ciphertext TEXT,
			secret_nonce TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			provider_id TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_provider
			ON api_keys(provider_id, active);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_caller_key
			ON api_keys(provider_id, caller_key) WHERE active = 1;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

const recordColumns = `id, owner_key_hash, caller_key, created_at, expires_at, last_used_at,
	usage_count, rate_limit, secret_ciphertext, secret_nonce, active, provider_id`

// LoadActive returns every active record for the provider.
func (s *SQLiteStore) LoadActive(ctx context.Context, providerID string) ([]*CredentialRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM api_keys WHERE provider_id = ? AND active = 1`

	rows, err := s.db.QueryContext(ctx, query, providerID)
	if err != nil {
		return nil, fmt.Errorf("querying active keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*CredentialRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating key rows: %w", err)
	}

	s.logger.Debug("loaded active keys", "provider_id", providerID, "count", len(records))
	return records, nil
}

// Subscribe opens the change feed via the configured notifier.
func (s *SQLiteStore) Subscribe(ctx context.Context, providerID string) (<-chan ChangeEvent, error) {
	if s.notifier == nil {
		return nil, fmt.Errorf("no notifier configured")
	}
	return s.notifier.Subscribe(ctx, providerID)
}

// RecordUsage persists an advanced usage counter and last-used timestamp,
// then announces the updated record on the change feed.
func (s *SQLiteStore) RecordUsage(ctx context.Context, id string, usageCount int64, lastUsedAt time.Time) error {
	query := `UPDATE api_keys SET usage_count = ?, last_used_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		usageCount,
		lastUsedAt.UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating usage: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("recorded usage", "id", id, "usage_count", usageCount)
	s.publish(ctx, id)
	return nil
}

// CreateKey inserts a new credential record.
// Returns ErrDuplicateKey if the caller key is already active for the provider.
func (s *SQLiteStore) CreateKey(ctx context.Context, record *CredentialRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO api_keys (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.OwnerKeyHash,
		record.CallerKey,
		record.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(record.ExpiresAt),
		nullTime(record.LastUsedAt),
		record.UsageCount,
		record.RateLimit,
		nullString(record.SecretCiphertext),
		nullString(record.SecretNonce),
		boolToInt(record.Active),
		record.ProviderID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting key: %w", err)
	}

	s.logger.Debug("created key", "id", record.ID, "provider_id", record.ProviderID)
	s.publish(ctx, record.ID)
	return nil
}

// DeactivateKey marks a record inactive.
// Returns ErrNotFound if the record doesn't exist.
func (s *SQLiteStore) DeactivateKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivating key: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deactivated key", "id", id)
	s.publish(ctx, id)
	return nil
}

// GetKey retrieves a record by ID regardless of active state.
func (s *SQLiteStore) GetKey(ctx context.Context, id string) (*CredentialRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM api_keys WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// publish re-reads the record and announces it as an upsert.
// Publish failures are logged, not returned: the write already succeeded and
// subscribers will converge on the next event for the record.
func (s *SQLiteStore) publish(ctx context.Context, id string) {
	if s.notifier == nil {
		return
	}
	record, err := s.GetKey(ctx, id)
	if err != nil {
		s.logger.Warn("failed to read record for change event", "id", id, "error", err)
		return
	}
	event := ChangeEvent{Op: OpUpsert, Record: record}
	if err := s.notifier.Publish(ctx, record.ProviderID, event); err != nil {
		s.logger.Warn("failed to publish change event", "id", id, "error", err)
	}
}

// scanner abstracts *sql.Row and *sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*CredentialRecord, error) {
	var record CredentialRecord
	var createdAt string
	var expiresAt, lastUsedAt, ciphertext, nonce sql.NullString
	var active int

	err := row.Scan(
		&record.ID,
		&record.OwnerKeyHash,
		&record.CallerKey,
		&createdAt,
		&expiresAt,
		&lastUsedAt,
		&record.UsageCount,
		&record.RateLimit,
		&ciphertext,
		&nonce,
		&active,
		&record.ProviderID,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning key row: %w", err)
	}

	if parsed, err := time.Parse(time.RFC3339, createdAt); err != nil {
		slog.Warn("failed to parse key created_at", "id", record.ID, "error", err)
	} else {
		record.CreatedAt = parsed
	}
	record.ExpiresAt = parseNullTime(expiresAt, record.ID, "expires_at")
	record.LastUsedAt = parseNullTime(lastUsedAt, record.ID, "last_used_at")
	if ciphertext.Valid {
		record.SecretCiphertext = ciphertext.String
	}
	if nonce.Valid {
		record.SecretNonce = nonce.String
	}
	record.Active = active != 0

	return &record, nil
}

func parseNullTime(v sql.NullString, id, field string) *time.Time {
	if !v.Valid {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		slog.Warn("failed to parse key timestamp", "id", id, "field", field, "error", err)
		return nil
	}
	return &parsed
}

// nullString converts empty strings to nil for nullable columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isConstraintViolation checks if an error is a SQLite constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

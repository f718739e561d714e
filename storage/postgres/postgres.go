// Package postgres provides a PostgreSQL implementation of the goverify.Ledger interface.
// The audit insert and the conditional entitlement upsert run in one transaction;
// the monotonic rule is enforced by the upsert's WHERE clause.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goverify/pkg/goverify"
)

//go:embed schema.sql
var schemaSQL string

// Storage implements goverify.AtomicLedger and goverify.LedgerQuerier using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoCreateTables applies the embedded schema on startup.
	AutoCreateTables bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	RecordRetention time.Duration // Audit records older than this are deleted
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  false,
		CleanupInterval: 24 * time.Hour,
		RecordRetention: 365 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL ledger
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}

	if config.AutoCreateTables {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.RecordRetention > 0 {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the ledger tables and indexes if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const insertRecordSQL = `
INSERT INTO subscription_verifications (
	id, created_at, app_id, package_name, subscription_id, user_id, purchase_token_hash,
	active, status, expiry_time_ms, is_trial, auto_renewing, source, raw_provider_response
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

const upsertEntitlementSQL = `
INSERT INTO entitlements (
	app_id, user_id, purchase_token_hash, status, active, expiry_time_ms, last_verified_ms, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (app_id, user_id) DO UPDATE SET
	purchase_token_hash = EXCLUDED.purchase_token_hash,
	status              = EXCLUDED.status,
	active              = EXCLUDED.active,
	expiry_time_ms      = EXCLUDED.expiry_time_ms,
	last_verified_ms    = EXCLUDED.last_verified_ms,
	updated_at          = EXCLUDED.updated_at
WHERE entitlements.last_verified_ms < EXCLUDED.last_verified_ms`

const selectEntitlementColumns = `
SELECT app_id, user_id, purchase_token_hash, status, active, expiry_time_ms, last_verified_ms, updated_at
FROM entitlements`

func insertRecord(ctx context.Context, q querier, rec *goverify.VerificationRecord) error {
	var raw []byte
	if len(rec.RawProviderResponse) > 0 && json.Valid(rec.RawProviderResponse) {
		raw = rec.RawProviderResponse
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := q.Exec(ctx, insertRecordSQL,
		rec.ID, createdAt, rec.AppID, rec.PackageName, rec.SubscriptionID, rec.UserID, rec.PurchaseTokenHash,
		rec.Active, string(rec.Status), nullableMs(rec.ExpiryTimeMs), rec.IsTrial, rec.AutoRenewing,
		string(rec.Source), raw)
	if err != nil {
		return fmt.Errorf("failed to insert verification record: %w", err)
	}
	return nil
}

func upsertEntitlement(ctx context.Context, q querier, ent *goverify.Entitlement) (bool, error) {
	updatedAt := ent.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tag, err := q.Exec(ctx, upsertEntitlementSQL,
		ent.AppID, ent.UserID, ent.PurchaseTokenHash, string(ent.Status), ent.Active,
		nullableMs(ent.ExpiryTimeMs), ent.LastVerifiedMs, updatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Record implements goverify.Ledger
func (s *Storage) Record(ctx context.Context, rec *goverify.VerificationRecord) error {
	return insertRecord(ctx, s.pool, rec)
}

// UpsertEntitlement implements goverify.Ledger
func (s *Storage) UpsertEntitlement(ctx context.Context, ent *goverify.Entitlement) (bool, error) {
	return upsertEntitlement(ctx, s.pool, ent)
}

// RecordAndUpsert implements goverify.AtomicLedger
func (s *Storage) RecordAndUpsert(
	ctx context.Context, rec *goverify.VerificationRecord, ent *goverify.Entitlement,
) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) //nolint:errcheck // Rollback is safe to call even after commit
	}()

	if err := insertRecord(ctx, tx, rec); err != nil {
		return false, err
	}
	applied, err := upsertEntitlement(ctx, tx, ent)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return applied, nil
}

// GetEntitlement implements goverify.Ledger
func (s *Storage) GetEntitlement(ctx context.Context, appID, userID string) (*goverify.Entitlement, error) {
	row := s.pool.QueryRow(ctx, selectEntitlementColumns+` WHERE app_id = $1 AND user_id = $2`, appID, userID)
	ent, err := scanEntitlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goverify.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return ent, nil
}

// ListByTokenHash implements goverify.LedgerQuerier
func (s *Storage) ListByTokenHash(ctx context.Context, tokenHash string) ([]*goverify.Entitlement, error) {
	return s.listEntitlements(ctx,
		selectEntitlementColumns+` WHERE purchase_token_hash = $1 ORDER BY app_id, user_id`, tokenHash)
}

// ListExpiringBefore implements goverify.LedgerQuerier
func (s *Storage) ListExpiringBefore(ctx context.Context, expiryMs int64, limit int) ([]*goverify.Entitlement, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.listEntitlements(ctx,
		selectEntitlementColumns+` WHERE active AND expiry_time_ms IS NOT NULL AND expiry_time_ms < $1
		ORDER BY expiry_time_ms LIMIT $2`, expiryMs, limit)
}

func (s *Storage) listEntitlements(ctx context.Context, sql string, args ...any) ([]*goverify.Entitlement, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	defer rows.Close()

	var out []*goverify.Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

// ListRecords implements goverify.LedgerQuerier
func (s *Storage) ListRecords(ctx context.Context, appID, userID string, limit int) ([]*goverify.VerificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, created_at, app_id, package_name, subscription_id, user_id, purchase_token_hash,
			active, status, expiry_time_ms, is_trial, auto_renewing, source, raw_provider_response
		FROM subscription_verifications
		WHERE app_id = $1 AND user_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, appID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification records: %w", err)
	}
	defer rows.Close()

	var out []*goverify.VerificationRecord
	for rows.Next() {
		var rec goverify.VerificationRecord
		var status, source string
		var expiry *int64
		var raw []byte
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &rec.AppID, &rec.PackageName, &rec.SubscriptionID,
			&rec.UserID, &rec.PurchaseTokenHash, &rec.Active, &status, &expiry, &rec.IsTrial,
			&rec.AutoRenewing, &source, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan verification record: %w", err)
		}
		rec.Status = goverify.Status(status)
		rec.Source = goverify.RecordSource(source)
		if expiry != nil {
			rec.ExpiryTimeMs = *expiry
		}
		if len(raw) > 0 {
			rec.RawProviderResponse = raw
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func scanEntitlement(row pgx.Row) (*goverify.Entitlement, error) {
	var ent goverify.Entitlement
	var status string
	var expiry *int64
	if err := row.Scan(&ent.AppID, &ent.UserID, &ent.PurchaseTokenHash, &status, &ent.Active,
		&expiry, &ent.LastVerifiedMs, &ent.UpdatedAt); err != nil {
		return nil, err
	}
	ent.Status = goverify.Status(status)
	if expiry != nil {
		ent.ExpiryTimeMs = *expiry
	}
	return &ent, nil
}

func nullableMs(ms int64) *int64 {
	if ms <= 0 {
		return nil
	}
	return &ms
}

// startCleanup runs periodic cleanup of old audit records
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes audit records older than the configured retention and returns how many were removed.
// Entitlements are never deleted.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	if s.config.RecordRetention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.config.RecordRetention)
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscription_verifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup verification records: %w", err)
	}
	return tag.RowsAffected(), nil
}

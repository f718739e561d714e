package goverify

import (
	"context"
)

// Ledger persists verification audit records and current entitlements.
// All methods use concrete types from this package to avoid import cycles
type Ledger interface {
	// Record appends an audit record. Records are never updated.
	Record(ctx context.Context, rec *VerificationRecord) error

	// UpsertEntitlement writes ent only if no entitlement exists for (AppID, UserID)
	// or the stored LastVerifiedMs is strictly older. Returns false when the write was skipped.
	UpsertEntitlement(ctx context.Context, ent *Entitlement) (bool, error)

	// GetEntitlement returns the entitlement or ErrEntitlementNotFound.
	GetEntitlement(ctx context.Context, appID, userID string) (*Entitlement, error)
}

// AtomicLedger is implemented by ledgers that can write the audit record and
// the entitlement in one transaction.
type AtomicLedger interface {
	Ledger

	// RecordAndUpsert appends rec and applies the monotonic upsert of ent atomically.
	// On error nothing has been written.
	RecordAndUpsert(ctx context.Context, rec *VerificationRecord, ent *Entitlement) (bool, error)
}

// LedgerQuerier exposes the secondary lookups of the ledger.
type LedgerQuerier interface {
	// ListByTokenHash returns the entitlements currently bound to a purchase token hash.
	ListByTokenHash(ctx context.Context, tokenHash string) ([]*Entitlement, error)

	// ListExpiringBefore returns up to limit active entitlements expiring before expiryMs.
	ListExpiringBefore(ctx context.Context, expiryMs int64, limit int) ([]*Entitlement, error)

	// ListRecords returns up to limit audit records for a user, newest first.
	ListRecords(ctx context.Context, appID, userID string, limit int) ([]*VerificationRecord, error)
}

// ShouldApply reports whether candidate may replace existing under the monotonic rule.
// Storage backends without conditional writes use it inside their own transactions.
func ShouldApply(existing, candidate *Entitlement) bool {
	return existing == nil || candidate.LastVerifiedMs > existing.LastVerifiedMs
}

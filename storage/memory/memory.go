// Package memory provides an in-memory implementation of the goverify.Ledger interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/goverify/pkg/goverify"
)

// Storage implements goverify.AtomicLedger using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	records      []*goverify.VerificationRecord
	entitlements map[string]*goverify.Entitlement
}

// New creates a new in-memory ledger
func New() *Storage {
	return &Storage{
		entitlements: make(map[string]*goverify.Entitlement),
	}
}

func entitlementKey(appID, userID string) string {
	return appID + "\x00" + userID
}

// Record implements goverify.Ledger
func (s *Storage) Record(_ context.Context, rec *goverify.VerificationRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendRecordLocked(rec)
	return nil
}

// UpsertEntitlement implements goverify.Ledger
func (s *Storage) UpsertEntitlement(_ context.Context, ent *goverify.Entitlement) (bool, error) {
	if err := validateEntitlement(ent); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(ent), nil
}

// RecordAndUpsert implements goverify.AtomicLedger
func (s *Storage) RecordAndUpsert(
	_ context.Context, rec *goverify.VerificationRecord, ent *goverify.Entitlement,
) (bool, error) {
	if err := validateRecord(rec); err != nil {
		return false, err
	}
	if err := validateEntitlement(ent); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendRecordLocked(rec)
	return s.upsertLocked(ent), nil
}

func (s *Storage) appendRecordLocked(rec *goverify.VerificationRecord) {
	// Store a copy to prevent external mutations
	recCopy := *rec
	if rec.RawProviderResponse != nil {
		recCopy.RawProviderResponse = append([]byte(nil), rec.RawProviderResponse...)
	}
	s.records = append(s.records, &recCopy)
}

func (s *Storage) upsertLocked(ent *goverify.Entitlement) bool {
	key := entitlementKey(ent.AppID, ent.UserID)
	if !goverify.ShouldApply(s.entitlements[key], ent) {
		return false
	}
	entCopy := *ent
	if entCopy.UpdatedAt.IsZero() {
		entCopy.UpdatedAt = time.Now().UTC()
	}
	s.entitlements[key] = &entCopy
	return true
}

// GetEntitlement implements goverify.Ledger
func (s *Storage) GetEntitlement(_ context.Context, appID, userID string) (*goverify.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[entitlementKey(appID, userID)]
	if !ok {
		return nil, goverify.ErrEntitlementNotFound
	}

	// Return a copy to prevent external mutations
	entCopy := *ent
	return &entCopy, nil
}

// ListByTokenHash implements goverify.LedgerQuerier
func (s *Storage) ListByTokenHash(_ context.Context, tokenHash string) ([]*goverify.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*goverify.Entitlement
	for _, ent := range s.entitlements {
		if ent.PurchaseTokenHash == tokenHash {
			entCopy := *ent
			out = append(out, &entCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppID != out[j].AppID {
			return out[i].AppID < out[j].AppID
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// ListExpiringBefore implements goverify.LedgerQuerier
func (s *Storage) ListExpiringBefore(_ context.Context, expiryMs int64, limit int) ([]*goverify.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*goverify.Entitlement
	for _, ent := range s.entitlements {
		if ent.Active && ent.ExpiryTimeMs > 0 && ent.ExpiryTimeMs < expiryMs {
			entCopy := *ent
			out = append(out, &entCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiryTimeMs < out[j].ExpiryTimeMs })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRecords implements goverify.LedgerQuerier
func (s *Storage) ListRecords(_ context.Context, appID, userID string, limit int) ([]*goverify.VerificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*goverify.VerificationRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.AppID != appID || rec.UserID != userID {
			continue
		}
		recCopy := *rec
		out = append(out, &recCopy)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// RecordCount returns the number of audit records held.
func (s *Storage) RecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func validateRecord(rec *goverify.VerificationRecord) error {
	if rec == nil || rec.ID == "" || rec.AppID == "" || rec.UserID == "" {
		return fmt.Errorf("invalid verification record")
	}
	return nil
}

func validateEntitlement(ent *goverify.Entitlement) error {
	if ent == nil || ent.AppID == "" || ent.UserID == "" {
		return fmt.Errorf("invalid entitlement")
	}
	return nil
}

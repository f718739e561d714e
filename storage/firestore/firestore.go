// Package firestore provides a Firestore implementation of the goverify.Ledger interface.
// Entitlement upserts run inside a Firestore transaction so the monotonic rule holds
// across concurrent writers.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goverify/pkg/goverify"
)

// Storage implements goverify.AtomicLedger and goverify.LedgerQuerier using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	entitlementsCollection string
	recordsCollection      string
}

// Config holds Firestore storage configuration
type Config struct {
	// EntitlementsCollection is the Firestore collection for current entitlements
	// Default: "entitlements"
	EntitlementsCollection string

	// RecordsCollection is the Firestore collection for verification audit records
	// Default: "subscription_verifications"
	RecordsCollection string
}

// New creates a new Firestore ledger
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "entitlements"
	}
	if config.RecordsCollection == "" {
		config.RecordsCollection = "subscription_verifications"
	}

	return &Storage{
		client:                 client,
		entitlementsCollection: config.EntitlementsCollection,
		recordsCollection:      config.RecordsCollection,
	}, nil
}

// Record implements goverify.Ledger
func (s *Storage) Record(ctx context.Context, rec *goverify.VerificationRecord) error {
	if rec == nil || rec.ID == "" || rec.AppID == "" || rec.UserID == "" {
		return fmt.Errorf("invalid verification record")
	}
	if _, err := s.client.Collection(s.recordsCollection).Doc(rec.ID).Create(ctx, recordData(rec)); err != nil {
		return fmt.Errorf("failed to create verification record: %w", err)
	}
	return nil
}

// UpsertEntitlement implements goverify.Ledger
func (s *Storage) UpsertEntitlement(ctx context.Context, ent *goverify.Entitlement) (bool, error) {
	return s.RecordAndUpsert(ctx, nil, ent)
}

// RecordAndUpsert implements goverify.AtomicLedger. A nil rec only upserts.
func (s *Storage) RecordAndUpsert(
	ctx context.Context, rec *goverify.VerificationRecord, ent *goverify.Entitlement,
) (bool, error) {
	if ent == nil || ent.AppID == "" || ent.UserID == "" {
		return false, fmt.Errorf("invalid entitlement")
	}
	if rec != nil && rec.ID == "" {
		return false, fmt.Errorf("invalid verification record")
	}

	doc := s.entitlementDoc(ent.AppID, ent.UserID)
	var applied bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		applied = false

		// Reads must precede writes in a Firestore transaction.
		var existing *goverify.Entitlement
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			existing = entitlementFromData(snap.Data())
		}

		if rec != nil {
			recDoc := s.client.Collection(s.recordsCollection).Doc(rec.ID)
			if err := tx.Create(recDoc, recordData(rec)); err != nil {
				return fmt.Errorf("failed to create verification record: %w", err)
			}
		}

		if !goverify.ShouldApply(existing, ent) {
			return nil
		}
		if err := tx.Set(doc, entitlementData(ent)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert entitlement: %w", err)
	}

	return applied, nil
}

// GetEntitlement implements goverify.Ledger
func (s *Storage) GetEntitlement(ctx context.Context, appID, userID string) (*goverify.Entitlement, error) {
	snap, err := s.entitlementDoc(appID, userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goverify.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	if !snap.Exists() {
		return nil, goverify.ErrEntitlementNotFound
	}

	return entitlementFromData(snap.Data()), nil
}

// ListByTokenHash implements goverify.LedgerQuerier
func (s *Storage) ListByTokenHash(ctx context.Context, tokenHash string) ([]*goverify.Entitlement, error) {
	query := s.client.Collection(s.entitlementsCollection).Where("purchaseTokenHash", "==", tokenHash)
	return s.queryEntitlements(ctx, query)
}

// ListExpiringBefore implements goverify.LedgerQuerier
func (s *Storage) ListExpiringBefore(ctx context.Context, expiryMs int64, limit int) ([]*goverify.Entitlement, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := s.client.Collection(s.entitlementsCollection).
		Where("active", "==", true).
		Where("expiryTimeMs", ">", int64(0)).
		Where("expiryTimeMs", "<", expiryMs).
		OrderBy("expiryTimeMs", firestore.Asc).
		Limit(limit)
	return s.queryEntitlements(ctx, query)
}

func (s *Storage) queryEntitlements(ctx context.Context, query firestore.Query) ([]*goverify.Entitlement, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*goverify.Entitlement
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query entitlements: %w", err)
		}
		out = append(out, entitlementFromData(snap.Data()))
	}
	return out, nil
}

// ListRecords implements goverify.LedgerQuerier
func (s *Storage) ListRecords(ctx context.Context, appID, userID string, limit int) ([]*goverify.VerificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	iter := s.client.Collection(s.recordsCollection).
		Where("appId", "==", appID).
		Where("userId", "==", userID).
		OrderBy("createdAt", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var out []*goverify.VerificationRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query verification records: %w", err)
		}
		rec := recordFromData(snap.Data())
		rec.ID = snap.Ref.ID
		out = append(out, rec)
	}
	return out, nil
}

// entitlementDoc returns the document for an entitlement.
// App IDs never contain ':' so the ID is unambiguous.
func (s *Storage) entitlementDoc(appID, userID string) *firestore.DocumentRef {
	return s.client.Collection(s.entitlementsCollection).Doc(appID + ":" + userID)
}

func entitlementData(ent *goverify.Entitlement) map[string]interface{} {
	updatedAt := ent.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return map[string]interface{}{
		"appId":             ent.AppID,
		"userId":            ent.UserID,
		"purchaseTokenHash": ent.PurchaseTokenHash,
		"status":            string(ent.Status),
		"active":            ent.Active,
		"expiryTimeMs":      ent.ExpiryTimeMs,
		"lastVerifiedMs":    ent.LastVerifiedMs,
		"updatedAt":         updatedAt,
	}
}

func entitlementFromData(data map[string]interface{}) *goverify.Entitlement {
	return &goverify.Entitlement{
		AppID:             getString(data, "appId"),
		UserID:            getString(data, "userId"),
		PurchaseTokenHash: getString(data, "purchaseTokenHash"),
		Status:            goverify.Status(getString(data, "status")),
		Active:            getBool(data, "active"),
		ExpiryTimeMs:      getInt64(data, "expiryTimeMs"),
		LastVerifiedMs:    getInt64(data, "lastVerifiedMs"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
}

func recordData(rec *goverify.VerificationRecord) map[string]interface{} {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	data := map[string]interface{}{
		"createdAt":         createdAt,
		"appId":             rec.AppID,
		"packageName":       rec.PackageName,
		"subscriptionId":    rec.SubscriptionID,
		"userId":            rec.UserID,
		"purchaseTokenHash": rec.PurchaseTokenHash,
		"active":            rec.Active,
		"status":            string(rec.Status),
		"expiryTimeMs":      rec.ExpiryTimeMs,
		"isTrial":           rec.IsTrial,
		"autoRenewing":      rec.AutoRenewing,
		"source":            string(rec.Source),
	}
	if len(rec.RawProviderResponse) > 0 {
		data["rawProviderResponse"] = string(rec.RawProviderResponse)
	}
	return data
}

func recordFromData(data map[string]interface{}) *goverify.VerificationRecord {
	rec := &goverify.VerificationRecord{
		CreatedAt:         getTime(data, "createdAt"),
		AppID:             getString(data, "appId"),
		PackageName:       getString(data, "packageName"),
		SubscriptionID:    getString(data, "subscriptionId"),
		UserID:            getString(data, "userId"),
		PurchaseTokenHash: getString(data, "purchaseTokenHash"),
		Active:            getBool(data, "active"),
		Status:            goverify.Status(getString(data, "status")),
		ExpiryTimeMs:      getInt64(data, "expiryTimeMs"),
		IsTrial:           getBool(data, "isTrial"),
		AutoRenewing:      getBool(data, "autoRenewing"),
		Source:            goverify.RecordSource(getString(data, "source")),
	}
	if raw := getString(data, "rawProviderResponse"); raw != "" {
		rec.RawProviderResponse = []byte(raw)
	}
	return rec
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

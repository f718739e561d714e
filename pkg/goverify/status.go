package goverify

import "time"

// MapStatus derives the canonical status of a provider record at now.
// Rules are applied in order and the first match wins:
//
//  1. expired flag, or expiry at or before now: EXPIRED
//  2. no expiry reported: UNKNOWN
//  3. trial: TRIAL_ACTIVE
//  4. canceled with expiry in the future: CANCELED_ACTIVE
//  5. on hold or in grace: ON_HOLD
//  6. in good standing: PAID_ACTIVE
//  7. anything else: UNKNOWN
//
// A nil record maps to UNKNOWN. MapStatus is pure.
func MapStatus(raw *RawRecord, now time.Time) Mapping {
	if raw == nil {
		return Mapping{Status: StatusUnknown}
	}

	m := Mapping{
		ExpiryTimeMs: raw.ExpiryTimeMs,
		IsTrial:      raw.Trial || raw.TrialOffer,
		AutoRenewing: raw.AutoRenewing,
	}

	nowMs := now.UnixMilli()
	switch {
	case raw.Expired || (raw.ExpiryTimeMs > 0 && raw.ExpiryTimeMs <= nowMs):
		m.Status = StatusExpired
	case raw.ExpiryTimeMs <= 0:
		m.Status = StatusUnknown
	case raw.Trial:
		m.Status = StatusTrialActive
	case raw.Canceled:
		m.Status = StatusCanceledActive
	case raw.OnHold:
		m.Status = StatusOnHold
	case raw.InGoodStanding:
		m.Status = StatusPaidActive
	default:
		m.Status = StatusUnknown
	}
	m.Active = m.Status.Active()
	return m
}

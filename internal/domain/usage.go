package domain

import "time"

// Credits describes the account's credit-based billing state, when the
// upstream reports one. Has indicates whether the upstream mentioned
// credits at all for this account.
type Credits struct {
	Has       bool
	Unlimited bool
	Balance   float64
}

// UsageSnapshot is the latest primary/secondary/credit figures known for an
// account. It is created on the first successful upstream response carrying
// usage headers and updated every time new usage headers arrive. A snapshot
// is considered decayed (ignored by callers) once its ResetAt has passed.
type UsageSnapshot struct {
	AccountID string

	PrimaryUsedPercent  float64
	PrimaryResetAt      *time.Time
	PrimaryWindowMinutes int

	SecondaryUsedPercent float64
	SecondaryResetAt     *time.Time

	// RuntimeResetAt is an in-memory override computed by the quota state
	// machine; it is not necessarily persisted and may outlive a single
	// upstream-reported reset_at when the account was placed in cooldown
	// without an explicit reset time.
	RuntimeResetAt *time.Time

	Credits Credits

	UpdatedAt time.Time
}

// Decayed reports whether the snapshot's governing reset time has already
// passed, meaning its status-bearing fields should no longer be trusted.
func (s UsageSnapshot) Decayed(now time.Time) bool {
	resetAt := s.RuntimeResetAt
	if resetAt == nil {
		resetAt = s.PrimaryResetAt
	}
	if resetAt == nil {
		resetAt = s.SecondaryResetAt
	}
	if resetAt == nil {
		return false
	}
	return resetAt.Before(now)
}

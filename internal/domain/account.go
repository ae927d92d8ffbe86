// Package domain holds the plain records shared by every proxy component.
// Repository ports operate on these types directly; there is no ORM layer.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// AccountStatus is the closed set of lifecycle states an Account can be in.
type AccountStatus string

const (
	AccountStatusActive         AccountStatus = "ACTIVE"
	AccountStatusRateLimited    AccountStatus = "RATE_LIMITED"
	AccountStatusQuotaExceeded  AccountStatus = "QUOTA_EXCEEDED"
	AccountStatusPaused         AccountStatus = "PAUSED"
	AccountStatusDeactivated    AccountStatus = "DEACTIVATED"
)

// IsValid reports whether s belongs to the closed set of statuses.
func (s AccountStatus) IsValid() bool {
	switch s {
	case AccountStatusActive, AccountStatusRateLimited, AccountStatusQuotaExceeded,
		AccountStatusPaused, AccountStatusDeactivated:
		return true
	default:
		return false
	}
}

// PlanType is a closed set of known upstream subscription tiers. Unknown
// values coerce to PlanTypeUnknown rather than being rejected, matching the
// upstream's habit of introducing new tiers without notice.
type PlanType string

const (
	PlanTypeFree       PlanType = "free"
	PlanTypePlus       PlanType = "plus"
	PlanTypePro        PlanType = "pro"
	PlanTypeTeam       PlanType = "team"
	PlanTypeEnterprise PlanType = "enterprise"
	PlanTypeUnknown    PlanType = "unknown"
)

// CoercePlanType maps an arbitrary upstream string onto the closed PlanType set.
func CoercePlanType(raw string) PlanType {
	switch PlanType(raw) {
	case PlanTypeFree, PlanTypePlus, PlanTypePro, PlanTypeTeam, PlanTypeEnterprise:
		return PlanType(raw)
	default:
		return PlanTypeUnknown
	}
}

// Account is the durable record for one upstream-authenticated identity the
// proxy can multiplex requests onto. Tokens are always encrypted at rest;
// callers must go through the token encryptor to read them.
type Account struct {
	ID                 string
	ChatGPTAccountID   string
	Email              string
	PlanType           PlanType
	AccessTokenEnc     []byte
	RefreshTokenEnc    []byte
	IDTokenEnc         []byte
	LastRefresh        time.Time
	Status             AccountStatus
	DeactivationReason string
	ProxyURL           string
	CreatedAt          time.Time

	// Runtime-only fields, never persisted. No component sets them; the
	// balancer keeps its own last-used overlay instead.
	LastUsedAt   time.Time
	RequestCount int64
}

// DeriveAccountID produces the stable internal id for an account: the
// upstream chatgpt_account_id when present, else a hash of the email so the
// same human account always maps onto the same row even before the upstream
// id is known.
func DeriveAccountID(chatGPTAccountID, email string) string {
	if chatGPTAccountID != "" {
		return chatGPTAccountID
	}
	return "email:" + hashEmail(email)
}

func hashEmail(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

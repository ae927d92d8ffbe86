package service

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/aicodex-proxy/gateway/internal/domain"
	"github.com/aicodex-proxy/gateway/internal/repository"
)

// quotaStateInput is the state machine's input tuple: the account's current
// status plus whatever usage figures this observation carries. A zero
// PrimaryUsed/SecondaryUsed with Known=false means "not reported this time".
type quotaStateInput struct {
	Status domain.AccountStatus

	PrimaryUsedKnown    bool
	PrimaryUsed         float64
	PrimaryReset        *time.Time
	PrimaryWindowMinutes int

	RuntimeReset *time.Time

	SecondaryUsedKnown bool
	SecondaryUsed      float64
	SecondaryReset     *time.Time
}

// quotaStateOutput is the state machine's output tuple.
type quotaStateOutput struct {
	Status     domain.AccountStatus
	UsedPercent float64
	ResetAt    *time.Time
}

// computeQuotaState implements the quota state machine exactly: given the
// account's current status and the usage figures from this observation, it
// derives the new status/used_percent/reset_at triple.
func computeQuotaState(in quotaStateInput, now time.Time) quotaStateOutput {
	if in.Status == domain.AccountStatusDeactivated || in.Status == domain.AccountStatusPaused {
		return quotaStateOutput{Status: in.Status}
	}

	status := in.Status
	resetAt := in.RuntimeReset

	// secondary (quota) window: keep/clear QUOTA_EXCEEDED, but always fall
	// through to the primary block below, mirroring quota.py's
	// apply_usage_quota — only the >=100 branch returns early.
	if in.SecondaryUsedKnown {
		if in.SecondaryUsed >= 100 {
			reset := in.SecondaryReset
			if reset == nil {
				reset = in.RuntimeReset
			}
			return quotaStateOutput{Status: domain.AccountStatusQuotaExceeded, UsedPercent: 100, ResetAt: reset}
		}
		if status == domain.AccountStatusQuotaExceeded {
			if in.RuntimeReset != nil && in.RuntimeReset.After(now) {
				resetAt = in.RuntimeReset
			} else {
				status = domain.AccountStatusActive
				resetAt = nil
			}
		}
	} else if status == domain.AccountStatusQuotaExceeded && in.SecondaryReset != nil {
		resetAt = in.SecondaryReset
	}

	if in.PrimaryUsedKnown {
		if in.PrimaryUsed >= 100 {
			reset := in.PrimaryReset
			if reset == nil {
				windowReset := now.Add(time.Duration(in.PrimaryWindowMinutes) * time.Minute)
				reset = &windowReset
			}
			return quotaStateOutput{Status: domain.AccountStatusRateLimited, UsedPercent: 100, ResetAt: reset}
		}
		if status == domain.AccountStatusRateLimited {
			reset := earliestFutureReset(now, resetAt, in.PrimaryReset)
			if reset == nil {
				return quotaStateOutput{Status: domain.AccountStatusActive, UsedPercent: in.PrimaryUsed}
			}
			return quotaStateOutput{Status: domain.AccountStatusRateLimited, UsedPercent: in.PrimaryUsed, ResetAt: reset}
		}
		return quotaStateOutput{Status: status, UsedPercent: in.PrimaryUsed, ResetAt: resetAt}
	}

	return quotaStateOutput{Status: status, ResetAt: resetAt}
}

func earliestFutureReset(now time.Time, candidates ...*time.Time) *time.Time {
	var earliest *time.Time
	for _, c := range candidates {
		if c == nil || !c.After(now) {
			continue
		}
		if earliest == nil || c.Before(*earliest) {
			earliest = c
		}
	}
	return earliest
}

// RateLimitAccountant consumes SSE-event usage figures and maintains the
// durable UsageSnapshot plus a fast in-memory read cache. Usage figures in
// upstream response headers are not read.
type RateLimitAccountant struct {
	store *repository.AccountStore
	cache *cache.Cache
}

func NewRateLimitAccountant(store *repository.AccountStore) *RateLimitAccountant {
	return &RateLimitAccountant{
		store: store,
		cache: cache.New(cache.NoExpiration, time.Minute),
	}
}

// Observe folds a new usage observation into the account's snapshot and
// persists both the snapshot and any status transition.
func (a *RateLimitAccountant) Observe(ctx context.Context, acc *domain.Account, prior *domain.UsageSnapshot, obs quotaStateInput, now time.Time) (*domain.UsageSnapshot, domain.AccountStatus, error) {
	obs.Status = acc.Status
	if prior != nil {
		obs.RuntimeReset = prior.RuntimeResetAt
		if !obs.PrimaryUsedKnown {
			obs.PrimaryUsed = prior.PrimaryUsedPercent
			obs.PrimaryReset = prior.PrimaryResetAt
			obs.PrimaryWindowMinutes = prior.PrimaryWindowMinutes
		}
		if !obs.SecondaryUsedKnown {
			obs.SecondaryUsed = prior.SecondaryUsedPercent
			obs.SecondaryReset = prior.SecondaryResetAt
		}
	}

	out := computeQuotaState(obs, now)

	snap := domain.UsageSnapshot{
		AccountID:            acc.ID,
		PrimaryUsedPercent:   obs.PrimaryUsed,
		PrimaryResetAt:       obs.PrimaryReset,
		PrimaryWindowMinutes: obs.PrimaryWindowMinutes,
		SecondaryUsedPercent: obs.SecondaryUsed,
		SecondaryResetAt:     obs.SecondaryReset,
		RuntimeResetAt:       out.ResetAt,
		UpdatedAt:            now,
	}
	if prior != nil {
		snap.Credits = prior.Credits
	}

	if err := a.store.UpsertUsageSnapshot(ctx, snap); err != nil {
		return nil, acc.Status, err
	}
	a.cacheSnapshot(snap, out.ResetAt, now)

	if out.Status != acc.Status {
		if err := a.store.UpdateStatus(ctx, acc.ID, out.Status, acc.DeactivationReason); err != nil {
			return &snap, acc.Status, err
		}
	}

	return &snap, out.Status, nil
}

func (a *RateLimitAccountant) cacheSnapshot(snap domain.UsageSnapshot, resetAt *time.Time, now time.Time) {
	ttl := cache.DefaultExpiration
	if resetAt != nil {
		if d := resetAt.Sub(now); d > 0 {
			ttl = d
		}
	}
	a.cache.Set(snap.AccountID, snap, ttl)
}

// Snapshot returns the cached snapshot for accountID if present and not
// decayed, falling back to the durable store on a cache miss.
func (a *RateLimitAccountant) Snapshot(ctx context.Context, accountID string, now time.Time) (*domain.UsageSnapshot, error) {
	if v, ok := a.cache.Get(accountID); ok {
		snap := v.(domain.UsageSnapshot)
		if !snap.Decayed(now) {
			return &snap, nil
		}
	}
	snap, err := a.store.GetUsageSnapshot(ctx, accountID)
	if err != nil || snap == nil {
		return snap, err
	}
	a.cacheSnapshot(*snap, snap.RuntimeResetAt, now)
	return snap, nil
}

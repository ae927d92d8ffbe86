package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aicodex-proxy/gateway/internal/domain"
	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
	"github.com/aicodex-proxy/gateway/internal/repository"
)

// BalancerCandidate is the balancer's view of one account: its identity,
// current status, and the latest known reset time (nil when none / decayed).
type BalancerCandidate struct {
	AccountID string
	Status    domain.AccountStatus
	ResetAt   *time.Time
}

// SelectionRequest carries everything the balancer needs to pick an account
// for one proxy request.
type SelectionRequest struct {
	StickyKey               string
	PreferEarlierResetAccounts bool
}

// overlayState is the balancer's in-memory bookkeeping for one account:
// cooldown (ineligible until ResetAt) and the last time it was selected.
type overlayState struct {
	CooldownUntil *time.Time
	LastUsed      time.Time
}

// Balancer selects an account per request from the candidates the account
// store currently reports, tracking cooldowns and last-used times in an
// in-memory overlay guarded by a single mutex — critical sections are
// O(accounts), matching the teacher's runtime-stats bookkeeping approach
// without its EWMA scoring (out of the distilled spec's selection rule).
type Balancer struct {
	store  *repository.AccountStore
	sticky *repository.StickyStore

	mu      sync.Mutex
	overlay map[string]*overlayState
}

func NewBalancer(store *repository.AccountStore, sticky *repository.StickyStore) *Balancer {
	return &Balancer{
		store:   store,
		sticky:  sticky,
		overlay: make(map[string]*overlayState),
	}
}

// Select implements spec's selection algorithm: a still-active sticky
// binding wins outright; otherwise partition into eligible candidates
// (ACTIVE, not in cooldown) and either sort by (reset_at, last_used) or
// round-robin by last_used, depending on req.PreferEarlierResetAccounts.
func (b *Balancer) Select(ctx context.Context, candidates []BalancerCandidate, req SelectionRequest, now time.Time) (string, error) {
	if req.StickyKey != "" {
		if accountID, ok := b.sticky.Get(ctx, req.StickyKey); ok {
			if b.isEligible(candidates, accountID, now) {
				b.touch(accountID, now)
				return accountID, nil
			}
		}
	}

	eligible := make([]BalancerCandidate, 0, len(candidates))
	b.mu.Lock()
	for _, c := range candidates {
		if c.Status != domain.AccountStatusActive {
			continue
		}
		if state, ok := b.overlay[c.AccountID]; ok && state.CooldownUntil != nil && state.CooldownUntil.After(now) {
			continue
		}
		eligible = append(eligible, c)
	}
	b.mu.Unlock()

	if len(eligible) == 0 {
		return "", apperrors.New(apperrors.KindNoCapacity, 503, "no_accounts", "no accounts are currently available")
	}

	b.mu.Lock()
	lastUsed := make(map[string]time.Time, len(eligible))
	for _, c := range eligible {
		if state, ok := b.overlay[c.AccountID]; ok {
			lastUsed[c.AccountID] = state.LastUsed
		}
	}
	b.mu.Unlock()

	if req.PreferEarlierResetAccounts {
		sort.SliceStable(eligible, func(i, j int) bool {
			ri, rj := eligible[i].ResetAt, eligible[j].ResetAt
			if ri == nil && rj != nil {
				return false
			}
			if ri != nil && rj == nil {
				return true
			}
			if ri != nil && rj != nil && !ri.Equal(*rj) {
				return ri.Before(*rj)
			}
			return lastUsed[eligible[i].AccountID].Before(lastUsed[eligible[j].AccountID])
		})
	} else {
		sort.SliceStable(eligible, func(i, j int) bool {
			return lastUsed[eligible[i].AccountID].Before(lastUsed[eligible[j].AccountID])
		})
	}

	selected := eligible[0].AccountID
	b.touch(selected, now)
	if req.StickyKey != "" {
		b.sticky.Set(ctx, req.StickyKey, selected)
	}
	return selected, nil
}

func (b *Balancer) isEligible(candidates []BalancerCandidate, accountID string, now time.Time) bool {
	for _, c := range candidates {
		if c.AccountID != accountID {
			continue
		}
		if c.Status != domain.AccountStatusActive {
			return false
		}
		b.mu.Lock()
		state, ok := b.overlay[accountID]
		b.mu.Unlock()
		if ok && state.CooldownUntil != nil && state.CooldownUntil.After(now) {
			return false
		}
		return true
	}
	return false
}

func (b *Balancer) touch(accountID string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.overlay[accountID]
	if !ok {
		state = &overlayState{}
		b.overlay[accountID] = state
	}
	state.LastUsed = now
}

// Cooldown places accountID in cooldown until resetAt (or a short default
// backoff when resetAt is nil), used when a transient upstream rate-limit
// signal is observed.
func (b *Balancer) Cooldown(accountID string, resetAt *time.Time, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.overlay[accountID]
	if !ok {
		state = &overlayState{}
		b.overlay[accountID] = state
	}
	until := resetAt
	if until == nil {
		fallback := now.Add(30 * time.Second)
		until = &fallback
	}
	state.CooldownUntil = until
}

// Release clears an account's cooldown, e.g. once a fresh observation shows
// it has recovered.
func (b *Balancer) Release(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.overlay[accountID]; ok {
		state.CooldownUntil = nil
	}
}

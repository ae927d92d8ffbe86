package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicodex-proxy/gateway/internal/domain"
	"github.com/aicodex-proxy/gateway/internal/repository"
)

func TestBalancer_SelectsEarlierResetWhenPreferred(t *testing.T) {
	b := NewBalancer(nil, repository.NewStickyStore(nil, time.Minute))
	now := time.Now()
	earlier := now.Add(time.Minute)
	later := now.Add(time.Hour)

	candidates := []BalancerCandidate{
		{AccountID: "acct-a", Status: domain.AccountStatusActive, ResetAt: &later},
		{AccountID: "acct-b", Status: domain.AccountStatusActive, ResetAt: &earlier},
	}

	selected, err := b.Select(context.Background(), candidates, SelectionRequest{PreferEarlierResetAccounts: true}, now)
	require.NoError(t, err)
	assert.Equal(t, "acct-b", selected)
}

func TestBalancer_NoEligibleAccountsReturnsNoCapacity(t *testing.T) {
	b := NewBalancer(nil, repository.NewStickyStore(nil, time.Minute))
	now := time.Now()

	candidates := []BalancerCandidate{
		{AccountID: "acct-a", Status: domain.AccountStatusRateLimited},
	}

	_, err := b.Select(context.Background(), candidates, SelectionRequest{}, now)
	require.Error(t, err)
}

func TestBalancer_StickyKeyReusesBoundAccountWhileEligible(t *testing.T) {
	b := NewBalancer(nil, repository.NewStickyStore(nil, time.Minute))
	now := time.Now()

	candidates := []BalancerCandidate{
		{AccountID: "acct-a", Status: domain.AccountStatusActive},
		{AccountID: "acct-b", Status: domain.AccountStatusActive},
	}

	first, err := b.Select(context.Background(), candidates, SelectionRequest{StickyKey: "conv-1"}, now)
	require.NoError(t, err)

	second, err := b.Select(context.Background(), candidates, SelectionRequest{StickyKey: "conv-1"}, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBalancer_CooldownExcludesAccountUntilReset(t *testing.T) {
	b := NewBalancer(nil, repository.NewStickyStore(nil, time.Minute))
	now := time.Now()
	reset := now.Add(time.Minute)

	candidates := []BalancerCandidate{
		{AccountID: "acct-a", Status: domain.AccountStatusActive},
	}

	_, err := b.Select(context.Background(), candidates, SelectionRequest{}, now)
	require.NoError(t, err)

	b.Cooldown("acct-a", &reset, now)

	_, err = b.Select(context.Background(), candidates, SelectionRequest{}, now.Add(time.Second))
	assert.Error(t, err)

	_, err = b.Select(context.Background(), candidates, SelectionRequest{}, reset.Add(time.Second))
	assert.NoError(t, err)
}

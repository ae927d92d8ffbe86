package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aicodex-proxy/gateway/internal/domain"
)

func TestComputeQuotaState_PrimaryAtCapacityBecomesRateLimited(t *testing.T) {
	now := time.Now()
	resetAt := now.Add(time.Hour)

	out := computeQuotaState(quotaStateInput{
		Status:           domain.AccountStatusActive,
		PrimaryUsedKnown: true,
		PrimaryUsed:      100,
		PrimaryReset:     &resetAt,
	}, now)

	assert.Equal(t, domain.AccountStatusRateLimited, out.Status)
	assert.Equal(t, 100.0, out.UsedPercent)
	assert.Equal(t, &resetAt, out.ResetAt)
}

func TestComputeQuotaState_RateLimitedRecoversWhenResetsArePast(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)

	out := computeQuotaState(quotaStateInput{
		Status:           domain.AccountStatusRateLimited,
		PrimaryUsedKnown: true,
		PrimaryUsed:      10,
		PrimaryReset:     &past,
		RuntimeReset:     &past,
	}, now)

	assert.Equal(t, domain.AccountStatusActive, out.Status)
	assert.Nil(t, out.ResetAt)
}

func TestComputeQuotaState_SecondaryAtCapacityBecomesQuotaExceeded(t *testing.T) {
	now := time.Now()
	resetAt := now.Add(24 * time.Hour)

	out := computeQuotaState(quotaStateInput{
		Status:             domain.AccountStatusActive,
		SecondaryUsedKnown: true,
		SecondaryUsed:      100,
		SecondaryReset:     &resetAt,
	}, now)

	assert.Equal(t, domain.AccountStatusQuotaExceeded, out.Status)
	assert.Equal(t, &resetAt, out.ResetAt)
}

func TestComputeQuotaState_DeactivatedPassesThroughUnchanged(t *testing.T) {
	now := time.Now()
	out := computeQuotaState(quotaStateInput{
		Status:           domain.AccountStatusDeactivated,
		PrimaryUsedKnown: true,
		PrimaryUsed:      100,
	}, now)

	assert.Equal(t, domain.AccountStatusDeactivated, out.Status)
	assert.Zero(t, out.UsedPercent)
}

func TestComputeQuotaState_QuotaExceededFallsThroughToPrimaryRateLimit(t *testing.T) {
	now := time.Now()
	runtimeReset := now.Add(time.Hour)

	out := computeQuotaState(quotaStateInput{
		Status:             domain.AccountStatusQuotaExceeded,
		RuntimeReset:       &runtimeReset,
		SecondaryUsedKnown: true,
		SecondaryUsed:      40,
		PrimaryUsedKnown:   true,
		PrimaryUsed:        100,
	}, now)

	assert.Equal(t, domain.AccountStatusRateLimited, out.Status)
	assert.Equal(t, 100.0, out.UsedPercent)
}

func TestComputeQuotaState_QuotaExceededKeepsSecondaryResetWithoutReport(t *testing.T) {
	now := time.Now()
	secondaryReset := now.Add(2 * time.Hour)

	out := computeQuotaState(quotaStateInput{
		Status:         domain.AccountStatusQuotaExceeded,
		SecondaryReset: &secondaryReset,
	}, now)

	assert.Equal(t, domain.AccountStatusQuotaExceeded, out.Status)
	assert.Equal(t, &secondaryReset, out.ResetAt)
}

func TestComputeQuotaState_PrimaryMissingWindowFallsBackToWindowMinutes(t *testing.T) {
	now := time.Now()
	out := computeQuotaState(quotaStateInput{
		Status:               domain.AccountStatusActive,
		PrimaryUsedKnown:     true,
		PrimaryUsed:          100,
		PrimaryWindowMinutes: 60,
	}, now)

	assert.Equal(t, domain.AccountStatusRateLimited, out.Status)
	if assert.NotNil(t, out.ResetAt) {
		assert.WithinDuration(t, now.Add(60*time.Minute), *out.ResetAt, time.Second)
	}
}

package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aicodex-proxy/gateway/internal/domain"
)

func TestTokenRefresher_ShouldRefresh_NeverRefreshed(t *testing.T) {
	r := NewTokenRefresher(nil, nil, "", "", 0, nil)
	acc := &domain.Account{}
	assert.True(t, r.ShouldRefresh(acc, time.Now()))
}

func TestTokenRefresher_ShouldRefresh_WithinSafetyWindow(t *testing.T) {
	r := NewTokenRefresher(nil, nil, "", "", 0, nil)
	acc := &domain.Account{LastRefresh: time.Now()}
	assert.False(t, r.ShouldRefresh(acc, time.Now()))
}

func TestTokenRefresher_ShouldRefresh_PastSafetyWindow(t *testing.T) {
	r := NewTokenRefresher(nil, nil, "", "", 0, nil)
	acc := &domain.Account{LastRefresh: time.Now().Add(-assumedTokenTTL)}
	assert.True(t, r.ShouldRefresh(acc, time.Now()))
}

package service

import (
	"context"
	"time"

	"github.com/aicodex-proxy/gateway/internal/domain"
	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
	"github.com/aicodex-proxy/gateway/internal/repository"
)

// AuthManager sits between the orchestrator and the token refresher: it
// decides whether a refresh is due, applies it, and owns the permanent
// failure -> deactivation transition.
type AuthManager struct {
	store     *repository.AccountStore
	refresher *TokenRefresher
}

func NewAuthManager(store *repository.AccountStore, refresher *TokenRefresher) *AuthManager {
	return &AuthManager{store: store, refresher: refresher}
}

// EnsureFresh refreshes acc's tokens when force is set or the freshness
// rule (§4.C) says they're due. A permanent refresh failure deactivates the
// account in the store and is re-raised to the caller; transient failures
// propagate unchanged so the orchestrator can decide whether to retry on
// another account.
func (m *AuthManager) EnsureFresh(ctx context.Context, acc *domain.Account, force bool) (*domain.Account, error) {
	due := force || m.refresher.ShouldRefresh(acc, time.Now())
	if !due {
		return acc, nil
	}

	err := m.refresher.Refresh(ctx, acc)
	if err == nil {
		return acc, nil
	}

	if apperrors.Is(err, apperrors.KindUpstreamPermanent) {
		reason := "refresh_token_rejected"
		if appErr := apperrors.FromError(err); appErr != nil {
			reason = appErr.Code
		}
		if updateErr := m.store.UpdateStatus(ctx, acc.ID, domain.AccountStatusDeactivated, reason); updateErr != nil {
			return acc, updateErr
		}
		acc.Status = domain.AccountStatusDeactivated
		acc.DeactivationReason = reason
		return acc, err
	}

	return acc, err
}

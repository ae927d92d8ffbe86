package service

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aicodex-proxy/gateway/internal/crypto"
	"github.com/aicodex-proxy/gateway/internal/domain"
	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
	"github.com/aicodex-proxy/gateway/internal/pkg/openai"
	"github.com/aicodex-proxy/gateway/internal/repository"
)

// tokenRefreshSafetyWindow is how long before expiry a token is considered
// due for refresh, so the proxy never hands out a token that could expire
// mid-stream.
const tokenRefreshSafetyWindow = 5 * time.Minute

// assumedTokenTTL is the access-token lifetime assumed from an account's
// recorded last_refresh; an account with no recorded last_refresh is always
// due.
const assumedTokenTTL = time.Hour

// TokenRefresher exchanges a stored refresh token for a fresh access token,
// persisting the result through the account store and encrypting tokens at
// rest via the token encryptor.
type TokenRefresher struct {
	store      *repository.AccountStore
	encryptor  *crypto.TokenEncryptor
	tokenURL   string
	clientID   string
	timeout    time.Duration
	logger     *zap.Logger
	cronEngine *cron.Cron
}

func NewTokenRefresher(store *repository.AccountStore, encryptor *crypto.TokenEncryptor, tokenURL, clientID string, timeout time.Duration, logger *zap.Logger) *TokenRefresher {
	if tokenURL == "" {
		tokenURL = openai.TokenURL
	}
	if clientID == "" {
		clientID = openai.ClientID
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TokenRefresher{store: store, encryptor: encryptor, tokenURL: tokenURL, clientID: clientID, timeout: timeout, logger: logger}
}

// ShouldRefresh reports whether acc's access token is due for a refresh.
func (r *TokenRefresher) ShouldRefresh(acc *domain.Account, now time.Time) bool {
	if acc.LastRefresh.IsZero() {
		return true
	}
	return now.After(acc.LastRefresh.Add(assumedTokenTTL - tokenRefreshSafetyWindow))
}

// Refresh exchanges the account's refresh token for new credentials and
// persists them. A refresh_token rejected by the upstream (invalid_grant) is
// a permanent failure: the caller deactivates the account rather than
// retrying.
func (r *TokenRefresher) Refresh(ctx context.Context, acc *domain.Account) error {
	refreshToken, err := r.encryptor.Open(string(acc.RefreshTokenEnc))
	if err != nil {
		return err
	}

	client, err := createOpenAIReqClient(acc.ProxyURL)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindUpstreamTransient, http.StatusBadGateway, "oauth_client_init_failed", "failed to build oauth http client")
	}

	form := openai.BuildRefreshTokenRequest(refreshToken)
	form.ClientID = r.clientID

	var tokenResp openai.TokenResponse
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(form.ToFormData()).
		SetSuccessResult(&tokenResp).
		Post(r.tokenURL)

	if err != nil {
		return apperrors.Wrap(err, apperrors.KindUpstreamTransient, http.StatusBadGateway, "oauth_refresh_request_failed", "refresh request failed")
	}

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return apperrors.Newf(apperrors.KindUpstreamPermanent, http.StatusBadGateway, "refresh_token_rejected", "refresh token rejected by upstream: status %d", resp.StatusCode)
	}
	if !resp.IsSuccessState() {
		return apperrors.Newf(apperrors.KindUpstreamTransient, http.StatusBadGateway, "oauth_refresh_failed", "refresh failed: status %d", resp.StatusCode)
	}

	accessEnc, err := r.encryptor.Seal(tokenResp.AccessToken)
	if err != nil {
		return err
	}
	idEnc, err := r.encryptor.Seal(tokenResp.IDToken)
	if err != nil {
		return err
	}
	refreshEnc := acc.RefreshTokenEnc
	if tokenResp.RefreshToken != "" {
		sealed, err := r.encryptor.Seal(tokenResp.RefreshToken)
		if err != nil {
			return err
		}
		refreshEnc = []byte(sealed)
	}

	if tokenResp.IDToken != "" {
		if claims, err := openai.ParseIDToken(tokenResp.IDToken); err == nil {
			info := claims.GetUserInfo()
			if info.ChatGPTAccountID != "" {
				acc.ChatGPTAccountID = info.ChatGPTAccountID
			}
			if info.Email != "" {
				acc.Email = info.Email
			}
		} else if r.logger != nil {
			r.logger.Warn("id_token parse failed after refresh", zap.String("account_id", acc.ID), zap.Error(err))
		}
	}

	now := time.Now()
	if err := r.store.UpdateTokens(ctx, acc.ID, []byte(accessEnc), refreshEnc, []byte(idEnc), sql.NullTime{Time: now, Valid: true}); err != nil {
		return err
	}
	acc.AccessTokenEnc = []byte(accessEnc)
	acc.RefreshTokenEnc = refreshEnc
	acc.IDTokenEnc = []byte(idEnc)
	acc.LastRefresh = now
	return nil
}

// StartSweep runs Refresh against every ShouldRefresh-eligible active
// account on a cron schedule, supplementing on-demand refresh from the Auth
// Manager with proactive background renewal.
func (r *TokenRefresher) StartSweep(ctx context.Context, accounts func(context.Context) ([]*domain.Account, error), spec string, deactivate func(context.Context, string, string) error) error {
	r.cronEngine = cron.New()
	_, err := r.cronEngine.AddFunc(spec, func() {
		r.runSweep(ctx, accounts, deactivate)
	})
	if err != nil {
		return err
	}
	r.cronEngine.Start()
	return nil
}

// StopSweep stops the background cron job, if one was started.
func (r *TokenRefresher) StopSweep() {
	if r.cronEngine != nil {
		r.cronEngine.Stop()
	}
}

// sweepConcurrency bounds how many accounts are refreshed in parallel during
// a sweep, so a large fleet doesn't open one OAuth round trip per account at
// once against the upstream auth server.
const sweepConcurrency = 4

func (r *TokenRefresher) runSweep(ctx context.Context, accounts func(context.Context) ([]*domain.Account, error), deactivate func(context.Context, string, string) error) {
	accs, err := accounts(ctx)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("token refresh sweep: list accounts failed", zap.Error(err))
		}
		return
	}
	now := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, acc := range accs {
		acc := acc
		if acc.Status == domain.AccountStatusDeactivated {
			continue
		}
		if !r.ShouldRefresh(acc, now) {
			continue
		}
		g.Go(func() error {
			sweepCtx, cancel := context.WithTimeout(gctx, r.timeout)
			err := r.Refresh(sweepCtx, acc)
			cancel()
			if err == nil {
				return nil
			}
			if apperrors.Is(err, apperrors.KindUpstreamPermanent) && deactivate != nil {
				_ = deactivate(ctx, acc.ID, "refresh_token_rejected")
			}
			if r.logger != nil {
				r.logger.Warn("token refresh sweep: refresh failed", zap.String("account_id", acc.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

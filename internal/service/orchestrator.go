package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aicodex-proxy/gateway/internal/crypto"
	"github.com/aicodex-proxy/gateway/internal/domain"
	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
	"github.com/aicodex-proxy/gateway/internal/repository"
)

// defaultMaxAccountSwitches is the default bound on how many times the
// orchestrator will retry on a fresh account after an upstream rate-limit signal, before giving up and
// surfacing the error to the caller.
const defaultMaxAccountSwitches = 3

// OrchestratorResult is a started upstream call the caller (an HTTP
// handler) drains: the SSE reader plus which account ultimately served it.
type OrchestratorResult struct {
	Stream    *UpstreamStream
	AccountID string
}

// Orchestrator runs the six-step per-request pipeline: translate (done by
// the caller before Dispatch), select, ensure-fresh,
// call-upstream-with-retry, forward-while-harvesting-usage, release. It
// holds no per-request state itself; every call is independent.
type Orchestrator struct {
	translator   *Translator
	balancer     *Balancer
	authManager  *AuthManager
	accountant   *RateLimitAccountant
	usageWorkers *UsageWorkerPool
	upstream     *UpstreamClient
	encryptor    *crypto.TokenEncryptor
	store        *repository.AccountStore

	maxAccountSwitches int
	logger             *zap.Logger
}

func NewOrchestrator(
	translator *Translator,
	balancer *Balancer,
	authManager *AuthManager,
	accountant *RateLimitAccountant,
	usageWorkers *UsageWorkerPool,
	upstream *UpstreamClient,
	encryptor *crypto.TokenEncryptor,
	store *repository.AccountStore,
	maxAccountSwitches int,
	logger *zap.Logger,
) *Orchestrator {
	if maxAccountSwitches <= 0 {
		maxAccountSwitches = defaultMaxAccountSwitches
	}
	return &Orchestrator{
		translator:         translator,
		balancer:           balancer,
		authManager:        authManager,
		accountant:         accountant,
		usageWorkers:       usageWorkers,
		upstream:           upstream,
		encryptor:          encryptor,
		store:              store,
		maxAccountSwitches: maxAccountSwitches,
		logger:             logger,
	}
}

// Dispatch runs the pipeline for one already-translated canonical payload
// and returns a stream the caller forwards verbatim. sel carries the
// sticky-key/selection-preference inputs for the balancer (step 2).
func (o *Orchestrator) Dispatch(ctx context.Context, payload []byte, sel SelectionRequest, reqHeaders http.Header) (*OrchestratorResult, error) {
	attempts := 0
	excluded := map[string]bool{}

	for {
		attempts++
		if attempts > o.maxAccountSwitches {
			return nil, apperrors.New(apperrors.KindNoCapacity, http.StatusServiceUnavailable, "no_accounts", "exhausted account switch budget")
		}

		accountID, acc, err := o.selectEligibleAccount(ctx, sel, excluded)
		if err != nil {
			return nil, err
		}

		acc, err = o.authManager.EnsureFresh(ctx, acc, false)
		if err != nil {
			if apperrors.Is(err, apperrors.KindUpstreamPermanent) {
				excluded[accountID] = true
				continue
			}
			if appErr := apperrors.FromError(err); appErr != nil && appErr.Kind == apperrors.KindIntegrity && appErr.Code == "decryption_failed" {
				if updateErr := o.store.UpdateStatus(ctx, accountID, domain.AccountStatusDeactivated, "integrity"); updateErr != nil && o.logger != nil {
					o.logger.Warn("orchestrator: failed to deactivate account after decrypt failure", zap.String("account_id", accountID), zap.Error(updateErr))
				}
			}
			return nil, err
		}

		accessToken, err := o.encryptor.Open(string(acc.AccessTokenEnc))
		if err != nil {
			if updateErr := o.store.UpdateStatus(ctx, accountID, domain.AccountStatusDeactivated, "integrity"); updateErr != nil && o.logger != nil {
				o.logger.Warn("orchestrator: failed to deactivate account after decrypt failure", zap.String("account_id", accountID), zap.Error(updateErr))
			}
			return nil, err
		}

		stream, streamErr := o.upstream.Stream(ctx, accessToken, acc.ProxyURL, reqHeaders, payload)
		if streamErr == nil {
			return &OrchestratorResult{Stream: stream, AccountID: accountID}, nil
		}

		var proxyErr *ProxyResponseError
		if errors.As(streamErr, &proxyErr) && proxyErr.IsRateLimitSignal() {
			now := time.Now()
			snap, _, obsErr := o.accountant.Observe(ctx, acc, nil, quotaStateInput{
				Status:           acc.Status,
				PrimaryUsedKnown: true,
				PrimaryUsed:      100,
			}, now)
			if obsErr != nil && o.logger != nil {
				o.logger.Warn("orchestrator: failed to persist rate-limit observation", zap.String("account_id", accountID), zap.Error(obsErr))
			}
			var resetAt *time.Time
			if snap != nil {
				resetAt = snap.RuntimeResetAt
			}
			o.balancer.Cooldown(accountID, resetAt, now)
			excluded[accountID] = true
			continue
		}

		return nil, streamErr
	}
}

// selectEligibleAccount lists active accounts, excludes the given set (the
// ones already tried this request), and asks the balancer to pick one.
func (o *Orchestrator) selectEligibleAccount(ctx context.Context, sel SelectionRequest, excluded map[string]bool) (string, *domain.Account, error) {
	accounts, err := o.store.ListActive(ctx)
	if err != nil {
		return "", nil, err
	}

	candidates := make([]BalancerCandidate, 0, len(accounts))
	byID := make(map[string]*domain.Account, len(accounts))
	for _, acc := range accounts {
		if excluded[acc.ID] {
			continue
		}
		byID[acc.ID] = acc
		snap, _ := o.accountant.Snapshot(ctx, acc.ID, time.Now())
		var resetAt *time.Time
		if snap != nil {
			resetAt = snap.RuntimeResetAt
		}
		candidates = append(candidates, BalancerCandidate{AccountID: acc.ID, Status: acc.Status, ResetAt: resetAt})
	}

	accountID, err := o.balancer.Select(ctx, candidates, sel, time.Now())
	if err != nil {
		return "", nil, err
	}
	return accountID, byID[accountID], nil
}

// ObserveStreamUsage folds the usage figures from a mid-stream
// response.completed|incomplete|failed event into the account's snapshot,
// called by the HTTP layer as it forwards each parsed SSE event.
func (o *Orchestrator) ObserveStreamUsage(ctx context.Context, accountID string, acc *domain.Account, e SSEEvent) {
	in, ok := usageFromEvent(e, time.Now())
	if !ok {
		return
	}
	prior, _ := o.accountant.Snapshot(ctx, accountID, time.Now())
	o.usageWorkers.Submit(ctx, acc, prior, in)
}

// Release clears accountID's balancer cooldown once the stream closes or is
// cancelled (step 6); last_used was already stamped when it was selected.
func (o *Orchestrator) Release(accountID string) {
	o.balancer.Release(accountID)
}

package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/aicodex-proxy/gateway/internal/domain"
	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
)

// AccountStore is the durable persistence port for accounts and their usage
// snapshots. It never returns or accepts decrypted token material; callers
// go through the crypto.TokenEncryptor themselves.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// Upsert inserts or updates an account keyed by its derived id.
func (s *AccountStore) Upsert(ctx context.Context, acc *domain.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, chatgpt_account_id, email, plan_type,
			access_token_enc, refresh_token_enc, id_token_enc,
			last_refresh, status, deactivation_reason, proxy_url, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (id) DO UPDATE SET
			chatgpt_account_id = EXCLUDED.chatgpt_account_id,
			email = EXCLUDED.email,
			plan_type = EXCLUDED.plan_type,
			access_token_enc = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			id_token_enc = EXCLUDED.id_token_enc,
			last_refresh = EXCLUDED.last_refresh,
			status = EXCLUDED.status,
			deactivation_reason = EXCLUDED.deactivation_reason,
			proxy_url = EXCLUDED.proxy_url
	`, acc.ID, acc.ChatGPTAccountID, acc.Email, string(acc.PlanType),
		string(acc.AccessTokenEnc), string(acc.RefreshTokenEnc), string(acc.IDTokenEnc),
		nullableTime(acc.LastRefresh), string(acc.Status), acc.DeactivationReason, acc.ProxyURL)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIntegrity, 500, "account_upsert_failed", "failed to persist account")
	}
	return nil
}

// Get returns the account by id, or a KindValidation not-found error.
func (s *AccountStore) Get(ctx context.Context, id string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chatgpt_account_id, email, plan_type,
		       access_token_enc, refresh_token_enc, id_token_enc,
		       last_refresh, status, deactivation_reason, proxy_url, created_at
		FROM accounts WHERE id = $1
	`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindValidation, 404, "account_not_found", "account not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIntegrity, 500, "account_scan_failed", "failed to read account")
	}
	return acc, nil
}

// ListActive returns every account that is not DEACTIVATED: ACTIVE,
// RATE_LIMITED, QUOTA_EXCEEDED or PAUSED (the balancer itself decides
// whether such an account is currently usable).
func (s *AccountStore) ListActive(ctx context.Context) ([]*domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chatgpt_account_id, email, plan_type,
		       access_token_enc, refresh_token_enc, id_token_enc,
		       last_refresh, status, deactivation_reason, proxy_url, created_at
		FROM accounts
		WHERE status <> $1
		ORDER BY created_at ASC, id ASC
	`, string(domain.AccountStatusDeactivated))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIntegrity, 500, "account_list_failed", "failed to list accounts")
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindIntegrity, 500, "account_scan_failed", "failed to read account")
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// UpdateStatus transitions an account's status and, for deactivation,
// records the reason (spec §5's permanent-failure path).
func (s *AccountStore) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = $1, deactivation_reason = $2 WHERE id = $3
	`, string(status), reason, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIntegrity, 500, "account_status_update_failed", "failed to update account status")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.KindValidation, 404, "account_not_found", "account not found")
	}
	return nil
}

// UpdateTokens overwrites an account's encrypted token material and
// last-refresh timestamp after a successful token refresh.
func (s *AccountStore) UpdateTokens(ctx context.Context, id string, accessEnc, refreshEnc, idEnc []byte, lastRefresh sql.NullTime) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET access_token_enc = $1, refresh_token_enc = $2, id_token_enc = $3, last_refresh = $4
		WHERE id = $5
	`, string(accessEnc), string(refreshEnc), string(idEnc), lastRefresh, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIntegrity, 500, "account_tokens_update_failed", "failed to persist refreshed tokens")
	}
	return nil
}

// UpsertUsageSnapshot writes the latest usage figures for an account.
func (s *AccountStore) UpsertUsageSnapshot(ctx context.Context, snap domain.UsageSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_snapshots (
			account_id, primary_used_percent, primary_reset_at, primary_window_minutes,
			secondary_used_percent, secondary_reset_at, runtime_reset_at,
			credits_has, credits_unlimited, credits_balance, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			primary_used_percent = EXCLUDED.primary_used_percent,
			primary_reset_at = EXCLUDED.primary_reset_at,
			primary_window_minutes = EXCLUDED.primary_window_minutes,
			secondary_used_percent = EXCLUDED.secondary_used_percent,
			secondary_reset_at = EXCLUDED.secondary_reset_at,
			runtime_reset_at = EXCLUDED.runtime_reset_at,
			credits_has = EXCLUDED.credits_has,
			credits_unlimited = EXCLUDED.credits_unlimited,
			credits_balance = EXCLUDED.credits_balance,
			updated_at = NOW()
	`, snap.AccountID, snap.PrimaryUsedPercent, snap.PrimaryResetAt, snap.PrimaryWindowMinutes,
		snap.SecondaryUsedPercent, snap.SecondaryResetAt, snap.RuntimeResetAt,
		snap.Credits.Has, snap.Credits.Unlimited, snap.Credits.Balance)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIntegrity, 500, "usage_snapshot_upsert_failed", "failed to persist usage snapshot")
	}
	return nil
}

// GetUsageSnapshot returns the account's latest usage snapshot, or nil if
// none has been recorded yet.
func (s *AccountStore) GetUsageSnapshot(ctx context.Context, accountID string) (*domain.UsageSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, primary_used_percent, primary_reset_at, primary_window_minutes,
		       secondary_used_percent, secondary_reset_at, runtime_reset_at,
		       credits_has, credits_unlimited, credits_balance, updated_at
		FROM usage_snapshots WHERE account_id = $1
	`, accountID)

	var snap domain.UsageSnapshot
	err := row.Scan(&snap.AccountID, &snap.PrimaryUsedPercent, &snap.PrimaryResetAt, &snap.PrimaryWindowMinutes,
		&snap.SecondaryUsedPercent, &snap.SecondaryResetAt, &snap.RuntimeResetAt,
		&snap.Credits.Has, &snap.Credits.Unlimited, &snap.Credits.Balance, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIntegrity, 500, "usage_snapshot_scan_failed", "failed to read usage snapshot")
	}
	return &snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var acc domain.Account
	var accessEnc, refreshEnc, idEnc, planType, status string
	var lastRefresh sql.NullTime

	err := row.Scan(&acc.ID, &acc.ChatGPTAccountID, &acc.Email, &planType,
		&accessEnc, &refreshEnc, &idEnc,
		&lastRefresh, &status, &acc.DeactivationReason, &acc.ProxyURL, &acc.CreatedAt)
	if err != nil {
		return nil, err
	}

	acc.PlanType = domain.CoercePlanType(planType)
	acc.Status = domain.AccountStatus(status)
	acc.AccessTokenEnc = []byte(accessEnc)
	acc.RefreshTokenEnc = []byte(refreshEnc)
	acc.IDTokenEnc = []byte(idEnc)
	if lastRefresh.Valid {
		acc.LastRefresh = lastRefresh.Time
	}
	return &acc, nil
}

func nullableTime(t interface{ IsZero() bool }) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t
}

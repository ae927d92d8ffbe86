package repository

import (
	"context"
	"database/sql"

	"github.com/aicodex-proxy/gateway/internal/domain"
	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
)

// AllowlistStore persists the firewall's IP allowlist. An empty table means
// "allow all" for the firewall middleware.
type AllowlistStore struct {
	db *sql.DB
}

func NewAllowlistStore(db *sql.DB) *AllowlistStore {
	return &AllowlistStore{db: db}
}

func (s *AllowlistStore) List(ctx context.Context) ([]domain.AllowlistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ip_address, created_at FROM ip_allowlist ORDER BY created_at ASC`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIntegrity, 500, "allowlist_list_failed", "failed to list allowlist entries")
	}
	defer rows.Close()

	var out []domain.AllowlistEntry
	for rows.Next() {
		var e domain.AllowlistEntry
		if err := rows.Scan(&e.IPAddress, &e.CreatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindIntegrity, 500, "allowlist_scan_failed", "failed to read allowlist entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *AllowlistStore) Add(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_allowlist (ip_address) VALUES ($1)
		ON CONFLICT (ip_address) DO NOTHING
	`, ip)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIntegrity, 500, "allowlist_add_failed", "failed to add allowlist entry")
	}
	return nil
}

func (s *AllowlistStore) Remove(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ip_allowlist WHERE ip_address = $1`, ip)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIntegrity, 500, "allowlist_remove_failed", "failed to remove allowlist entry")
	}
	return nil
}

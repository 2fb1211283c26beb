package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bittucreator/unosend-sub001/internal/auth"
	"github.com/bittucreator/unosend-sub001/internal/domain"
)

// APIKeyRepo implements auth.KeyStore.
type APIKeyRepo struct{ db *sql.DB }

// NewAPIKeyRepo creates a Postgres-backed API key repository.
func NewAPIKeyRepo(db *sql.DB) *APIKeyRepo { return &APIKeyRepo{db: db} }

func (r *APIKeyRepo) FindByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	k := &domain.APIKey{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, key_hash, revoked_at, expires_at
		FROM api_keys WHERE key_hash = $1
	`, hash).Scan(&k.ID, &k.OrganizationID, &k.KeyHash, &k.RevokedAt, &k.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find api key: %w", err)
	}
	return k, nil
}

func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, keyID string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, keyID); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

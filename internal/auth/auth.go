// Package auth authenticates API requests with organization API keys and
// enforces the per-organization request rate.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/pkg/httputil"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
)

// KeyPrefix starts every raw API key.
const KeyPrefix = "un_"

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
	ErrRevokedKey = errors.New("API key has been revoked")
	ErrExpiredKey = errors.New("API key has expired")

	// ErrKeyNotFound is returned by a KeyStore for unknown hashes.
	ErrKeyNotFound = errors.New("api key not found")
)

// Identity is the authenticated caller.
type Identity struct {
	OrganizationID string
	KeyID          string
}

// KeyStore looks up hashed keys.
type KeyStore interface {
	FindByHash(ctx context.Context, hash string) (*domain.APIKey, error)
	TouchLastUsed(ctx context.Context, keyID string) error
}

// Validator resolves Authorization headers to an Identity.
type Validator struct {
	store KeyStore
	now   func() time.Time
}

// NewValidator returns a Validator backed by store.
func NewValidator(store KeyStore) *Validator {
	return &Validator{store: store, now: time.Now}
}

// HashKey returns the hex SHA-256 digest stored for a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ValidateRequest checks a "Bearer un_..." header value.
func (v *Validator) ValidateRequest(ctx context.Context, header string) (*Identity, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return nil, ErrMissingKey
	}
	if !strings.HasPrefix(raw, KeyPrefix) {
		return nil, ErrInvalidKey
	}

	key, err := v.store.FindByHash(ctx, HashKey(raw))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("look up api key: %w", err)
	}

	now := v.now()
	if key.RevokedAt != nil {
		return nil, ErrRevokedKey
	}
	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		return nil, ErrExpiredKey
	}

	if err := v.store.TouchLastUsed(ctx, key.ID); err != nil {
		logger.Warn("auth: touch last_used_at", "key_id", key.ID, "error", err)
	}
	return &Identity{OrganizationID: key.OrganizationID, KeyID: key.ID}, nil
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the authenticated identity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// OrgID returns the authenticated organization, or "".
func OrgID(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.OrganizationID
	}
	return ""
}

// Middleware rejects requests without a valid API key with 401.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.ValidateRequest(r.Context(), r.Header.Get("Authorization"))
		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		case errors.Is(err, ErrMissingKey), errors.Is(err, ErrInvalidKey),
			errors.Is(err, ErrRevokedKey), errors.Is(err, ErrExpiredKey):
			httputil.Unauthorized(w, err.Error())
		default:
			httputil.InternalError(w, err)
		}
	})
}

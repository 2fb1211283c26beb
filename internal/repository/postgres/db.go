// Package postgres implements the engine's repositories on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/config"
	_ "github.com/lib/pq"
)

// Open connects to PostgreSQL with the configured pool limits and pings it.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Store bundles every repository over one handle.
type Store struct {
	Emails     *EmailRepo
	Contacts   *ContactRepo
	Broadcasts *BroadcastRepo
	Usage      *UsageRepo
	APIKeys    *APIKeyRepo
}

// NewStore creates all repositories.
func NewStore(db *sql.DB) *Store {
	return &Store{
		Emails:     NewEmailRepo(db),
		Contacts:   NewContactRepo(db),
		Broadcasts: NewBroadcastRepo(db),
		Usage:      NewUsageRepo(db),
		APIKeys:    NewAPIKeyRepo(db),
	}
}

// EngagementStore serves the callback and tracking paths, which touch both
// emails and contacts.
type EngagementStore struct {
	*EmailRepo
	*ContactRepo
}

// Engagement returns the combined email and contact store.
func (s *Store) Engagement() EngagementStore {
	return EngagementStore{EmailRepo: s.Emails, ContactRepo: s.Contacts}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/service/quota"
)

// UsageRepo implements quota.Store over subscriptions and usage_stats.
type UsageRepo struct{ db *sql.DB }

// NewUsageRepo creates a Postgres-backed usage repository.
func NewUsageRepo(db *sql.DB) *UsageRepo { return &UsageRepo{db: db} }

func (r *UsageRepo) GetSubscription(ctx context.Context, orgID string) (*domain.Subscription, error) {
	s := &domain.Subscription{}
	err := r.db.QueryRowContext(ctx,
		`SELECT organization_id, plan, status FROM subscriptions WHERE organization_id = $1`, orgID,
	).Scan(&s.OrganizationID, &s.Plan, &s.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, quota.ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

func (r *UsageRepo) CurrentUsage(ctx context.Context, orgID string, periodStart time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT emails_sent FROM usage_stats WHERE organization_id = $1 AND period_start = $2`,
		orgID, periodStart,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("current usage: %w", err)
	}
	return n, nil
}

// Reserve is a single conditional UPDATE, so concurrent reservations from
// any number of instances can never overshoot the limit together.
func (r *UsageRepo) Reserve(ctx context.Context, orgID string, periodStart, periodEnd time.Time, n, limit int) (bool, int, error) {
	if err := r.ensurePeriod(ctx, orgID, periodStart, periodEnd); err != nil {
		return false, 0, err
	}

	var after int
	err := r.db.QueryRowContext(ctx, `
		UPDATE usage_stats
		SET emails_sent = emails_sent + $3, updated_at = NOW()
		WHERE organization_id = $1 AND period_start = $2
		  AND ($4 < 0 OR emails_sent + $3 <= $4)
		RETURNING emails_sent
	`, orgID, periodStart, n, limit).Scan(&after)
	if err == nil {
		return true, after, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, 0, fmt.Errorf("reserve usage: %w", err)
	}

	current, err := r.CurrentUsage(ctx, orgID, periodStart)
	if err != nil {
		return false, 0, err
	}
	return false, current, nil
}

func (r *UsageRepo) ensurePeriod(ctx context.Context, orgID string, periodStart, periodEnd time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_stats (organization_id, period_start, period_end)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, period_start) DO NOTHING
	`, orgID, periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("ensure usage period: %w", err)
	}
	return nil
}

func (r *UsageRepo) Release(ctx context.Context, orgID string, periodStart time.Time, n int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE usage_stats
		SET emails_sent = GREATEST(emails_sent - $3, 0), updated_at = NOW()
		WHERE organization_id = $1 AND period_start = $2
	`, orgID, periodStart, n)
	if err != nil {
		return fmt.Errorf("release usage: %w", err)
	}
	return nil
}

// IncrementStat upserts the period row and bumps one counter. The column
// name comes from the UsageStat whitelist.
func (r *UsageRepo) IncrementStat(ctx context.Context, orgID string, periodStart, periodEnd time.Time, stat domain.UsageStat) error {
	if !stat.Valid() {
		return fmt.Errorf("unknown usage stat %q", stat)
	}
	q := fmt.Sprintf(`
		INSERT INTO usage_stats (organization_id, period_start, period_end, %[1]s)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (organization_id, period_start)
		DO UPDATE SET %[1]s = usage_stats.%[1]s + 1, updated_at = NOW()
	`, stat)
	if _, err := r.db.ExecContext(ctx, q, orgID, periodStart, periodEnd); err != nil {
		return fmt.Errorf("increment usage stat: %w", err)
	}
	return nil
}

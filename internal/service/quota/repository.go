package quota

import (
	"context"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
)

// Store persists plan and per-period usage data. Every method that takes a
// period keys on its start; periodEnd is only written when a row is created.
type Store interface {
	// GetSubscription returns ErrNoSubscription when the organization has none.
	GetSubscription(ctx context.Context, orgID string) (*domain.Subscription, error)

	// CurrentUsage returns emails_sent for the period, 0 when no row exists.
	CurrentUsage(ctx context.Context, orgID string, periodStart time.Time) (int, error)

	// Reserve adds n to emails_sent only if the result stays within limit
	// (limit < 0 means no cap). It returns whether the reservation was taken
	// and the counter value after the attempt.
	Reserve(ctx context.Context, orgID string, periodStart, periodEnd time.Time, n, limit int) (bool, int, error)

	// Release subtracts n from emails_sent, never going below zero.
	Release(ctx context.Context, orgID string, periodStart time.Time, n int) error

	// IncrementStat adds one to the named counter, creating the row if needed.
	IncrementStat(ctx context.Context, orgID string, periodStart, periodEnd time.Time, stat domain.UsageStat) error
}

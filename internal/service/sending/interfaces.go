// Package sending is the single-message send path. It validates a request,
// reserves quota, persists the email, instruments its content, hands it to
// the provider gateway and records the outcome as status, events and
// notifier calls. The broadcast dispatcher reuses Deliver for each
// recipient.
package sending

import (
	"context"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/content"
	"github.com/bittucreator/unosend-sub001/internal/domain"
)

// Sender delivers one rendered message. *provider.Gateway implements it.
// Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error)
}

// QuotaReserver takes and refunds monthly quota units.
type QuotaReserver interface {
	Reserve(ctx context.Context, orgID string, n int) error
	Release(ctx context.Context, orgID string, n int)
}

// TrackingInjector adds the open pixel and rewrites links. *content.Tracker
// implements it.
type TrackingInjector interface {
	Instrument(html string, scope content.Scope, opts content.Options) (string, []content.TrackedLink)
}

// Store persists emails, their links and their events.
type Store interface {
	// CreateEmail inserts a new email row.
	CreateEmail(ctx context.Context, e *domain.Email) error

	// InsertLinks stores rewritten links for click tracking.
	InsertLinks(ctx context.Context, links []domain.EmailLink) error

	// GetEmail returns ErrNotFound when the email does not belong to orgID.
	GetEmail(ctx context.Context, orgID, id string) (*domain.Email, error)

	// MarkSent moves a scheduled or queued email to sent.
	MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) error

	// MarkFailed moves a scheduled or queued email to failed.
	MarkFailed(ctx context.Context, id string) error

	// InsertEvent appends an event. It reports false when a once-per-email
	// event already exists.
	InsertEvent(ctx context.Context, ev *domain.EmailEvent) (bool, error)

	// ClaimScheduled moves up to limit due scheduled emails to queued and
	// returns them. Concurrent callers never claim the same row.
	ClaimScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Email, error)
}

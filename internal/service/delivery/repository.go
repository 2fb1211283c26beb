package delivery

import (
	"context"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
)

// Store is the persistence the ingestor needs. Status updates must be
// rank-guarded so a late or repeated callback never lowers an email's
// status.
type Store interface {
	// FindEmailByMessageID returns ErrUnmatched when no email matches.
	FindEmailByMessageID(ctx context.Context, messageID string) (*domain.Email, error)

	MarkDelivered(ctx context.Context, emailID string, at time.Time) error
	MarkBounced(ctx context.Context, emailID, bounceType, subType string, at time.Time) error
	MarkComplained(ctx context.Context, emailID string, at time.Time) error

	// InsertEvent appends an event. For once-per-email types it returns
	// false when the event already exists.
	InsertEvent(ctx context.Context, ev *domain.EmailEvent) (bool, error)

	// UnsubscribeContact unsubscribes the organization's contact with this
	// address (case-insensitive). Contacts already unsubscribed keep their
	// original timestamp and reason. Returns the number of contacts changed.
	UnsubscribeContact(ctx context.Context, orgID, email, reason string, at time.Time) (int, error)
}

// StatIncrementer bumps a usage counter.
type StatIncrementer interface {
	IncrementStat(ctx context.Context, orgID string, stat domain.UsageStat) error
}

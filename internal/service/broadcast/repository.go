package broadcast

import (
	"context"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
)

// Repository defines the data access contract for broadcasts and their
// recipient snapshots. Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single broadcast. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, orgID, id string) (*domain.Broadcast, error)

	// GetByID loads a broadcast for a background worker that has no
	// organization context.
	GetByID(ctx context.Context, id string) (*domain.Broadcast, error)

	// ListSubscribedContacts returns the audience's subscribed contacts.
	ListSubscribedContacts(ctx context.Context, orgID, audienceID string) ([]domain.Contact, error)

	// StartSending moves the broadcast from one of the from statuses to
	// sending, sets total_recipients and writes the recipient snapshot, all
	// in one transaction. Returns false when the status no longer matches.
	StartSending(ctx context.Context, orgID, id string, from []domain.BroadcastStatus, recipients []domain.BroadcastRecipient) (bool, error)

	// PendingRecipients returns up to limit pending snapshot rows in
	// position order.
	PendingRecipients(ctx context.Context, broadcastID string, limit int) ([]domain.BroadcastRecipient, error)

	// MarkRecipient records the outcome of one pending recipient.
	MarkRecipient(ctx context.Context, broadcastID, contactID string, status domain.RecipientStatus, emailID, errMsg string) error

	// FailPending marks every still-pending recipient failed and returns how
	// many rows changed.
	FailPending(ctx context.Context, broadcastID, reason string) (int, error)

	// CountRecipients returns the sent and failed snapshot rows.
	CountRecipients(ctx context.Context, broadcastID string) (sent, failed int, err error)

	// UpdateProgress checkpoints the counters and touches updated_at.
	UpdateProgress(ctx context.Context, id string, sent, failed int) error

	// Finish moves a sending broadcast to a terminal status. Returns false
	// when it was no longer sending.
	Finish(ctx context.Context, id string, status domain.BroadcastStatus, sent, failed int, at time.Time, errMsg string) (bool, error)

	// Transition is a compare-and-set on status. Returns false when the
	// current status is not in from.
	Transition(ctx context.Context, orgID, id string, from []domain.BroadcastStatus, to domain.BroadcastStatus, errMsg string) (bool, error)

	// SetSchedule moves a draft or scheduled broadcast to scheduled at the
	// given time.
	SetSchedule(ctx context.Context, orgID, id string, at time.Time) (bool, error)

	// RecordError stores a worker failure note without changing status.
	RecordError(ctx context.Context, id, errMsg string) error

	// ListStale returns sending broadcasts not updated since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Broadcast, error)

	// IncrementResume bumps resume_count, touches updated_at and returns the
	// new count.
	IncrementResume(ctx context.Context, id string) (int, error)

	// ListDue returns scheduled broadcasts whose scheduled_at has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Broadcast, error)
}

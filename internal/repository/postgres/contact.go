package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/google/uuid"
)

// ContactRepo reads audiences and applies unsubscribes. It never sets
// subscribed back to true.
type ContactRepo struct{ db *sql.DB }

// NewContactRepo creates a Postgres-backed contact repository.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

// ListSubscribedContacts returns an audience's subscribed contacts in a
// stable order.
func (r *ContactRepo) ListSubscribedContacts(ctx context.Context, orgID, audienceID string) ([]domain.Contact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, organization_id, COALESCE(audience_id::text,''), email,
		       COALESCE(first_name,''), COALESCE(last_name,''), subscribed, created_at
		FROM contacts
		WHERE organization_id = $1 AND audience_id = $2 AND subscribed
		ORDER BY created_at, id
	`, orgID, audienceID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.AudienceID, &c.Email,
			&c.FirstName, &c.LastName, &c.Subscribed, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UnsubscribeContact unsubscribes the organization's contacts with this
// address, matched case-insensitively. Already unsubscribed rows keep
// their timestamp and reason.
func (r *ContactRepo) UnsubscribeContact(ctx context.Context, orgID, email, reason string, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE contacts
		SET subscribed = false, unsubscribed_at = $4, unsubscribe_reason = $3
		WHERE organization_id = $1 AND lower(email) = lower($2) AND subscribed
	`, orgID, email, reason, at)
	return affected(res, err, "unsubscribe contact")
}

// UnsubscribeContactByID unsubscribes one contact.
func (r *ContactRepo) UnsubscribeContactByID(ctx context.Context, orgID, contactID, reason string, at time.Time) (int, error) {
	if uuid.Validate(contactID) != nil {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE contacts
		SET subscribed = false, unsubscribed_at = $4, unsubscribe_reason = $3
		WHERE organization_id = $1 AND id = $2 AND subscribed
	`, orgID, contactID, reason, at)
	return affected(res, err, "unsubscribe contact")
}

func affected(res sql.Result, err error, op string) (int, error) {
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(n), nil
}

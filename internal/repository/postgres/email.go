package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/service/delivery"
	"github.com/bittucreator/unosend-sub001/internal/service/sending"
	"github.com/bittucreator/unosend-sub001/internal/tracking"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EmailRepo stores emails, their tracked links and their events. It serves
// the send path, the delivery callbacks and the tracking endpoints.
type EmailRepo struct{ db *sql.DB }

// NewEmailRepo creates a Postgres-backed email repository.
func NewEmailRepo(db *sql.DB) *EmailRepo { return &EmailRepo{db: db} }

const emailColumns = `id, organization_id, from_address, to_addresses, cc_addresses, bcc_addresses,
	reply_to, subject, COALESCE(html,''), COALESCE(text,''), tags, headers, attachments, status,
	COALESCE(provider_message_id,''), metadata, scheduled_at, sent_at, delivered_at, opened_at,
	clicked_at, bounced_at, COALESCE(bounce_type,''), COALESCE(bounce_subtype,''), complained_at, created_at`

func scanEmail(row rowScanner) (*domain.Email, error) {
	var (
		e                                    domain.Email
		tags, headers, attachments, metadata []byte
	)
	err := row.Scan(
		&e.ID, &e.OrganizationID, &e.From, pq.Array(&e.To), pq.Array(&e.CC), pq.Array(&e.BCC),
		pq.Array(&e.ReplyTo), &e.Subject, &e.HTML, &e.Text, &tags, &headers, &attachments, &e.Status,
		&e.ProviderMessageID, &metadata, &e.ScheduledAt, &e.SentAt, &e.DeliveredAt, &e.OpenedAt,
		&e.ClickedAt, &e.BouncedAt, &e.BounceType, &e.BounceSubType, &e.ComplainedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, c := range []struct {
		raw []byte
		dst any
	}{{tags, &e.Tags}, {headers, &e.Headers}, {attachments, &e.Attachments}, {metadata, &e.Metadata}} {
		if err := unmarshalJSON(c.raw, c.dst); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (r *EmailRepo) CreateEmail(ctx context.Context, e *domain.Email) error {
	tags, err := marshalJSON(e.Tags)
	if err != nil {
		return err
	}
	headers, err := marshalJSON(e.Headers)
	if err != nil {
		return err
	}
	attachments, err := marshalJSON(e.Attachments)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO emails
			(id, organization_id, from_address, to_addresses, cc_addresses, bcc_addresses, reply_to,
			 subject, html, text, tags, headers, attachments, status, metadata, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, e.ID, e.OrganizationID, e.From, pq.Array(e.To), pq.Array(e.CC), pq.Array(e.BCC), pq.Array(e.ReplyTo),
		e.Subject, nullString(e.HTML), nullString(e.Text), tags, headers, attachments, e.Status, metadata,
		e.ScheduledAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create email: %w", err)
	}
	return nil
}

// GetEmail returns an organization's email or sending.ErrNotFound.
func (r *EmailRepo) GetEmail(ctx context.Context, orgID, id string) (*domain.Email, error) {
	if uuid.Validate(id) != nil {
		return nil, sending.ErrNotFound
	}
	e, err := scanEmail(r.db.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE id = $1 AND organization_id = $2`, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sending.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email: %w", err)
	}
	return e, nil
}

// GetEmailByID looks an email up without an organization, for tracking
// hits. Returns tracking.ErrNotFound.
func (r *EmailRepo) GetEmailByID(ctx context.Context, id string) (*domain.Email, error) {
	if uuid.Validate(id) != nil {
		return nil, tracking.ErrNotFound
	}
	e, err := scanEmail(r.db.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracking.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email: %w", err)
	}
	return e, nil
}

// FindEmailByMessageID returns delivery.ErrUnmatched for unknown ids.
func (r *EmailRepo) FindEmailByMessageID(ctx context.Context, messageID string) (*domain.Email, error) {
	e, err := scanEmail(r.db.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE provider_message_id = $1 LIMIT 1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delivery.ErrUnmatched
	}
	if err != nil {
		return nil, fmt.Errorf("find email by message id: %w", err)
	}
	return e, nil
}

// advance runs a rank-guarded status update: the row only changes when its
// current status ranks below to.
func (r *EmailRepo) advance(ctx context.Context, op, id string, to domain.EmailStatus, set string, args ...any) error {
	q := fmt.Sprintf(`UPDATE emails SET status = $2%s WHERE id = $1 AND status = ANY($3)`, set)
	all := append([]any{id, string(to), pq.Array(domain.EmailStatusesBelow(to))}, args...)
	if _, err := r.db.ExecContext(ctx, q, all...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *EmailRepo) MarkSent(ctx context.Context, id, messageID string, at time.Time) error {
	return r.advance(ctx, "mark sent", id, domain.EmailSent,
		`, provider_message_id = $4, sent_at = $5`, messageID, at)
}

func (r *EmailRepo) MarkFailed(ctx context.Context, id string) error {
	return r.advance(ctx, "mark failed", id, domain.EmailFailed, ``)
}

func (r *EmailRepo) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return r.advance(ctx, "mark delivered", id, domain.EmailDelivered, `, delivered_at = $4`, at)
}

// MarkBounced advances the email to bounced. A permanent bounce also
// replaces the detail of an earlier transient one.
func (r *EmailRepo) MarkBounced(ctx context.Context, id, bounceType, subType string, at time.Time) error {
	if err := r.advance(ctx, "mark bounced", id, domain.EmailBounced,
		`, bounce_type = $4, bounce_subtype = $5, bounced_at = $6`, bounceType, subType, at); err != nil {
		return err
	}
	if bounceType != delivery.BouncePermanent {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE emails SET bounce_type = $2, bounce_subtype = $3
		WHERE id = $1 AND status = 'bounced' AND bounce_type IS DISTINCT FROM $2
	`, id, bounceType, subType)
	if err != nil {
		return fmt.Errorf("upgrade bounce: %w", err)
	}
	return nil
}

func (r *EmailRepo) MarkComplained(ctx context.Context, id string, at time.Time) error {
	return r.advance(ctx, "mark complained", id, domain.EmailComplained, `, complained_at = $4`, at)
}

// MarkOpened sets opened_at on the first open only.
func (r *EmailRepo) MarkOpened(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.firstTouch(ctx, "opened_at", id, at)
}

// MarkClicked sets clicked_at on the first click only.
func (r *EmailRepo) MarkClicked(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.firstTouch(ctx, "clicked_at", id, at)
}

func (r *EmailRepo) firstTouch(ctx context.Context, column, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE emails SET %[1]s = $2 WHERE id = $1 AND %[1]s IS NULL`, column), id, at)
	if err != nil {
		return false, fmt.Errorf("set %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set %s: %w", column, err)
	}
	return n == 1, nil
}

// ClaimScheduled moves due scheduled emails to queued and returns them.
// SKIP LOCKED lets several workers claim concurrently without overlap.
func (r *EmailRepo) ClaimScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Email, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE emails SET status = 'queued'
		WHERE id IN (
			SELECT id FROM emails
			WHERE status = 'scheduled' AND scheduled_at <= $1
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+emailColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim scheduled emails: %w", err)
	}
	defer rows.Close()

	var out []domain.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// InsertEvent appends an event. Provider outcomes are unique per email and
// dedup key via a partial index, so a repeated callback inserts nothing and
// returns false.
func (r *EmailRepo) InsertEvent(ctx context.Context, ev *domain.EmailEvent) (bool, error) {
	meta, err := marshalJSON(ev.Metadata)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO email_events (id, email_id, organization_id, type, metadata, dedup_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`, ev.ID, ev.EmailID, ev.OrganizationID, string(ev.Type), meta, ev.DedupKey, ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return n == 1, nil
}

// InsertLinks stores the tracked links of one email in a transaction.
func (r *EmailRepo) InsertLinks(ctx context.Context, links []domain.EmailLink) error {
	if len(links) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, l := range links {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO email_links (id, email_id, organization_id, url, position)
			VALUES ($1, $2, $3, $4, $5)
		`, l.ID, l.EmailID, l.OrganizationID, l.URL, l.Position); err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit links: %w", err)
	}
	return nil
}

// GetLink returns tracking.ErrNotFound for unknown ids.
func (r *EmailRepo) GetLink(ctx context.Context, id string) (*domain.EmailLink, error) {
	if uuid.Validate(id) != nil {
		return nil, tracking.ErrNotFound
	}
	l := &domain.EmailLink{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email_id, organization_id, url, position, click_count, last_clicked_at
		FROM email_links WHERE id = $1
	`, id).Scan(&l.ID, &l.EmailID, &l.OrganizationID, &l.URL, &l.Position, &l.ClickCount, &l.LastClickedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracking.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	return l, nil
}

func (r *EmailRepo) IncrementLinkClick(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE email_links SET click_count = click_count + 1, last_clicked_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("increment link click: %w", err)
	}
	return nil
}

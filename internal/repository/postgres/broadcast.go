package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/service/broadcast"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// BroadcastRepo implements broadcast.Repository against PostgreSQL.
type BroadcastRepo struct {
	db       *sql.DB
	contacts *ContactRepo
}

// NewBroadcastRepo creates a Postgres-backed broadcast repository.
func NewBroadcastRepo(db *sql.DB) *BroadcastRepo {
	return &BroadcastRepo{db: db, contacts: NewContactRepo(db)}
}

const broadcastColumns = `id, organization_id, COALESCE(audience_id::text,''), name, from_address,
	COALESCE(reply_to,''), subject, COALESCE(html,''), COALESCE(text,''), status, scheduled_at,
	total_recipients, sent_count, failed_count, resume_count, sent_at, COALESCE(error,''),
	created_at, updated_at`

func scanBroadcast(row rowScanner) (*domain.Broadcast, error) {
	b := &domain.Broadcast{}
	err := row.Scan(
		&b.ID, &b.OrganizationID, &b.AudienceID, &b.Name, &b.From,
		&b.ReplyTo, &b.Subject, &b.HTML, &b.Text, &b.Status, &b.ScheduledAt,
		&b.TotalRecipients, &b.SentCount, &b.FailedCount, &b.ResumeCount, &b.SentAt, &b.Error,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *BroadcastRepo) Get(ctx context.Context, orgID, id string) (*domain.Broadcast, error) {
	if uuid.Validate(id) != nil {
		return nil, broadcast.ErrNotFound
	}
	b, err := scanBroadcast(r.db.QueryRowContext(ctx,
		`SELECT `+broadcastColumns+` FROM broadcasts WHERE id = $1 AND organization_id = $2`, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, broadcast.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get broadcast: %w", err)
	}
	return b, nil
}

func (r *BroadcastRepo) GetByID(ctx context.Context, id string) (*domain.Broadcast, error) {
	b, err := scanBroadcast(r.db.QueryRowContext(ctx,
		`SELECT `+broadcastColumns+` FROM broadcasts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, broadcast.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get broadcast: %w", err)
	}
	return b, nil
}

func (r *BroadcastRepo) ListSubscribedContacts(ctx context.Context, orgID, audienceID string) ([]domain.Contact, error) {
	return r.contacts.ListSubscribedContacts(ctx, orgID, audienceID)
}

func statusStrings(in []domain.BroadcastStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// StartSending flips the status and writes the snapshot in one
// transaction. The snapshot is streamed with COPY.
func (r *BroadcastRepo) StartSending(ctx context.Context, orgID, id string, from []domain.BroadcastStatus, recipients []domain.BroadcastRecipient) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE broadcasts
		SET status = 'sending', total_recipients = $4, sent_count = 0, failed_count = 0,
		    error = NULL, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = ANY($3)
	`, id, orgID, pq.Array(statusStrings(from)), len(recipients))
	n, err := affected(res, err, "start sending")
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("broadcast_recipients",
		"broadcast_id", "contact_id", "email", "first_name", "last_name", "position", "status"))
	if err != nil {
		return false, fmt.Errorf("prepare snapshot copy: %w", err)
	}
	for _, rc := range recipients {
		if _, err := stmt.ExecContext(ctx, id, rc.ContactID, rc.Email, rc.FirstName, rc.LastName,
			rc.Position, string(domain.RecipientPending)); err != nil {
			stmt.Close()
			return false, fmt.Errorf("copy recipient: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return false, fmt.Errorf("flush snapshot copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return false, fmt.Errorf("close snapshot copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit start sending: %w", err)
	}
	return true, nil
}

func (r *BroadcastRepo) PendingRecipients(ctx context.Context, broadcastID string, limit int) ([]domain.BroadcastRecipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT broadcast_id, contact_id, email, COALESCE(first_name,''), COALESCE(last_name,''), position, status
		FROM broadcast_recipients
		WHERE broadcast_id = $1 AND status = 'pending'
		ORDER BY position
		LIMIT $2
	`, broadcastID, limit)
	if err != nil {
		return nil, fmt.Errorf("pending recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.BroadcastRecipient
	for rows.Next() {
		var rc domain.BroadcastRecipient
		if err := rows.Scan(&rc.BroadcastID, &rc.ContactID, &rc.Email, &rc.FirstName,
			&rc.LastName, &rc.Position, &rc.Status); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (r *BroadcastRepo) MarkRecipient(ctx context.Context, broadcastID, contactID string, status domain.RecipientStatus, emailID, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_recipients
		SET status = $3, email_id = $4, error = $5, updated_at = NOW()
		WHERE broadcast_id = $1 AND contact_id = $2 AND status = 'pending'
	`, broadcastID, contactID, string(status), nullString(emailID), nullString(errMsg))
	if err != nil {
		return fmt.Errorf("mark recipient: %w", err)
	}
	return nil
}

func (r *BroadcastRepo) FailPending(ctx context.Context, broadcastID, reason string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_recipients
		SET status = 'failed', error = $2, updated_at = NOW()
		WHERE broadcast_id = $1 AND status = 'pending'
	`, broadcastID, reason)
	return affected(res, err, "fail pending recipients")
}

func (r *BroadcastRepo) CountRecipients(ctx context.Context, broadcastID string) (int, int, error) {
	var sent, failed int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'sent'), COUNT(*) FILTER (WHERE status = 'failed')
		FROM broadcast_recipients WHERE broadcast_id = $1
	`, broadcastID).Scan(&sent, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count recipients: %w", err)
	}
	return sent, failed, nil
}

func (r *BroadcastRepo) UpdateProgress(ctx context.Context, id string, sent, failed int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE broadcasts SET sent_count = $2, failed_count = $3, updated_at = NOW() WHERE id = $1`,
		id, sent, failed)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func (r *BroadcastRepo) Finish(ctx context.Context, id string, status domain.BroadcastStatus, sent, failed int, at time.Time, errMsg string) (bool, error) {
	var sentAt *time.Time
	if status == domain.BroadcastSent {
		sentAt = &at
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts
		SET status = $2, sent_count = $3, failed_count = $4, sent_at = COALESCE($5, sent_at),
		    error = COALESCE($6, error), updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, string(status), sent, failed, sentAt, nullString(errMsg))
	n, err := affected(res, err, "finish broadcast")
	return n == 1, err
}

func (r *BroadcastRepo) Transition(ctx context.Context, orgID, id string, from []domain.BroadcastStatus, to domain.BroadcastStatus, errMsg string) (bool, error) {
	if uuid.Validate(id) != nil {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts
		SET status = $4, error = COALESCE($5, error), updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = ANY($3)
	`, id, orgID, pq.Array(statusStrings(from)), string(to), nullString(errMsg))
	n, err := affected(res, err, "transition broadcast")
	return n == 1, err
}

func (r *BroadcastRepo) SetSchedule(ctx context.Context, orgID, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts
		SET status = 'scheduled', scheduled_at = $3, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status IN ('draft', 'scheduled')
	`, id, orgID, at)
	n, err := affected(res, err, "schedule broadcast")
	return n == 1, err
}

// RecordError leaves updated_at alone so the broadcast still ages into
// the recovery sweep.
func (r *BroadcastRepo) RecordError(ctx context.Context, id, errMsg string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE broadcasts SET error = $2 WHERE id = $1`, id, errMsg); err != nil {
		return fmt.Errorf("record broadcast error: %w", err)
	}
	return nil
}

func (r *BroadcastRepo) list(ctx context.Context, op, where string, args ...any) ([]domain.Broadcast, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *BroadcastRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Broadcast, error) {
	return r.list(ctx, "list stale broadcasts",
		`status = 'sending' AND updated_at < $1 ORDER BY updated_at LIMIT $2`, before, limit)
}

func (r *BroadcastRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Broadcast, error) {
	return r.list(ctx, "list due broadcasts",
		`status = 'scheduled' AND scheduled_at <= $1 ORDER BY scheduled_at LIMIT $2`, now, limit)
}

func (r *BroadcastRepo) IncrementResume(ctx context.Context, id string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		UPDATE broadcasts SET resume_count = resume_count + 1, updated_at = NOW()
		WHERE id = $1 RETURNING resume_count
	`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment resume count: %w", err)
	}
	return n, nil
}

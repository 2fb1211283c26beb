package sending

import (
	"context"
	"fmt"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/content"
	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/metrics"
	"github.com/bittucreator/unosend-sub001/internal/notify"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
	"github.com/google/uuid"
)

// Paths label where a send originated.
const (
	PathSingle    = "single"
	PathBatch     = "batch"
	PathBroadcast = "broadcast"
	PathScheduled = "scheduled"
)

// Service implements the single-message send path. All public methods are
// safe for concurrent use if the collaborators are.
type Service struct {
	store    Store
	sender   Sender
	quota    QuotaReserver
	tracker  TrackingInjector
	notifier notify.Notifier
	now      func() time.Time
}

// NewService wires the send path.
func NewService(store Store, sender Sender, quota QuotaReserver, tracker TrackingInjector, notifier notify.Notifier) *Service {
	return &Service{
		store:    store,
		sender:   sender,
		quota:    quota,
		tracker:  tracker,
		notifier: notifier,
		now:      time.Now,
	}
}

// Prepared is a fully personalized and instrumented email ready to persist
// and send. Quota for it must already be reserved.
type Prepared struct {
	Email *domain.Email
	Links []domain.EmailLink
	Path  string
}

// Get returns one email.
func (s *Service) Get(ctx context.Context, orgID, id string) (*domain.Email, error) {
	return s.store.GetEmail(ctx, orgID, id)
}

// Send validates and sends one message. A future ScheduledAt persists the
// email as scheduled and returns without dispatching. A transport failure
// returns the failed email together with the error.
func (s *Service) Send(ctx context.Context, orgID string, in SendInput) (*domain.Email, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := s.quota.Reserve(ctx, orgID, 1); err != nil {
		return nil, err
	}
	return s.sendReserved(ctx, orgID, &in, PathSingle)
}

// sendReserved runs the send for a validated input whose quota unit is
// already taken.
func (s *Service) sendReserved(ctx context.Context, orgID string, in *SendInput, path string) (*domain.Email, error) {
	p := s.prepare(orgID, in)
	p.Path = path

	if p.Email.Status == domain.EmailScheduled {
		if err := s.persist(ctx, p); err != nil {
			s.quota.Release(ctx, orgID, 1)
			return nil, err
		}
		logger.Info("sending: email scheduled", "email_id", p.Email.ID, "scheduled_at", p.Email.ScheduledAt.Format(time.RFC3339))
		return p.Email, nil
	}
	return s.Deliver(ctx, p)
}

// prepare builds the email row for a request: caller variables are
// substituted and tracking is applied.
func (s *Service) prepare(orgID string, in *SendInput) Prepared {
	now := s.now().UTC()
	e := &domain.Email{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		From:           in.From,
		To:             in.To,
		CC:             in.CC,
		BCC:            in.BCC,
		ReplyTo:        in.ReplyTo,
		Tags:           in.Tags,
		Headers:        in.Headers,
		Attachments:    in.Attachments,
		Status:         domain.EmailQueued,
		CreatedAt:      now,
	}
	if in.ScheduledAt != nil && in.ScheduledAt.After(now) {
		at := in.ScheduledAt.UTC()
		e.Status = domain.EmailScheduled
		e.ScheduledAt = &at
	}

	vars := content.NewVariables(in.Variables)
	e.Subject = content.Personalize(in.Subject, vars)
	e.Text = content.Personalize(in.Text, vars)
	html := content.PersonalizeHTML(in.HTML, vars)

	var tracked []content.TrackedLink
	e.HTML, tracked = s.tracker.Instrument(html, content.Scope{EmailID: e.ID},
		content.Options{Opens: in.trackOpens(), Clicks: in.trackClicks()})

	return Prepared{Email: e, Links: EmailLinks(e, tracked)}
}

// EmailLinks converts rewritten links into rows for e.
func EmailLinks(e *domain.Email, tracked []content.TrackedLink) []domain.EmailLink {
	if len(tracked) == 0 {
		return nil
	}
	out := make([]domain.EmailLink, len(tracked))
	for i, l := range tracked {
		out[i] = domain.EmailLink{
			ID:             l.ID,
			EmailID:        e.ID,
			OrganizationID: e.OrganizationID,
			URL:            l.URL,
			Position:       l.Position,
		}
	}
	return out
}

func (s *Service) persist(ctx context.Context, p Prepared) error {
	if err := s.store.CreateEmail(ctx, p.Email); err != nil {
		return fmt.Errorf("create email: %w", err)
	}
	if len(p.Links) > 0 {
		if err := s.store.InsertLinks(ctx, p.Links); err != nil {
			return fmt.Errorf("insert links: %w", err)
		}
	}
	return nil
}

// Deliver persists p as queued and sends it. On a transport failure the
// email is marked failed, its quota unit is released and the error is
// returned alongside the email.
func (s *Service) Deliver(ctx context.Context, p Prepared) (*domain.Email, error) {
	if err := s.persist(ctx, p); err != nil {
		s.quota.Release(ctx, p.Email.OrganizationID, 1)
		return nil, err
	}
	return p.Email, s.dispatch(ctx, p.Email, p.Path)
}

// dispatch sends a persisted email and records the outcome. Bookkeeping
// errors after a successful hand-off are logged, never returned: the
// message has left and must not be reported as failed.
func (s *Service) dispatch(ctx context.Context, e *domain.Email, path string) error {
	res, err := s.sender.Send(ctx, outbound(e))
	if err != nil {
		s.recordFailure(ctx, e, path, err)
		return err
	}

	now := s.now().UTC()
	e.Status = domain.EmailSent
	e.ProviderMessageID = res.MessageID
	e.SentAt = &now

	if err := s.store.MarkSent(ctx, e.ID, res.MessageID, now); err != nil {
		logger.Error("sending: mark sent", "email_id", e.ID, "error", err)
	}
	s.appendEvent(ctx, e, domain.EventSent, map[string]any{"message_id": res.MessageID})
	metrics.IncEmailSent(path)
	s.notifier.Emit(ctx, e.OrganizationID, domain.WebhookEmailSent, e.ID, map[string]any{"message_id": res.MessageID})
	return nil
}

func (s *Service) recordFailure(ctx context.Context, e *domain.Email, path string, sendErr error) {
	e.Status = domain.EmailFailed
	// the row must be updated even if the request context timed out
	bg := context.WithoutCancel(ctx)

	if err := s.store.MarkFailed(bg, e.ID); err != nil {
		logger.Error("sending: mark failed", "email_id", e.ID, "error", err)
	}
	s.appendEvent(bg, e, domain.EventFailed, map[string]any{"error": sendErr.Error()})
	s.quota.Release(bg, e.OrganizationID, 1)
	metrics.IncEmailFailed(path)
	logger.Warn("sending: transport failed", "email_id", e.ID, "to", firstOf(e.To), "error", sendErr)
	s.notifier.Emit(bg, e.OrganizationID, domain.WebhookEmailFailed, e.ID, map[string]any{"error": sendErr.Error()})
}

func (s *Service) appendEvent(ctx context.Context, e *domain.Email, typ domain.EventType, meta map[string]any) {
	ev := &domain.EmailEvent{
		ID:             uuid.NewString(),
		EmailID:        e.ID,
		OrganizationID: e.OrganizationID,
		Type:           typ,
		Metadata:       meta,
		CreatedAt:      s.now().UTC(),
	}
	if _, err := s.store.InsertEvent(ctx, ev); err != nil {
		logger.Error("sending: insert event", "email_id", e.ID, "type", string(typ), "error", err)
	}
}

// DispatchScheduled sends up to limit scheduled emails whose time has come.
// It returns how many were handed to the transport successfully.
func (s *Service) DispatchScheduled(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ClaimScheduled(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("claim scheduled emails: %w", err)
	}

	sent := 0
	for i := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		e := &due[i]
		e.Status = domain.EmailQueued
		if err := s.dispatch(ctx, e, PathScheduled); err == nil {
			sent++
		}
	}
	if len(due) > 0 {
		logger.Info("sending: scheduled emails dispatched", "claimed", len(due), "sent", sent)
	}
	return sent, nil
}

func outbound(e *domain.Email) *domain.OutboundMessage {
	return &domain.OutboundMessage{
		EmailID:     e.ID,
		From:        e.From,
		To:          e.To,
		CC:          e.CC,
		BCC:         e.BCC,
		ReplyTo:     e.ReplyTo,
		Subject:     e.Subject,
		HTML:        e.HTML,
		Text:        e.Text,
		Headers:     e.Headers,
		Tags:        e.Tags,
		Attachments: e.Attachments,
	}
}

func firstOf(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Package tracking serves the public open, click and unsubscribe endpoints
// and records the engagement they report.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/content"
	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/metrics"
	"github.com/bittucreator/unosend-sub001/internal/notify"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
	"github.com/google/uuid"
)

// ErrNotFound is returned by a Store for unknown emails, links or contacts.
var ErrNotFound = errors.New("not found")

// Store is the persistence the recorder needs.
type Store interface {
	GetEmailByID(ctx context.Context, id string) (*domain.Email, error)
	// MarkOpened sets opened_at when unset and reports whether it did.
	MarkOpened(ctx context.Context, emailID string, at time.Time) (bool, error)
	// MarkClicked sets clicked_at when unset and reports whether it did.
	MarkClicked(ctx context.Context, emailID string, at time.Time) (bool, error)
	InsertEvent(ctx context.Context, ev *domain.EmailEvent) (bool, error)

	GetLink(ctx context.Context, id string) (*domain.EmailLink, error)
	IncrementLinkClick(ctx context.Context, id string, at time.Time) error

	// UnsubscribeContactByID unsubscribes one contact unless it already is.
	UnsubscribeContactByID(ctx context.Context, orgID, contactID, reason string, at time.Time) (int, error)
}

// StatIncrementer bumps a usage counter.
type StatIncrementer interface {
	IncrementStat(ctx context.Context, orgID string, stat domain.UsageStat) error
}

// Hit describes the request behind a tracking event.
type Hit struct {
	UserAgent string
	IP        string
}

func (h Hit) metadata() map[string]any {
	return map[string]any{
		"user_agent": h.UserAgent,
		"ip":         h.IP,
		"device":     detectDevice(h.UserAgent),
	}
}

// Recorder turns tracking hits into events, first-touch timestamps, usage
// stats and notifier events.
type Recorder struct {
	store    Store
	stats    StatIncrementer
	notifier notify.Notifier
	unsub    *content.Unsubscriber
	now      func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(store Store, stats StatIncrementer, notifier notify.Notifier, unsub *content.Unsubscriber) *Recorder {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Recorder{store: store, stats: stats, notifier: notifier, unsub: unsub, now: time.Now}
}

// RecordOpen records one open. Every open is an event; only the first sets
// opened_at and counts toward emails_opened.
func (r *Recorder) RecordOpen(ctx context.Context, emailID string, hit Hit) error {
	e, err := r.store.GetEmailByID(ctx, emailID)
	if err != nil {
		return err
	}

	meta := hit.metadata()
	if err := r.appendEvent(ctx, e, domain.EventOpened, meta); err != nil {
		return err
	}
	first, err := r.store.MarkOpened(ctx, e.ID, r.now().UTC())
	if err != nil {
		return fmt.Errorf("mark opened: %w", err)
	}
	if first {
		r.incrementStat(ctx, e, domain.StatEmailsOpened)
	}

	metrics.IncTrackingEvent("open")
	r.notifier.Emit(ctx, e.OrganizationID, domain.WebhookEmailOpened, e.ID, meta)
	return nil
}

// RecordClick records a click on linkID and returns where to redirect.
// A known link redirects to its stored URL. target is the url query
// parameter: an unknown link records nothing and redirects to target, or to
// fallback when target is empty too.
func (r *Recorder) RecordClick(ctx context.Context, linkID, target, fallback string, hit Hit) (string, error) {
	link, err := r.store.GetLink(ctx, linkID)
	if errors.Is(err, ErrNotFound) {
		if target == "" {
			target = fallback
		}
		return target, nil
	}
	if err != nil {
		if target == "" {
			target = fallback
		}
		return target, fmt.Errorf("get link: %w", err)
	}
	if link.URL != "" {
		target = link.URL
	} else if target == "" {
		target = fallback
	}

	e, err := r.store.GetEmailByID(ctx, link.EmailID)
	if err != nil {
		return target, fmt.Errorf("get email: %w", err)
	}

	now := r.now().UTC()
	if err := r.store.IncrementLinkClick(ctx, link.ID, now); err != nil {
		logger.Error("tracking: increment link click", "component", "tracking", "link_id", link.ID, "error", err)
	}

	meta := hit.metadata()
	meta["link_id"] = link.ID
	meta["url"] = target
	if err := r.appendEvent(ctx, e, domain.EventClicked, meta); err != nil {
		return target, err
	}
	first, err := r.store.MarkClicked(ctx, e.ID, now)
	if err != nil {
		logger.Error("tracking: mark clicked", "component", "tracking", "email_id", e.ID, "error", err)
	}
	if first {
		r.incrementStat(ctx, e, domain.StatEmailsClicked)
	}

	metrics.IncTrackingEvent("click")
	r.notifier.Emit(ctx, e.OrganizationID, domain.WebhookEmailClicked, e.ID,
		map[string]any{"link_id": link.ID, "url": target})
	return target, nil
}

// Unsubscribe verifies a signed token and unsubscribes the contact it
// names. A contact already unsubscribed is left as is.
func (r *Recorder) Unsubscribe(ctx context.Context, token string) error {
	orgID, contactID, err := r.unsub.Verify(token)
	if err != nil {
		return err
	}
	n, err := r.store.UnsubscribeContactByID(ctx, orgID, contactID, domain.ReasonUnsubscribeLink, r.now().UTC())
	if err != nil {
		return fmt.Errorf("unsubscribe contact: %w", err)
	}
	metrics.IncTrackingEvent("unsubscribe")
	if n > 0 {
		logger.Info("tracking: contact unsubscribed", "component", "tracking", "organization_id", orgID, "contact_id", contactID)
	}
	return nil
}

func (r *Recorder) appendEvent(ctx context.Context, e *domain.Email, typ domain.EventType, meta map[string]any) error {
	ev := &domain.EmailEvent{
		ID:             uuid.NewString(),
		EmailID:        e.ID,
		OrganizationID: e.OrganizationID,
		Type:           typ,
		Metadata:       meta,
		CreatedAt:      r.now().UTC(),
	}
	if _, err := r.store.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert %s event: %w", typ, err)
	}
	return nil
}

func (r *Recorder) incrementStat(ctx context.Context, e *domain.Email, stat domain.UsageStat) {
	if err := r.stats.IncrementStat(ctx, e.OrganizationID, stat); err != nil {
		logger.Error("tracking: increment stat", "component", "tracking", "stat", string(stat), "error", err)
	}
}

func detectDevice(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone"):
		return "mobile"
	}
	return "desktop"
}

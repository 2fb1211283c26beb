// Package delivery applies provider outcome notifications (deliveries,
// bounces, complaints) to emails, contacts and usage counters.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/metrics"
	"github.com/bittucreator/unosend-sub001/internal/notify"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
	"github.com/google/uuid"
)

// Ingestor handles SES notifications. Each callback is applied at most once:
// the event insert, keyed on the callback, gates stats and notifier events.
// Status updates are rank-guarded and contact unsubscribes are idempotent,
// so both run on every delivery of a callback.
type Ingestor struct {
	store    Store
	stats    StatIncrementer
	notifier notify.Notifier
	now      func() time.Time
}

// NewIngestor creates an ingestor.
func NewIngestor(store Store, stats StatIncrementer, notifier notify.Notifier) *Ingestor {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Ingestor{store: store, stats: stats, notifier: notifier, now: time.Now}
}

// HandleEnvelope processes an SNS Notification envelope. Other envelope
// types are ignored.
func (i *Ingestor) HandleEnvelope(ctx context.Context, env *Envelope) error {
	if env.Type != SNSNotification {
		logger.Debug("delivery: ignoring sns envelope", "component", "delivery", "type", env.Type)
		return nil
	}
	n, err := ParseNotification(env.Message)
	if err != nil {
		// a malformed body will never parse; retrying cannot help
		logger.Warn("delivery: bad notification", "component", "delivery", "sns_id", env.MessageID, "error", err)
		return nil
	}
	return i.Handle(ctx, n)
}

// Handle applies one notification. Unknown kinds and unmatched message ids
// are logged and dropped. Only store failures are returned, so a queue
// consumer can redeliver.
func (i *Ingestor) Handle(ctx context.Context, n *Notification) error {
	kind := n.Kind()
	if kind == "" {
		logger.Debug("delivery: ignoring notification", "component", "delivery",
			"notification_type", n.NotificationType, "event_type", n.EventType)
		return nil
	}
	label := strings.ToLower(kind)

	e, err := i.store.FindEmailByMessageID(ctx, n.Mail.MessageID)
	if errors.Is(err, ErrUnmatched) {
		metrics.IncDeliveryEvent(label, "unmatched")
		logger.Warn("delivery: no email for message id", "component", "delivery",
			"kind", kind, "message_id", n.Mail.MessageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find email: %w", err)
	}

	var applied bool
	switch kind {
	case KindDelivery:
		applied, err = i.delivered(ctx, e, n)
	case KindBounce:
		applied, err = i.bounced(ctx, e, n)
	case KindComplaint:
		applied, err = i.complained(ctx, e, n)
	}
	if err != nil {
		return err
	}

	if applied {
		metrics.IncDeliveryEvent(label, "applied")
	} else {
		metrics.IncDeliveryEvent(label, "duplicate")
		logger.Debug("delivery: duplicate notification", "component", "delivery", "kind", kind, "email_id", e.ID)
	}
	return nil
}

func (i *Ingestor) delivered(ctx context.Context, e *domain.Email, n *Notification) (bool, error) {
	at := i.now().UTC()
	if n.Delivery != nil {
		at = parseTime(n.Delivery.Timestamp, at)
	}
	if err := i.store.MarkDelivered(ctx, e.ID, at); err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}

	meta := map[string]any{}
	if n.Delivery != nil {
		meta["smtp_response"] = n.Delivery.SMTPResponse
		meta["recipients"] = n.Delivery.Recipients
	}
	first, err := i.record(ctx, e, domain.EventDelivered, "", meta)
	if err != nil || !first {
		return first, err
	}

	i.incrementStat(ctx, e, domain.StatEmailsDelivered)
	i.notifier.Emit(ctx, e.OrganizationID, domain.WebhookEmailDelivered, e.ID, meta)
	return true, nil
}

func (i *Ingestor) bounced(ctx context.Context, e *domain.Email, n *Notification) (bool, error) {
	b := n.Bounce
	if b == nil {
		b = &Bounce{}
	}
	at := parseTime(b.Timestamp, i.now().UTC())
	if err := i.store.MarkBounced(ctx, e.ID, b.BounceType, b.BounceSubType, at); err != nil {
		return false, fmt.Errorf("mark bounced: %w", err)
	}

	meta := map[string]any{
		"bounce_type":    b.BounceType,
		"bounce_subtype": b.BounceSubType,
	}
	addrs := make([]string, 0, len(b.BouncedRecipients))
	for _, r := range b.BouncedRecipients {
		addrs = append(addrs, r.EmailAddress)
	}
	if len(b.BouncedRecipients) > 0 {
		meta["recipient"] = b.BouncedRecipients[0].EmailAddress
		meta["diagnostic_code"] = b.BouncedRecipients[0].DiagnosticCode
	}
	first, err := i.record(ctx, e, domain.EventBounced, callbackKey(b.FeedbackID, b.BounceType, addrs), meta)
	if err != nil {
		return false, err
	}

	if b.BounceType == BouncePermanent {
		reason := domain.ReasonHardBouncePrefix + b.BounceSubType
		for _, addr := range addrs {
			i.unsubscribe(ctx, e, addr, reason)
		}
	}
	if !first {
		return false, nil
	}
	i.incrementStat(ctx, e, domain.StatEmailsBounced)
	i.notifier.Emit(ctx, e.OrganizationID, domain.WebhookEmailBounced, e.ID, meta)
	return true, nil
}

func (i *Ingestor) complained(ctx context.Context, e *domain.Email, n *Notification) (bool, error) {
	c := n.Complaint
	if c == nil {
		c = &Complaint{}
	}
	at := parseTime(c.Timestamp, i.now().UTC())
	if err := i.store.MarkComplained(ctx, e.ID, at); err != nil {
		return false, fmt.Errorf("mark complained: %w", err)
	}

	meta := map[string]any{"feedback_type": c.ComplaintFeedbackType}
	if len(c.ComplainedRecipients) > 0 {
		meta["recipient"] = c.ComplainedRecipients[0].EmailAddress
	}
	var addrs []string
	for _, r := range c.ComplainedRecipients {
		addrs = append(addrs, r.EmailAddress)
	}
	if len(addrs) == 0 {
		// some feedback loops strip the recipient; fall back to the envelope
		addrs = append(addrs, e.To...)
	}
	first, err := i.record(ctx, e, domain.EventComplained, callbackKey(c.FeedbackID, "", addrs), meta)
	if err != nil {
		return false, err
	}

	feedback := c.ComplaintFeedbackType
	if feedback == "" {
		feedback = "abuse"
	}
	for _, addr := range addrs {
		i.unsubscribe(ctx, e, addr, domain.ReasonComplaintPrefix+feedback)
	}
	if !first {
		return false, nil
	}
	i.incrementStat(ctx, e, domain.StatEmailsComplained)
	i.notifier.Emit(ctx, e.OrganizationID, domain.WebhookEmailComplained, e.ID, meta)
	return true, nil
}

// callbackKey identifies one bounce or complaint callback. SES stamps each
// with a feedbackId; without one the kind and the sorted recipients stand in.
func callbackKey(feedbackID, kind string, addrs []string) string {
	if feedbackID != "" {
		return feedbackID
	}
	norm := make([]string, 0, len(addrs))
	for _, a := range addrs {
		norm = append(norm, domain.NormalizeEmail(a))
	}
	slices.Sort(norm)
	return kind + ":" + strings.Join(norm, ",")
}

// record appends the outcome event and reports whether this callback was
// seen for the first time.
func (i *Ingestor) record(ctx context.Context, e *domain.Email, typ domain.EventType, key string, meta map[string]any) (bool, error) {
	ev := &domain.EmailEvent{
		ID:             uuid.NewString(),
		EmailID:        e.ID,
		OrganizationID: e.OrganizationID,
		Type:           typ,
		Metadata:       meta,
		DedupKey:       key,
		CreatedAt:      i.now().UTC(),
	}
	inserted, err := i.store.InsertEvent(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("insert %s event: %w", typ, err)
	}
	return inserted, nil
}

func (i *Ingestor) incrementStat(ctx context.Context, e *domain.Email, stat domain.UsageStat) {
	if err := i.stats.IncrementStat(ctx, e.OrganizationID, stat); err != nil {
		logger.Error("delivery: increment stat", "component", "delivery", "stat", string(stat), "email_id", e.ID, "error", err)
	}
}

func (i *Ingestor) unsubscribe(ctx context.Context, e *domain.Email, address, reason string) {
	if address == "" {
		return
	}
	n, err := i.store.UnsubscribeContact(ctx, e.OrganizationID, domain.NormalizeEmail(address), reason, i.now().UTC())
	if err != nil {
		logger.Error("delivery: unsubscribe contact", "component", "delivery", "email_id", e.ID, "error", err)
		return
	}
	if n > 0 {
		logger.Info("delivery: contact unsubscribed", "component", "delivery",
			"organization_id", e.OrganizationID, "email", address, "reason", reason)
	}
}

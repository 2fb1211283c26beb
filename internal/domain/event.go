package domain

import "time"

// EventType enumerates the lifecycle transitions recorded for an email.
type EventType string

const (
	EventSent       EventType = "sent"
	EventDelivered  EventType = "delivered"
	EventBounced    EventType = "bounced"
	EventComplained EventType = "complained"
	EventOpened     EventType = "opened"
	EventClicked    EventType = "clicked"
	EventFailed     EventType = "failed"
)

// Deduplicated reports whether events of this type are unique per email and
// DedupKey. Provider outcomes are; engagement events are not.
func (t EventType) Deduplicated() bool {
	switch t {
	case EventDelivered, EventBounced, EventComplained:
		return true
	}
	return false
}

// EmailEvent is an immutable, timestamped record of one lifecycle transition.
type EmailEvent struct {
	ID             string         `json:"id" db:"id"`
	EmailID        string         `json:"email_id" db:"email_id"`
	OrganizationID string         `json:"organization_id" db:"organization_id"`
	Type           EventType      `json:"type" db:"type"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"metadata"`
	// DedupKey identifies the provider callback behind an outcome event.
	// Empty for deliveries, which are recorded once per email.
	DedupKey  string    `json:"-" db:"dedup_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Notifier event names emitted to the customer webhook fan-out.
const (
	WebhookEmailSent       = "email.sent"
	WebhookEmailFailed     = "email.failed"
	WebhookEmailDelivered  = "email.delivered"
	WebhookEmailBounced    = "email.bounced"
	WebhookEmailComplained = "email.complained"
	WebhookEmailOpened     = "email.opened"
	WebhookEmailClicked    = "email.clicked"
)

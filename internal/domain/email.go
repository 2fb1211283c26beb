package domain

import (
	"sort"
	"time"
)

// EmailStatus enumerates the lifecycle states of one outbound message.
type EmailStatus string

const (
	EmailScheduled  EmailStatus = "scheduled"
	EmailQueued     EmailStatus = "queued"
	EmailSent       EmailStatus = "sent"
	EmailDelivered  EmailStatus = "delivered"
	EmailBounced    EmailStatus = "bounced"
	EmailComplained EmailStatus = "complained"
	EmailFailed     EmailStatus = "failed"
)

// statusRank orders statuses by authority. Bounce and complaint outrank
// delivered, delivered outranks sent.
var statusRank = map[EmailStatus]int{
	EmailScheduled:  0,
	EmailQueued:     1,
	EmailFailed:     2,
	EmailSent:       2,
	EmailDelivered:  3,
	EmailBounced:    4,
	EmailComplained: 4,
}

// Rank returns the precedence of the status. Unknown statuses rank lowest.
func (s EmailStatus) Rank() int {
	return statusRank[s]
}

// CanAdvanceTo reports whether moving from s to next never lowers the
// email's authority. Equal ranks are allowed except between the two
// terminal provider outcomes, which keep the first one recorded.
func (s EmailStatus) CanAdvanceTo(next EmailStatus) bool {
	if s == next {
		return false
	}
	if s == EmailBounced || s == EmailComplained {
		return false
	}
	return next.Rank() >= s.Rank()
}

// EmailStatusesBelow returns every status ranked strictly below s. Repositories
// use it to build rank-guarded UPDATE statements.
func EmailStatusesBelow(s EmailStatus) []string {
	var out []string
	for st, r := range statusRank {
		if r < s.Rank() {
			out = append(out, string(st))
		}
	}
	sort.Strings(out)
	return out
}

// Email is one outbound message attempt.
type Email struct {
	ID                string            `json:"id" db:"id"`
	OrganizationID    string            `json:"organization_id" db:"organization_id"`
	From              string            `json:"from" db:"from_address"`
	To                []string          `json:"to" db:"to_addresses"`
	CC                []string          `json:"cc,omitempty" db:"cc_addresses"`
	BCC               []string          `json:"bcc,omitempty" db:"bcc_addresses"`
	ReplyTo           []string          `json:"reply_to,omitempty" db:"reply_to"`
	Subject           string            `json:"subject" db:"subject"`
	HTML              string            `json:"html,omitempty" db:"html"`
	Text              string            `json:"text,omitempty" db:"text"`
	Tags              []Tag             `json:"tags,omitempty" db:"tags"`
	Headers           map[string]string `json:"headers,omitempty" db:"headers"`
	Attachments       []Attachment      `json:"-" db:"attachments"`
	Status            EmailStatus       `json:"status" db:"status"`
	ProviderMessageID string            `json:"provider_message_id,omitempty" db:"provider_message_id"`
	Metadata          EmailMetadata     `json:"metadata" db:"metadata"`
	ScheduledAt       *time.Time        `json:"scheduled_at,omitempty" db:"scheduled_at"`
	SentAt            *time.Time        `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty" db:"delivered_at"`
	OpenedAt          *time.Time        `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt         *time.Time        `json:"clicked_at,omitempty" db:"clicked_at"`
	BouncedAt         *time.Time        `json:"bounced_at,omitempty" db:"bounced_at"`
	BounceType        string            `json:"bounce_type,omitempty" db:"bounce_type"`
	BounceSubType     string            `json:"bounce_subtype,omitempty" db:"bounce_subtype"`
	ComplainedAt      *time.Time        `json:"complained_at,omitempty" db:"complained_at"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
}

// EmailMetadata links an email back to the campaign that produced it.
// Single sends leave both fields empty.
type EmailMetadata struct {
	BroadcastID string `json:"broadcast_id,omitempty"`
	ContactID   string `json:"contact_id,omitempty"`
}

// Tag is a caller-supplied name/value label carried to the provider.
type Tag struct {
	Name  string `json:"name" validate:"required,max=256"`
	Value string `json:"value" validate:"max=256"`
}

// Recipients returns every envelope recipient (to, cc, bcc) in that order.
func (e *Email) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.CC)+len(e.BCC))
	out = append(out, e.To...)
	out = append(out, e.CC...)
	return append(out, e.BCC...)
}

// EmailLink is one hyperlink rewritten to the click-tracking endpoint.
type EmailLink struct {
	ID             string     `json:"id" db:"id"`
	EmailID        string     `json:"email_id" db:"email_id"`
	OrganizationID string     `json:"organization_id" db:"organization_id"`
	URL            string     `json:"url" db:"url"`
	Position       int        `json:"position" db:"position"`
	ClickCount     int        `json:"click_count" db:"click_count"`
	LastClickedAt  *time.Time `json:"last_clicked_at,omitempty" db:"last_clicked_at"`
}

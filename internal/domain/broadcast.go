package domain

import "time"

// BroadcastStatus enumerates the lifecycle states of a campaign.
type BroadcastStatus string

const (
	BroadcastDraft     BroadcastStatus = "draft"
	BroadcastScheduled BroadcastStatus = "scheduled"
	BroadcastSending   BroadcastStatus = "sending"
	BroadcastSent      BroadcastStatus = "sent"
	BroadcastFailed    BroadcastStatus = "failed"
	BroadcastCancelled BroadcastStatus = "cancelled"
)

// Broadcast is a one-to-many campaign targeting the subscribed contacts of
// one audience.
type Broadcast struct {
	ID              string          `json:"id" db:"id"`
	OrganizationID  string          `json:"organization_id" db:"organization_id"`
	AudienceID      string          `json:"audience_id,omitempty" db:"audience_id"`
	Name            string          `json:"name" db:"name"`
	From            string          `json:"from" db:"from_address"`
	ReplyTo         string          `json:"reply_to,omitempty" db:"reply_to"`
	Subject         string          `json:"subject" db:"subject"`
	HTML            string          `json:"html,omitempty" db:"html"`
	Text            string          `json:"text,omitempty" db:"text"`
	Status          BroadcastStatus `json:"status" db:"status"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty" db:"scheduled_at"`
	TotalRecipients int             `json:"total_recipients" db:"total_recipients"`
	SentCount       int             `json:"sent_count" db:"sent_count"`
	FailedCount     int             `json:"failed_count" db:"failed_count"`
	ResumeCount     int             `json:"resume_count" db:"resume_count"`
	SentAt          *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	Error           string          `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the broadcast is in a final state.
func (b *Broadcast) IsTerminal() bool {
	return b.Status == BroadcastSent || b.Status == BroadcastFailed || b.Status == BroadcastCancelled
}

// HasContent reports whether the broadcast carries an html or text body.
func (b *Broadcast) HasContent() bool {
	return b.HTML != "" || b.Text != ""
}

// RecipientStatus tracks one snapshot row through a send.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// BroadcastRecipient is one row of the audience snapshot taken when the
// broadcast moved to sending.
type BroadcastRecipient struct {
	BroadcastID string          `json:"broadcast_id" db:"broadcast_id"`
	ContactID   string          `json:"contact_id" db:"contact_id"`
	Email       string          `json:"email" db:"email"`
	FirstName   string          `json:"first_name,omitempty" db:"first_name"`
	LastName    string          `json:"last_name,omitempty" db:"last_name"`
	Position    int             `json:"position" db:"position"`
	Status      RecipientStatus `json:"status" db:"status"`
	EmailID     string          `json:"email_id,omitempty" db:"email_id"`
	Error       string          `json:"error,omitempty" db:"error"`
}

// Contact returns the recipient as a contact value for personalization.
func (r *BroadcastRecipient) Contact(orgID string) Contact {
	return Contact{
		ID:             r.ContactID,
		OrganizationID: orgID,
		Email:          r.Email,
		FirstName:      r.FirstName,
		LastName:       r.LastName,
		Subscribed:     true,
	}
}

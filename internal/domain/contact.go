package domain

import (
	"strings"
	"time"
)

// Contact is a subscriber scoped to an organization and optionally an audience.
type Contact struct {
	ID                string     `json:"id" db:"id"`
	OrganizationID    string     `json:"organization_id" db:"organization_id"`
	AudienceID        string     `json:"audience_id,omitempty" db:"audience_id"`
	Email             string     `json:"email" db:"email"`
	FirstName         string     `json:"first_name,omitempty" db:"first_name"`
	LastName          string     `json:"last_name,omitempty" db:"last_name"`
	Subscribed        bool       `json:"subscribed" db:"subscribed"`
	UnsubscribedAt    *time.Time `json:"unsubscribed_at,omitempty" db:"unsubscribed_at"`
	UnsubscribeReason string     `json:"unsubscribe_reason,omitempty" db:"unsubscribe_reason"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// DisplayName joins first and last name, falling back to the email address.
func (c *Contact) DisplayName() string {
	name := strings.TrimSpace(strings.Join([]string{c.FirstName, c.LastName}, " "))
	if name == "" {
		return c.Email
	}
	return name
}

// NormalizeEmail lower-cases and trims an address for case-insensitive matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Unsubscribe reasons written by the engine.
const (
	ReasonHardBouncePrefix = "Hard bounce: "
	ReasonComplaintPrefix  = "Complaint: "
	ReasonUnsubscribeLink  = "Unsubscribed via link"
)

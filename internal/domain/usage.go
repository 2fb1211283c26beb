package domain

import "time"

// Plan names a billing plan.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanScale      Plan = "scale"
	PlanEnterprise Plan = "enterprise"
)

// Unlimited marks a plan without a monthly cap.
const Unlimited = -1

// UsageStat names a per-period counter column.
type UsageStat string

const (
	StatEmailsSent       UsageStat = "emails_sent"
	StatEmailsDelivered  UsageStat = "emails_delivered"
	StatEmailsBounced    UsageStat = "emails_bounced"
	StatEmailsComplained UsageStat = "emails_complained"
	StatEmailsOpened     UsageStat = "emails_opened"
	StatEmailsClicked    UsageStat = "emails_clicked"
)

// Valid reports whether the stat names a known counter.
func (s UsageStat) Valid() bool {
	switch s {
	case StatEmailsSent, StatEmailsDelivered, StatEmailsBounced,
		StatEmailsComplained, StatEmailsOpened, StatEmailsClicked:
		return true
	}
	return false
}

// Subscription is an organization's billing plan and its state.
type Subscription struct {
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Plan           Plan   `json:"plan" db:"plan"`
	Status         string `json:"status" db:"status"`
}

// UsagePeriod is one organization's counters for a billing month.
type UsagePeriod struct {
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	PeriodStart    time.Time `json:"period_start" db:"period_start"`
	PeriodEnd      time.Time `json:"period_end" db:"period_end"`
	EmailsSent     int       `json:"emails_sent" db:"emails_sent"`
}

// MonthBounds returns the first instant of t's month and the last day of it,
// both in UTC.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	return start, end
}

// APIKey is a hashed credential that authenticates one organization.
type APIKey struct {
	ID             string     `json:"id" db:"id"`
	OrganizationID string     `json:"organization_id" db:"organization_id"`
	KeyHash        string     `json:"-" db:"key_hash"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

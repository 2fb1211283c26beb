package delivery

import (
	"encoding/json"
	"fmt"
	"time"
)

// SNS envelope types.
const (
	SNSSubscriptionConfirmation = "SubscriptionConfirmation"
	SNSNotification             = "Notification"
	SNSUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// Notification kinds.
const (
	KindBounce    = "Bounce"
	KindComplaint = "Complaint"
	KindDelivery  = "Delivery"
)

// Bounce types reported by SES.
const (
	BouncePermanent    = "Permanent"
	BounceTransient    = "Transient"
	BounceUndetermined = "Undetermined"
)

// Envelope is the SNS HTTP/SQS wrapper around an SES notification.
type Envelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Subject      string `json:"Subject,omitempty"`
	Message      string `json:"Message"`
	Timestamp    string `json:"Timestamp"`
	SubscribeURL string `json:"SubscribeURL,omitempty"`
	Token        string `json:"Token,omitempty"`
}

// Notification is an SES bounce, complaint or delivery notification. Both
// the legacy notificationType and the event-publishing eventType shapes
// decode into it.
type Notification struct {
	NotificationType string     `json:"notificationType,omitempty"`
	EventType        string     `json:"eventType,omitempty"`
	Mail             Mail       `json:"mail"`
	Bounce           *Bounce    `json:"bounce,omitempty"`
	Complaint        *Complaint `json:"complaint,omitempty"`
	Delivery         *Delivery  `json:"delivery,omitempty"`
}

// Mail identifies the original message.
type Mail struct {
	MessageID   string   `json:"messageId"`
	Timestamp   string   `json:"timestamp"`
	Source      string   `json:"source"`
	Destination []string `json:"destination"`
}

type BouncedRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Action         string `json:"action,omitempty"`
	Status         string `json:"status,omitempty"`
	DiagnosticCode string `json:"diagnosticCode,omitempty"`
}

type Bounce struct {
	BounceType        string             `json:"bounceType"`
	BounceSubType     string             `json:"bounceSubType"`
	BouncedRecipients []BouncedRecipient `json:"bouncedRecipients"`
	Timestamp         string             `json:"timestamp"`
	FeedbackID        string             `json:"feedbackId"`
}

type ComplainedRecipient struct {
	EmailAddress string `json:"emailAddress"`
}

type Complaint struct {
	ComplainedRecipients  []ComplainedRecipient `json:"complainedRecipients"`
	ComplaintFeedbackType string                `json:"complaintFeedbackType,omitempty"`
	Timestamp             string                `json:"timestamp"`
	FeedbackID            string                `json:"feedbackId"`
}

type Delivery struct {
	Timestamp            string   `json:"timestamp"`
	ProcessingTimeMillis int64    `json:"processingTimeMillis"`
	Recipients           []string `json:"recipients"`
	SMTPResponse         string   `json:"smtpResponse"`
	ReportingMTA         string   `json:"reportingMTA"`
}

// Kind returns Bounce, Complaint or Delivery, or "" for anything else.
func (n *Notification) Kind() string {
	k := n.NotificationType
	if k == "" {
		k = n.EventType
	}
	switch k {
	case KindBounce, KindComplaint, KindDelivery:
		return k
	}
	return ""
}

// ParseEnvelope decodes an SNS envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode sns envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode sns envelope: missing Type")
	}
	return &env, nil
}

// ParseNotification decodes the SES notification carried in an envelope's
// Message.
func ParseNotification(message string) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(message), &n); err != nil {
		return nil, fmt.Errorf("decode ses notification: %w", err)
	}
	return &n, nil
}

// parseTime reads an SES timestamp, falling back to fallback when it is
// absent or malformed.
func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallback
	}
	return t.UTC()
}

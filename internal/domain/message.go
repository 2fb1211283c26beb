package domain

// OutboundMessage is the fully-resolved message handed to a transport.
// By the time a message reaches this struct, personalization and
// tracking injection are complete.
type OutboundMessage struct {
	EmailID     string            `json:"email_id"`
	From        string            `json:"from"`
	To          []string          `json:"to"`
	CC          []string          `json:"cc,omitempty"`
	BCC         []string          `json:"bcc,omitempty"`
	ReplyTo     []string          `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	HTML        string            `json:"html,omitempty"`
	Text        string            `json:"text,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Tags        []Tag             `json:"tags,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// Attachment is a file carried with a message. Either Content is set or
// Path references an object (s3://bucket/key) resolved at send time.
type Attachment struct {
	Filename    string `json:"filename" validate:"required"`
	Content     []byte `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Path        string `json:"path,omitempty"`
}

// SendResult is returned by a transport after a successful hand-off.
type SendResult struct {
	MessageID string `json:"message_id"`
	Transport string `json:"transport"`
}

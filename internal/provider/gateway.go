package provider

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/metrics"
	"github.com/google/uuid"
)

// ErrNoTransport is returned when neither SES nor SMTP is configured.
var ErrNoTransport = errors.New("no email transport configured")

// DeliveryError wraps any transport failure with the message it concerned.
type DeliveryError struct {
	Recipient string
	Message   string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %s", e.Recipient, e.Message)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Envelope is the SMTP-level addressing of a rendered message.
type Envelope struct {
	From       string
	Recipients []string
	Tags       []domain.Tag
}

// Transport hands a rendered RFC 5322 message to a relay. It returns the
// relay's message id.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, env Envelope, raw []byte) (string, error)
}

// AttachmentResolver loads attachment content referenced by path.
type AttachmentResolver interface {
	Fetch(ctx context.Context, path string) (content []byte, contentType string, err error)
}

// Gateway is the uniform send entry point used by the orchestrator and the
// broadcast dispatcher. It is safe for concurrent use.
type Gateway struct {
	transport Transport
	resolver  AttachmentResolver
	timeout   time.Duration
	idDomain  string
}

// NewGateway wraps transport. resolver may be nil when attachments are
// always inline. timeout <= 0 disables the per-call deadline.
func NewGateway(transport Transport, resolver AttachmentResolver, timeout time.Duration, idDomain string) *Gateway {
	return &Gateway{transport: transport, resolver: resolver, timeout: timeout, idDomain: idDomain}
}

// Transport returns the active transport's name.
func (g *Gateway) Transport() string { return g.transport.Name() }

// Send renders msg and delivers it through the active transport.
func (g *Gateway) Send(ctx context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	recipient := firstRecipient(msg)

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	attachments, err := g.resolveAttachments(ctx, msg.Attachments)
	if err != nil {
		return nil, &DeliveryError{Recipient: recipient, Message: err.Error(), Err: err}
	}

	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		err = fmt.Errorf("parse from address: %w", err)
		return nil, &DeliveryError{Recipient: recipient, Message: err.Error(), Err: err}
	}

	messageID := g.messageID(from.Address)
	raw, err := renderMIME(msg, attachments, messageID)
	if err != nil {
		return nil, &DeliveryError{Recipient: recipient, Message: err.Error(), Err: err}
	}

	env := Envelope{From: from.Address, Tags: msg.Tags}
	for _, list := range [][]string{msg.To, msg.CC, msg.BCC} {
		for _, a := range list {
			addr, err := mail.ParseAddress(a)
			if err != nil {
				err = fmt.Errorf("parse recipient %q: %w", a, err)
				return nil, &DeliveryError{Recipient: recipient, Message: err.Error(), Err: err}
			}
			env.Recipients = append(env.Recipients, addr.Address)
		}
	}

	start := time.Now()
	id, err := g.transport.Deliver(ctx, env, raw)
	metrics.ObserveProviderSend(g.transport.Name(), err == nil, time.Since(start).Seconds())
	if err != nil {
		return nil, &DeliveryError{Recipient: recipient, Message: err.Error(), Err: err}
	}
	if id == "" {
		id = strings.Trim(messageID, "<>")
	}
	return &domain.SendResult{MessageID: id, Transport: g.transport.Name()}, nil
}

func (g *Gateway) resolveAttachments(ctx context.Context, in []domain.Attachment) ([]domain.Attachment, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]domain.Attachment, len(in))
	for i, a := range in {
		out[i] = a
		if len(a.Content) > 0 || a.Path == "" {
			continue
		}
		if g.resolver == nil {
			return nil, fmt.Errorf("attachment %s: path attachments are not enabled", a.Filename)
		}
		content, ct, err := g.resolver.Fetch(ctx, a.Path)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", a.Filename, err)
		}
		out[i].Content = content
		if out[i].ContentType == "" {
			out[i].ContentType = ct
		}
	}
	return out, nil
}

func (g *Gateway) messageID(fromAddr string) string {
	host := g.idDomain
	if host == "" {
		if _, d, ok := strings.Cut(fromAddr, "@"); ok {
			host = d
		} else {
			host = "localhost"
		}
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
}

func firstRecipient(msg *domain.OutboundMessage) string {
	switch {
	case len(msg.To) > 0:
		return msg.To[0]
	case len(msg.CC) > 0:
		return msg.CC[0]
	case len(msg.BCC) > 0:
		return msg.BCC[0]
	}
	return ""
}

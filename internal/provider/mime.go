package provider

import (
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/jhillyerd/enmime"
)

// renderMIME builds the wire form of msg. Bcc recipients are carried in
// the envelope only and never appear in headers.
func renderMIME(msg *domain.OutboundMessage, attachments []domain.Attachment, messageID string) ([]byte, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("parse from: %w", err)
	}

	b := enmime.Builder().
		From(from.Name, from.Address).
		Subject(msg.Subject).
		Header("Message-Id", messageID)

	for _, list := range []struct {
		addrs []string
		add   func(enmime.MailBuilder, string, string) enmime.MailBuilder
	}{
		{msg.To, enmime.MailBuilder.To},
		{msg.CC, enmime.MailBuilder.CC},
		{msg.BCC, enmime.MailBuilder.BCC},
	} {
		for _, a := range list.addrs {
			addr, err := mail.ParseAddress(a)
			if err != nil {
				return nil, fmt.Errorf("parse recipient %q: %w", a, err)
			}
			b = list.add(b, addr.Name, addr.Address)
		}
	}

	if len(msg.ReplyTo) > 0 {
		b = b.Header("Reply-To", strings.Join(msg.ReplyTo, ", "))
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b = b.Header(k, msg.Headers[k])
	}

	if msg.Text != "" {
		b = b.Text([]byte(msg.Text))
	}
	if msg.HTML != "" {
		b = b.HTML([]byte(msg.HTML))
	}

	for _, a := range attachments {
		ct := a.ContentType
		if ct == "" {
			ct = mime.TypeByExtension(filepath.Ext(a.Filename))
		}
		if ct == "" {
			ct = "application/octet-stream"
		}
		b = b.AddAttachment(a.Content, ct, a.Filename)
	}

	part, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build mime: %w", err)
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode mime: %w", err)
	}
	return buf.Bytes(), nil
}

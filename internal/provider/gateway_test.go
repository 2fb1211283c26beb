package provider

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu    sync.Mutex
	envs  []Envelope
	raws  [][]byte
	id    string
	err   error
	block bool
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Deliver(ctx context.Context, env Envelope, raw []byte) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	f.raws = append(f.raws, raw)
	return f.id, f.err
}

type fakeResolver struct {
	content map[string][]byte
}

func (r *fakeResolver) Fetch(_ context.Context, path string) ([]byte, string, error) {
	c, ok := r.content[path]
	if !ok {
		return nil, "", errors.New("no such object")
	}
	return c, "application/pdf", nil
}

func testMessage() *domain.OutboundMessage {
	return &domain.OutboundMessage{
		EmailID: "e1",
		From:    "Acme <hello@acme.test>",
		To:      []string{"Ann <ann@example.com>"},
		CC:      []string{"cc@example.com"},
		BCC:     []string{"hidden@example.com"},
		ReplyTo: []string{"support@acme.test"},
		Subject: "Welcome",
		HTML:    "<p>Hi</p>",
		Text:    "Hi",
		Headers: map[string]string{"List-Unsubscribe": "<https://t.test/u/1>"},
	}
}

func TestGatewaySendRendersMIME(t *testing.T) {
	tr := &fakeTransport{id: "prov-1"}
	g := NewGateway(tr, nil, time.Second, "")

	res, err := g.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "prov-1", res.MessageID)
	assert.Equal(t, "fake", res.Transport)

	require.Len(t, tr.envs, 1)
	assert.Equal(t, "hello@acme.test", tr.envs[0].From)
	assert.Equal(t, []string{"ann@example.com", "cc@example.com", "hidden@example.com"}, tr.envs[0].Recipients)

	env, err := enmime.ReadEnvelope(bytes.NewReader(tr.raws[0]))
	require.NoError(t, err)
	assert.Equal(t, "Welcome", env.GetHeader("Subject"))
	assert.Contains(t, env.GetHeader("To"), "ann@example.com")
	assert.Contains(t, env.GetHeader("Cc"), "cc@example.com")
	assert.Empty(t, env.GetHeader("Bcc"), "bcc must stay out of headers")
	assert.Equal(t, "support@acme.test", env.GetHeader("Reply-To"))
	assert.Equal(t, "<https://t.test/u/1>", env.GetHeader("List-Unsubscribe"))
	assert.Contains(t, env.GetHeader("Message-Id"), "@acme.test>")
	assert.Equal(t, "Hi", env.Text)
	assert.Contains(t, env.HTML, "<p>Hi</p>")
}

func TestGatewayFallsBackToGeneratedMessageID(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGateway(tr, nil, 0, "mail.unosend.test")

	res, err := g.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Contains(t, res.MessageID, "@mail.unosend.test")
	assert.NotContains(t, res.MessageID, "<")
}

func TestGatewayWrapsTransportError(t *testing.T) {
	cause := errors.New("554 rejected")
	g := NewGateway(&fakeTransport{err: cause}, nil, time.Second, "")

	_, err := g.Send(context.Background(), testMessage())
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "Ann <ann@example.com>", de.Recipient)
	assert.ErrorIs(t, err, cause)
}

func TestGatewayPerCallTimeout(t *testing.T) {
	g := NewGateway(&fakeTransport{block: true}, nil, 20*time.Millisecond, "")

	start := time.Now()
	_, err := g.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGatewayResolvesPathAttachments(t *testing.T) {
	tr := &fakeTransport{id: "x"}
	res := &fakeResolver{content: map[string][]byte{"s3://bucket/invoice.pdf": []byte("%PDF-1.4")}}
	g := NewGateway(tr, res, time.Second, "")

	msg := testMessage()
	msg.Attachments = []domain.Attachment{
		{Filename: "invoice.pdf", Path: "s3://bucket/invoice.pdf"},
		{Filename: "notes.txt", Content: []byte("inline")},
	}
	_, err := g.Send(context.Background(), msg)
	require.NoError(t, err)

	env, err := enmime.ReadEnvelope(bytes.NewReader(tr.raws[0]))
	require.NoError(t, err)
	require.Len(t, env.Attachments, 2)
	assert.Equal(t, "invoice.pdf", env.Attachments[0].FileName)
	assert.Equal(t, []byte("%PDF-1.4"), env.Attachments[0].Content)
	assert.Equal(t, []byte("inline"), env.Attachments[1].Content)
}

func TestGatewayPathAttachmentWithoutResolver(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGateway(tr, nil, time.Second, "")

	msg := testMessage()
	msg.Attachments = []domain.Attachment{{Filename: "a.pdf", Path: "s3://b/a.pdf"}}
	_, err := g.Send(context.Background(), msg)

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Empty(t, tr.envs, "nothing reaches the transport")
}

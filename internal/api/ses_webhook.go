package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bittucreator/unosend-sub001/internal/pkg/httputil"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
	"github.com/bittucreator/unosend-sub001/internal/service/delivery"
)

var errUntrustedSubscribeURL = errors.New("subscribe url is not an https SNS endpoint")

// maxCallbackBytes bounds one SNS delivery; SNS messages are at most 256 KiB.
const maxCallbackBytes = 1 << 20

// NotificationHandler applies provider notifications, such as
// delivery.Ingestor.
type NotificationHandler interface {
	HandleEnvelope(ctx context.Context, env *delivery.Envelope) error
	Handle(ctx context.Context, n *delivery.Notification) error
}

// URLGetter confirms SNS subscriptions, such as httpretry.RetryClient.
type URLGetter interface {
	Get(ctx context.Context, url string) error
}

// SESWebhook receives SES notifications pushed by SNS over HTTPS.
type SESWebhook struct {
	ingestor NotificationHandler
	confirm  URLGetter
}

// NewSESWebhook creates the callback handler.
func NewSESWebhook(ingestor NotificationHandler, confirm URLGetter) *SESWebhook {
	return &SESWebhook{ingestor: ingestor, confirm: confirm}
}

// Handle serves POST /webhooks/ses. Store failures answer 500 so SNS
// redelivers; everything else well-formed answers 200.
func (h *SESWebhook) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}
	env, err := delivery.ParseEnvelope(body)
	if err != nil {
		h.handleRaw(w, r, body)
		return
	}

	switch env.Type {
	case delivery.SNSSubscriptionConfirmation:
		if err := h.confirmSubscription(r.Context(), env); err != nil {
			logger.Error("ses webhook: subscription confirmation failed", "component", "api",
				"topic", env.TopicArn, "error", err)
			httputil.Error(w, http.StatusBadGateway, "subscription confirmation failed")
			return
		}
		logger.Info("ses webhook: subscription confirmed", "component", "api", "topic", env.TopicArn)
	default:
		if err := h.ingestor.HandleEnvelope(r.Context(), env); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}
	httputil.OK(w, map[string]string{"status": "ok"})
}

// handleRaw accepts an SES notification posted without the SNS wrapper,
// as SES event destinations can be configured to do.
func (h *SESWebhook) handleRaw(w http.ResponseWriter, r *http.Request, body []byte) {
	n, err := delivery.ParseNotification(string(body))
	if err != nil || n.Kind() == "" {
		httputil.BadRequest(w, "invalid JSON")
		return
	}
	if err := h.ingestor.Handle(r.Context(), n); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "ok"})
}

// confirmSubscription follows only https://sns.*.amazonaws.com URLs.
func (h *SESWebhook) confirmSubscription(ctx context.Context, env *delivery.Envelope) error {
	u, err := url.Parse(env.SubscribeURL)
	if err != nil || u.Scheme != "https" || !strings.HasPrefix(u.Hostname(), "sns.") ||
		!strings.HasSuffix(u.Hostname(), ".amazonaws.com") {
		return &url.Error{Op: "confirm", URL: env.SubscribeURL, Err: errUntrustedSubscribeURL}
	}
	return h.confirm.Get(ctx, env.SubscribeURL)
}

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittucreator/unosend-sub001/internal/api"
	"github.com/bittucreator/unosend-sub001/internal/auth"
	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/provider"
	"github.com/bittucreator/unosend-sub001/internal/service/broadcast"
	"github.com/bittucreator/unosend-sub001/internal/service/quota"
	"github.com/bittucreator/unosend-sub001/internal/service/sending"
)

const (
	testKey = "un_live_test_key"
	testOrg = "org-1"
)

type keyStore struct{}

func (keyStore) FindByHash(_ context.Context, hash string) (*domain.APIKey, error) {
	if hash != auth.HashKey(testKey) {
		return nil, auth.ErrKeyNotFound
	}
	return &domain.APIKey{ID: "key-1", OrganizationID: testOrg, KeyHash: hash}, nil
}

func (keyStore) TouchLastUsed(context.Context, string) error { return nil }

// fakeEmails picks its behaviour from the request subject.
type fakeEmails struct {
	mu     sync.Mutex
	orgs   []string
	emails map[string]*domain.Email
}

func (f *fakeEmails) Send(_ context.Context, orgID string, in sending.SendInput) (*domain.Email, error) {
	f.mu.Lock()
	f.orgs = append(f.orgs, orgID)
	f.mu.Unlock()

	switch in.Subject {
	case "invalid":
		return nil, &sending.ValidationError{Fields: map[string]string{"from": "is required"}}
	case "quota":
		return nil, &quota.LimitError{Plan: "free", Current: 5000, Limit: 5000, Exceeded: true}
	case "transport":
		return &domain.Email{ID: "email-failed", Status: domain.EmailFailed},
			&provider.DeliveryError{Recipient: "a@example.com", Message: "relay refused", Err: errors.New("554")}
	case "broken":
		return nil, errors.New("connection reset by peer")
	}
	return &domain.Email{ID: "email-1", Status: domain.EmailSent}, nil
}

func (f *fakeEmails) SendBatch(_ context.Context, _ string, inputs []sending.SendInput) ([]sending.BatchResult, error) {
	if len(inputs) == 0 {
		return nil, &sending.ValidationError{Fields: map[string]string{"emails": "at least one email is required"}}
	}
	if len(inputs) > 2 {
		return nil, &quota.LimitError{Plan: "free", Current: 4999, Limit: 5000, Remaining: 1, Requested: len(inputs)}
	}
	out := make([]sending.BatchResult, len(inputs))
	for i := range inputs {
		out[i] = sending.BatchResult{ID: fmt.Sprintf("email-%d", i), Status: "sent"}
	}
	out[len(out)-1] = sending.BatchResult{ID: "email-x", Status: "failed", Error: "relay refused"}
	return out, nil
}

func (f *fakeEmails) Get(_ context.Context, orgID, id string) (*domain.Email, error) {
	e, ok := f.emails[id]
	if !ok || e.OrganizationID != orgID {
		return nil, sending.ErrNotFound
	}
	return e, nil
}

type fakeBroadcasts struct {
	failReason string
	scheduled  time.Time
}

func (f *fakeBroadcasts) Get(_ context.Context, orgID, id string) (*domain.Broadcast, error) {
	if id != "b-1" {
		return nil, broadcast.ErrNotFound
	}
	return &domain.Broadcast{ID: id, OrganizationID: orgID, Status: domain.BroadcastSending, SentCount: 50}, nil
}

func (f *fakeBroadcasts) Trigger(_ context.Context, _, id string) (*broadcast.TriggerResult, error) {
	switch id {
	case "b-1":
		return &broadcast.TriggerResult{ID: id, Status: "sending", TotalRecipients: 120}, nil
	case "b-sending":
		return nil, broadcast.ErrAlreadySending
	case "b-empty":
		return nil, broadcast.ErrNoSubscribers
	case "b-quota":
		return nil, &quota.LimitError{Plan: "free", Current: 4995, Limit: 5000, Remaining: 5, Requested: 10}
	}
	return nil, broadcast.ErrNotFound
}

func (f *fakeBroadcasts) Schedule(_ context.Context, _, id string, at time.Time) (*domain.Broadcast, error) {
	if at.Before(time.Now()) {
		return nil, broadcast.ErrScheduleInPast
	}
	f.scheduled = at
	return &domain.Broadcast{ID: id, Status: domain.BroadcastScheduled, ScheduledAt: &at}, nil
}

func (f *fakeBroadcasts) Cancel(_ context.Context, _, id string) (*domain.Broadcast, error) {
	if id == "b-draft" {
		return nil, fmt.Errorf("%w: only scheduled broadcasts can be cancelled", broadcast.ErrInvalidTransition)
	}
	return &domain.Broadcast{ID: id, Status: domain.BroadcastCancelled}, nil
}

func (f *fakeBroadcasts) Fail(_ context.Context, _, id, reason string) (*domain.Broadcast, error) {
	f.failReason = reason
	return &domain.Broadcast{ID: id, Status: domain.BroadcastFailed, Error: reason}, nil
}

type harness struct {
	router     http.Handler
	emails     *fakeEmails
	broadcasts *fakeBroadcasts
}

func newHarness(t *testing.T, mutate func(*api.Deps)) *harness {
	t.Helper()
	h := &harness{
		emails: &fakeEmails{emails: map[string]*domain.Email{
			"email-1": {ID: "email-1", OrganizationID: testOrg, Status: domain.EmailDelivered, Subject: "Hi"},
			"email-2": {ID: "email-2", OrganizationID: "org-2", Status: domain.EmailSent},
		}},
		broadcasts: &fakeBroadcasts{},
	}
	deps := api.Deps{
		Emails:     h.emails,
		Broadcasts: h.broadcasts,
		Auth:       auth.NewValidator(keyStore{}),
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.router = api.SetupRoutes(deps, nil)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAPIRequiresKey(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/emails/email-1", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/emails/email-1", nil)
	req.Header.Set("Authorization", "Bearer un_wrong")
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendEmailResponses(t *testing.T) {
	tests := []struct {
		subject string
		status  int
		check   func(t *testing.T, body map[string]any)
	}{
		{"Welcome", http.StatusCreated, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "email-1", body["id"])
			assert.Equal(t, "sent", body["status"])
		}},
		{"invalid", http.StatusUnprocessableEntity, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "validation_error", body["code"])
			assert.Equal(t, "is required", body["details"].(map[string]any)["from"])
		}},
		{"quota", http.StatusPaymentRequired, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "quota_exceeded", body["code"])
			assert.Contains(t, body["error"], "You've sent 5000 of 5000 emails")
			assert.EqualValues(t, 0, body["details"].(map[string]any)["remaining"])
		}},
		{"transport", http.StatusBadGateway, func(t *testing.T, body map[string]any) {
			details := body["details"].(map[string]any)
			assert.Equal(t, "email-failed", details["id"])
			assert.Equal(t, "failed", details["status"])
		}},
		{"broken", http.StatusInternalServerError, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "internal server error", body["error"])
		}},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			h := newHarness(t, nil)
			rec := h.do(t, http.MethodPost, "/api/v1/emails", map[string]any{
				"from": "a@acme.test", "to": "b@example.com", "subject": tt.subject, "html": "<p>x</p>",
			})
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			tt.check(t, decodeBody(t, rec))
			assert.Equal(t, []string{testOrg}, h.emails.orgs)
		})
	}
}

func TestSendEmailRejectsMalformedJSON(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/api/v1/emails", `{"from":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.emails.orgs)
}

func TestSendBatch(t *testing.T) {
	h := newHarness(t, nil)
	msg := map[string]any{"from": "a@acme.test", "to": []string{"b@example.com"}, "subject": "s", "text": "t"}

	rec := h.do(t, http.MethodPost, "/api/v1/emails/batch", []any{msg, msg})
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].([]any)
	require.Len(t, data, 2)
	assert.Equal(t, "sent", data[0].(map[string]any)["status"])
	assert.Equal(t, "relay refused", data[1].(map[string]any)["error"])

	rec = h.do(t, http.MethodPost, "/api/v1/emails/batch", []any{msg, msg, msg})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "You have 1 emails remaining")

	rec = h.do(t, http.MethodPost, "/api/v1/emails/batch", []any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetEmailScopedToOrganization(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/v1/emails/email-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delivered", decodeBody(t, rec)["status"])

	rec = h.do(t, http.MethodGet, "/api/v1/emails/email-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBroadcastSend(t *testing.T) {
	tests := []struct {
		id     string
		status int
		code   string
	}{
		{"b-1", http.StatusAccepted, ""},
		{"b-sending", http.StatusConflict, "state_conflict"},
		{"b-empty", http.StatusBadRequest, "invalid_broadcast"},
		{"b-quota", http.StatusPaymentRequired, "quota_exceeded"},
		{"missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			h := newHarness(t, nil)
			rec := h.do(t, http.MethodPost, "/api/v1/broadcasts/"+tt.id+"/send", nil)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decodeBody(t, rec)
			if tt.code != "" {
				assert.Equal(t, tt.code, body["code"])
			}
			if tt.status == http.StatusAccepted {
				assert.Equal(t, "sending", body["status"])
				assert.EqualValues(t, 120, body["total_recipients"])
			}
		})
	}
}

func TestBroadcastQuotaMessage(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/api/v1/broadcasts/b-quota/send", nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Sending 10 emails would exceed your monthly limit of 5000. You have 5 emails remaining.", body["error"])
	assert.EqualValues(t, 5, body["details"].(map[string]any)["remaining"])
}

func TestBroadcastScheduleAndCancel(t *testing.T) {
	h := newHarness(t, nil)
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	rec := h.do(t, http.MethodPost, "/api/v1/broadcasts/b-1/schedule", map[string]any{"scheduled_at": at})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "scheduled", decodeBody(t, rec)["status"])
	assert.True(t, h.broadcasts.scheduled.Equal(at))

	rec = h.do(t, http.MethodPost, "/api/v1/broadcasts/b-1/schedule", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/broadcasts/b-1/schedule",
		map[string]any{"scheduled_at": time.Now().Add(-time.Hour)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/broadcasts/b-1/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/broadcasts/b-draft/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBroadcastFailReason(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/broadcasts/b-1/fail", map[string]string{"reason": "stuck at 50%"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stuck at 50%", h.broadcasts.failReason)

	rec = h.do(t, http.MethodPost, "/api/v1/broadcasts/b-1/fail", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.broadcasts.failReason)
}

func TestBroadcastStatusPolling(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/api/v1/broadcasts/b-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sending", decodeBody(t, rec)["status"])
}

func TestRateLimitPerOrganization(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := newHarness(t, func(d *api.Deps) {
		d.RateLimit = auth.NewRateLimiter(client, 2)
	})

	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodGet, "/api/v1/emails/email-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := h.do(t, http.MethodGet, "/api/v1/emails/email-1", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

type pingRoute struct{}

func (pingRoute) Mount(r chi.Router) {
	r.Get("/track/open/{emailID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func TestPublicRoutesSkipAuth(t *testing.T) {
	h := newHarness(t, func(d *api.Deps) { d.Tracking = pingRoute{} })

	for path, want := range map[string]int{
		"/track/open/email-1": http.StatusTeapot,
		"/health":             http.StatusOK,
		"/health/live":        http.StatusOK,
		"/metrics":            http.StatusOK,
	} {
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}
}

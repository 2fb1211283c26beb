package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bittucreator/unosend-sub001/internal/auth"
	"github.com/bittucreator/unosend-sub001/internal/pkg/httputil"
)

type broadcastHandlers struct {
	svc BroadcastService
}

type scheduleRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (h *broadcastHandlers) get(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Get(r.Context(), auth.OrgID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, b)
}

// send starts delivery and answers as soon as the broadcast is sending.
func (h *broadcastHandlers) send(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Trigger(r.Context(), auth.OrgID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Accepted(w, res)
}

func (h *broadcastHandlers) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ScheduledAt == nil {
		httputil.ErrorCode(w, http.StatusUnprocessableEntity, "validation_error", "validation failed",
			map[string]string{"scheduled_at": "is required"})
		return
	}

	b, err := h.svc.Schedule(r.Context(), auth.OrgID(r.Context()), chi.URLParam(r, "id"), *req.ScheduledAt)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, b)
}

func (h *broadcastHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Cancel(r.Context(), auth.OrgID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, b)
}

// fail is the operator override for a stuck broadcast. The body is
// optional.
func (h *broadcastHandlers) fail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if r.ContentLength != 0 && !httputil.Decode(w, r, &req) {
		return
	}

	b, err := h.svc.Fail(r.Context(), auth.OrgID(r.Context()), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, b)
}

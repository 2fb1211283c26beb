package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bittucreator/unosend-sub001/internal/auth"
	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/pkg/httputil"
	"github.com/bittucreator/unosend-sub001/internal/service/sending"
)

type emailHandlers struct {
	svc EmailService
}

// sendResponse is the body of a successful or transport-failed send.
type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// send handles POST /api/v1/emails.
func (h *emailHandlers) send(w http.ResponseWriter, r *http.Request) {
	var in sending.SendInput
	if !httputil.Decode(w, r, &in) {
		return
	}

	e, err := h.svc.Send(r.Context(), auth.OrgID(r.Context()), in)
	switch {
	case err == nil:
		httputil.Created(w, sendResponse{ID: e.ID, Status: string(e.Status)})
	case e != nil:
		// the email exists and is failed; the transport refused it
		httputil.ErrorCode(w, http.StatusBadGateway, "transport_error", "email could not be delivered to the provider",
			sendResponse{ID: e.ID, Status: string(domain.EmailFailed)})
	default:
		writeServiceError(w, err)
	}
}

// sendBatch handles POST /api/v1/emails/batch. The body is a JSON array
// of send requests; per-message transport failures are reported inline.
func (h *emailHandlers) sendBatch(w http.ResponseWriter, r *http.Request) {
	var inputs []sending.SendInput
	if !httputil.Decode(w, r, &inputs) {
		return
	}

	results, err := h.svc.SendBatch(r.Context(), auth.OrgID(r.Context()), inputs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"data": results})
}

// get handles GET /api/v1/emails/{id}.
func (h *emailHandlers) get(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Get(r.Context(), auth.OrgID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, e)
}

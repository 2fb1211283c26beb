package api

import (
	"errors"
	"net/http"

	"github.com/bittucreator/unosend-sub001/internal/pkg/httputil"
	"github.com/bittucreator/unosend-sub001/internal/service/broadcast"
	"github.com/bittucreator/unosend-sub001/internal/service/quota"
	"github.com/bittucreator/unosend-sub001/internal/service/sending"
)

// quotaDetails is the body detail of a 402.
type quotaDetails struct {
	Plan      string `json:"plan,omitempty"`
	Current   int    `json:"current"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Requested int    `json:"requested,omitempty"`
}

// writeServiceError maps service errors onto HTTP responses. Anything
// unrecognised is a 500 with the cause logged and hidden.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		verr *sending.ValidationError
		lerr *quota.LimitError
	)
	switch {
	case errors.As(err, &verr):
		httputil.ErrorCode(w, http.StatusUnprocessableEntity, "validation_error", "validation failed", verr.Fields)
	case errors.As(err, &lerr):
		httputil.ErrorCode(w, http.StatusPaymentRequired, "quota_exceeded", lerr.Error(), quotaDetails{
			Plan:      lerr.Plan,
			Current:   lerr.Current,
			Limit:     lerr.Limit,
			Remaining: lerr.Remaining,
			Requested: lerr.Requested,
		})
	case errors.Is(err, quota.ErrLimitExceeded):
		httputil.ErrorCode(w, http.StatusPaymentRequired, "quota_exceeded", err.Error(), nil)
	case errors.Is(err, sending.ErrNotFound):
		httputil.NotFound(w, "email not found")
	case errors.Is(err, broadcast.ErrNotFound):
		httputil.NotFound(w, "broadcast not found")
	case broadcast.IsStateConflict(err):
		httputil.Conflict(w, err.Error())
	case broadcast.IsValidation(err):
		httputil.ErrorCode(w, http.StatusBadRequest, "invalid_broadcast", err.Error(), nil)
	default:
		httputil.InternalError(w, err)
	}
}

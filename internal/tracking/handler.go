package tracking

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/content"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/osteele/liquid"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

const unsubscribePage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{ title | escape }}</title></head>
<body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
  <h1>{{ title | escape }}</h1>
  <p>{{ message | escape }}</p>
{% if confirm %}
  <form method="post" action="{{ action | escape }}">
    <button type="submit">Unsubscribe</button>
  </form>
{% endif %}
</body>
</html>`

// recordTimeout bounds bookkeeping for one tracking hit. It runs detached
// from the request so a client hanging up does not drop the event.
const recordTimeout = 10 * time.Second

// Handler serves the public tracking endpoints.
type Handler struct {
	rec     *Recorder
	baseURL string
	page    *liquid.Template
}

// NewHandler creates a handler. baseURL is the click fallback target.
func NewHandler(rec *Recorder, baseURL string) (*Handler, error) {
	page, err := liquid.NewEngine().ParseString(unsubscribePage)
	if err != nil {
		return nil, err
	}
	return &Handler{rec: rec, baseURL: strings.TrimRight(baseURL, "/"), page: page}, nil
}

// Mount registers the tracking routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/track/open/{emailID}", h.HandleOpen)
	r.Get("/track/click/{linkID}", h.HandleClick)
	r.Get("/unsubscribe/{token}", h.HandleUnsubscribePage)
	r.Post("/unsubscribe/{token}", h.HandleUnsubscribe)
}

// HandleOpen always answers with the pixel.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	emailID := chi.URLParam(r, "emailID")
	ctx, cancel := detached(r.Context())
	defer cancel()

	if err := h.rec.RecordOpen(ctx, emailID, hitFrom(r)); err != nil && !errors.Is(err, ErrNotFound) {
		logger.Error("tracking: record open", "component", "tracking", "email_id", emailID, "error", err)
	}
	servePixel(w)
}

// HandleClick always redirects, even when the link is unknown.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	linkID := chi.URLParam(r, "linkID")
	target := r.URL.Query().Get("url")
	if target != "" && !isHTTPURL(target) {
		target = ""
	}
	ctx, cancel := detached(r.Context())
	defer cancel()

	dest, err := h.rec.RecordClick(ctx, linkID, target, h.baseURL, hitFrom(r))
	if err != nil {
		logger.Error("tracking: record click", "component", "tracking", "link_id", linkID, "error", err)
	}
	if dest == "" {
		dest = h.baseURL
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

// HandleUnsubscribePage renders the confirmation page. The contact is
// unsubscribed only by the POST, since mail scanners prefetch links.
func (h *Handler) HandleUnsubscribePage(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if _, _, err := h.rec.unsub.Verify(token); err != nil {
		h.render(w, http.StatusBadRequest, "Invalid link", "This unsubscribe link is invalid or has expired.", false, "")
		return
	}
	h.render(w, http.StatusOK, "Unsubscribe", "Click below to stop receiving these emails.", true, r.URL.Path)
}

// HandleUnsubscribe is the RFC 8058 one-click endpoint and the target of
// the confirmation form.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	ctx, cancel := detached(r.Context())
	defer cancel()

	err := h.rec.Unsubscribe(ctx, token)
	switch {
	case errors.Is(err, content.ErrInvalidToken):
		h.render(w, http.StatusBadRequest, "Invalid link", "This unsubscribe link is invalid or has expired.", false, "")
	case err != nil:
		logger.Error("tracking: unsubscribe", "component", "tracking", "error", err)
		h.render(w, http.StatusInternalServerError, "Something went wrong", "Please try again later.", false, "")
	default:
		h.render(w, http.StatusOK, "You have been unsubscribed", "You will no longer receive these emails.", false, "")
	}
}

func (h *Handler) render(w http.ResponseWriter, status int, title, message string, confirm bool, action string) {
	out, err := h.page.RenderString(liquid.Bindings{
		"title":   title,
		"message": message,
		"confirm": confirm,
		"action":  action,
	})
	if err != nil {
		logger.Error("tracking: render page", "component", "tracking", "error", err)
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(out))
}

func servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

func hitFrom(r *http.Request) Hit {
	return Hit{UserAgent: r.UserAgent(), IP: realIP(r)}
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

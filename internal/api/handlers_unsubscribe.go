package api

import (
	"net/http"
	"strings"

	"github.com/ignite/delivery-engine/internal/pkg/httputil"
)

// handleUnsubscribe serves both the visible link (GET) and RFC 8058
// one-click unsubscribe (POST). Parameters come from the query string; a
// POST may also carry them as a form body.
//
//	GET|POST /unsubscribe?email=&message_id=&sig=
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		if err := r.ParseForm(); err != nil {
			httputil.BadRequest(w, "invalid form body")
			return
		}
	}
	email := strings.TrimSpace(r.FormValue("email"))
	messageID := r.FormValue("message_id")
	sig := r.FormValue("sig")
	if email == "" || sig == "" {
		httputil.BadRequest(w, "email and sig are required")
		return
	}

	if err := s.engine.HandleUnsubscribe(r.Context(), email, messageID, sig); err != nil {
		writeError(w, err)
		return
	}
	if r.Method == http.MethodPost {
		httputil.OK(w, map[string]string{"status": "unsubscribed"})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<!doctype html><title>Unsubscribed</title><p>You have been unsubscribed.</p>"))
}

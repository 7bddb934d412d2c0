package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wamax/wamax/internal/qr"
	"github.com/wamax/wamax/internal/session"
)

const (
	qrWaitMin     = time.Second
	qrWaitMax     = 60 * time.Second
	qrWaitDefault = 30 * time.Second
)

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func validSessionID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if !validSessionID(req.SessionID) {
		respondError(w, http.StatusBadRequest, "validation_error",
			"sessionId is required: 1-64 chars of [a-zA-Z0-9_-]")
		return
	}

	snap, err := s.manager.Create(r.Context(), req.SessionID)
	if err != nil {
		respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.GetStatus(chi.URLParam(r, "id"))
	if err != nil {
		respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// qrWait parses the wait/timeout query knobs: wait=1 blocks up to timeout,
// clamped to 1s..60s.
func qrWait(r *http.Request) (bool, time.Duration) {
	q := r.URL.Query()
	wait := q.Get("wait") == "1" || strings.EqualFold(q.Get("wait"), "true")
	timeout := qrWaitDefault
	if raw := strings.TrimSpace(q.Get("timeout")); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if timeout < qrWaitMin {
		timeout = qrWaitMin
	}
	if timeout > qrWaitMax {
		timeout = qrWaitMax
	}
	return wait, timeout
}

// respondQRError translates the pairing-specific outcomes: 204 when the
// session no longer needs pairing, 202 while the code is not available yet.
func respondQRError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrAlreadyAuthenticated):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrQRTimeout):
		respondError(w, http.StatusAccepted, "qr_timeout", err.Error())
	case errors.Is(err, session.ErrQRNotReady):
		respondError(w, http.StatusAccepted, "qr_not_ready", err.Error())
	default:
		respondManagerError(w, err)
	}
}

func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wait, timeout := qrWait(r)

	var dataURL string
	var err error
	if wait {
		dataURL, err = s.manager.WaitForQRDataURL(id, timeout)
	} else {
		dataURL, err = s.manager.GetQRDataURL(id)
	}
	if err != nil {
		respondQRError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"dataUrl": dataURL})
}

func (s *Server) handleSessionQRPNG(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wait, timeout := qrWait(r)
	width := qr.DefaultWidth
	if raw := strings.TrimSpace(r.URL.Query().Get("w")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			width = n
		}
	}
	width = qr.ClampWidth(width)

	var png []byte
	var err error
	if wait {
		png, err = s.manager.WaitForQRPNG(id, width, timeout)
	} else {
		png, err = s.manager.GetQRPNG(id, width)
	}
	if err != nil {
		respondQRError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleSessionChats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	chats, err := s.manager.ListChats(r.Context(), chi.URLParam(r, "id"), page, limit)
	if err != nil {
		respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chats)
}

type webhookRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	// An empty url clears the webhook.
	if err := s.manager.SetWebhook(id, strings.TrimSpace(req.URL)); err != nil {
		respondManagerError(w, err)
		return
	}
	snap, err := s.manager.GetStatus(id)
	if err != nil {
		respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleteData := false
	if raw := strings.TrimSpace(r.URL.Query().Get("deleteData")); raw != "" {
		deleteData = raw == "1" || strings.EqualFold(raw, "true")
	}
	if err := s.manager.Destroy(r.Context(), id, deleteData); err != nil {
		respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessionId":   id,
		"destroyed":   true,
		"deletedData": deleteData,
	})
}

func (s *Server) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleResetAuth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.ResetAuth(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUnfail(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Unfail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

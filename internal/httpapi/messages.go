package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wamax/wamax/internal/session"
)

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload session.SendPayload
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	payload.SessionID = strings.TrimSpace(payload.SessionID)
	if payload.SessionID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "sessionId is required")
		return
	}

	res, err := s.manager.Send(r.Context(), payload.SessionID, payload)
	if err != nil {
		respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type historyRequest struct {
	ChatID string `json:"chatId"`
}

// The chat id travels in the request body; a chatId query parameter is
// accepted as well for clients that cannot put a body on a GET.
func (s *Server) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	var req historyRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ChatID) == "" {
		req.ChatID = strings.TrimSpace(r.URL.Query().Get("chatId"))
	}

	history, err := s.manager.GetMessages(sessionID, req.ChatID)
	if err != nil {
		respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (s *Server) handleResolveNumber(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	phone := strings.TrimSpace(r.URL.Query().Get("phone"))

	res, err := s.manager.ResolveChatID(r.Context(), sessionID, phone)
	if err != nil {
		respondManagerError(w, err)
		return
	}
	if !res.Exists {
		respondError(w, http.StatusNotFound, "number_not_found",
			"no account on this network for "+res.Phone)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

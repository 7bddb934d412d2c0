package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wamax/wamax/internal/config"
	"github.com/wamax/wamax/internal/logging"
	"github.com/wamax/wamax/internal/observability"
	"github.com/wamax/wamax/internal/session"
)

type Server struct {
	cfg      config.Config
	manager  *session.Manager
	metrics  *observability.Metrics
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

func New(cfg config.Config, manager *session.Manager, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		metrics: metrics,
		log:     logging.NewLogger("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The event stream carries no commands; the API key already
			// gates it, so cross-origin browser clients are acceptable.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}/status", s.handleSessionStatus)
		r.Get("/sessions/{id}/qr", s.handleSessionQR)
		r.Get("/sessions/{id}/qr.png", s.handleSessionQRPNG)
		r.Get("/sessions/{id}/chats", s.handleSessionChats)
		r.Get("/sessions/{id}/events", s.handleSessionEvents)
		r.Post("/sessions/{id}/webhook", s.handleSetWebhook)
		r.Post("/sessions/{id}/restart", s.handleRestartSession)
		r.Post("/sessions/{id}/reset-auth", s.handleResetAuth)
		r.Post("/sessions/{id}/unfail", s.handleUnfail)
		r.Delete("/sessions/{id}", s.handleDestroySession)

		r.Post("/messages/send", s.handleSendMessage)
		r.Get("/messages/{sessionId}/history", s.handleMessageHistory)
		r.Get("/messages/{sessionId}/resolve", s.handleResolveNumber)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.manager.List()),
	})
}

// requireAPIKey gates every session and message route behind the x-api-key
// header when an API key is configured. Websocket browser clients cannot
// set headers, so an api_key query parameter is accepted too.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get("x-api-key"))
		if key == "" {
			key = strings.TrimSpace(r.URL.Query().Get("api_key"))
		}
		if key != s.cfg.APIKey {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondManagerError maps the session error taxonomy onto HTTP status
// codes. QR-specific outcomes (202/204) are handled at the QR handlers.
func respondManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrConflictMemory), errors.Is(err, session.ErrConflictDisk):
		respondError(w, http.StatusConflict, "session_exists", err.Error())
	case errors.Is(err, session.ErrValidation):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, session.ErrNotReady):
		respondError(w, http.StatusConflict, "session_not_ready", err.Error())
	case errors.Is(err, session.ErrAdapter):
		respondError(w, http.StatusBadGateway, "adapter_failure", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

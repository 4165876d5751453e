package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/pagevoice/internal/audio"
	"github.com/ent0n29/pagevoice/internal/capture"
	"github.com/ent0n29/pagevoice/internal/chat"
	"github.com/ent0n29/pagevoice/internal/config"
	"github.com/ent0n29/pagevoice/internal/observability"
	"github.com/ent0n29/pagevoice/internal/session"
	"github.com/ent0n29/pagevoice/internal/settings"
	"github.com/ent0n29/pagevoice/internal/speech"
	"github.com/ent0n29/pagevoice/internal/transcription"
)

// ChatRunner runs one streamed chat turn.
type ChatRunner interface {
	SendTurn(ctx context.Context, turn chat.Turn, surface chat.Surface) (chat.Result, error)
}

// SpeechControl is the playback surface exposed to the widget.
type SpeechControl interface {
	SetPreferences(p speech.Preferences)
	Speak(text string)
	Pause()
	Resume()
	Restart()
	Stop()
	State() speech.State
}

type Recorder interface {
	Start(ctx context.Context) error
	Stop() (audio.Payload, error)
	Mute() error
	Unmute() error
	Level() float64
	State() capture.State
}

// Deps are the collaborators behind the HTTP surface. Speech, Recorder and
// Transcriber may be nil; their endpoints then answer 503.
type Deps struct {
	Sessions    *session.Manager
	Settings    settings.Store
	Chat        ChatRunner
	Speech      SpeechControl
	Recorder    Recorder
	Transcriber transcription.Transcriber
	Metrics     *observability.Metrics
	Hub         *Hub
}

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	settings    settings.Store
	chat        ChatRunner
	speech      SpeechControl
	recorder    Recorder
	transcriber transcription.Transcriber
	metrics     *observability.Metrics
	hub         *Hub
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	hub := deps.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Server{
		cfg:         cfg,
		sessions:    deps.Sessions,
		settings:    deps.Settings,
		chat:        deps.Chat,
		speech:      deps.Speech,
		recorder:    deps.Recorder,
		transcriber: deps.Transcriber,
		metrics:     deps.Metrics,
		hub:         hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return originAllowed(cfg, r) },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/settings", s.handleGetSettings)
	r.Put("/v1/settings", s.handlePutSettings)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Post("/end", s.handleEndSession)
		r.Get("/history", s.handleHistory)
		r.Put("/page", s.handleSetPage)
		r.Post("/chat", s.handleChat)
	})

	r.Get("/v1/speech/state", s.handleSpeechState)
	r.Get("/v1/speech/voices", s.handleListVoices)
	r.Post("/v1/speech/{action}", s.handleSpeechAction)

	r.Get("/v1/recording/state", s.handleRecordingState)
	r.Post("/v1/recording/{action}", s.handleRecordingAction)

	r.Get("/v1/events", s.handleEvents)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"speech":       s.speech != nil,
		"recording":    s.recorder != nil,
		"transcribing": s.transcriber != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.chat == nil || s.sessions == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "chat is not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
		"event_clients":   s.hub.Subscribers(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = defaultUserID
	}

	sess := s.sessions.Create(req.UserID)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
		Messages:        sess.Conversation.Messages(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"messages":   sess.Conversation.Messages(),
		"page":       sess.Page,
	})
}

func (s *Server) handleSetPage(w http.ResponseWriter, r *http.Request) {
	var req session.PageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "empty_page", "page text is required")
		return
	}
	msg, err := s.sessions.SetPage(chi.URLParam(r, "id"), req.Context())
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.hub.Publish(statusEvent("Page content loaded. You can ask questions about the current page."))
	respondJSON(w, http.StatusOK, msg)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && originAllowed(s.cfg, r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed accepts same-origin browsers and clients without an Origin
// header; any other origin needs APP_ALLOW_ANY_ORIGIN.
func originAllowed(cfg config.Config, r *http.Request) bool {
	if cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
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

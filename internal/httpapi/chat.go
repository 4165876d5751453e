package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/pagevoice/internal/chat"
	"github.com/ent0n29/pagevoice/internal/completion"
	"github.com/ent0n29/pagevoice/internal/protocol"
	"github.com/ent0n29/pagevoice/internal/reliability"
)

type chatRequest struct {
	Text string `json:"text"`
}

// sseSurface streams a turn to one HTTP response as server-sent events.
// Status lines also go to the event hub so other widget views see them.
type sseSurface struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	sessionID string
	hub       *Hub
}

func (s *sseSurface) Render(fullText string) {
	s.send(protocol.Render{Type: protocol.TypeRender, SessionID: s.sessionID, Text: fullText})
}

func (s *sseSurface) Status(message string) {
	ev := protocol.Status{Type: protocol.TypeStatus, SessionID: s.sessionID, Text: message}
	s.send(ev)
	s.hub.Publish(ev)
}

func (s *sseSurface) send(payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeSSE(s.w, s.flusher, payload)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "chat is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Active(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondJSON(w, http.StatusOK, chat.Result{Status: chat.StatusIgnored})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}

	prefs, err := s.settings.Get(r.Context(), sess.UserID)
	if err != nil {
		log.Printf("[httpapi] settings load failed for session %s: %v", sess.ID, err)
		respondError(w, http.StatusInternalServerError, "settings_unavailable", err.Error())
		return
	}
	setupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	surface := &sseSurface{w: w, flusher: flusher, sessionID: sess.ID, hub: s.hub}

	res, err := s.sendSessionTurn(r.Context(), sess, prefs, req.Text, surface)
	if err != nil {
		surface.send(chatErrorEvent(sess.ID, err))
		return
	}
	surface.send(protocol.Done{Type: protocol.TypeDone, SessionID: sess.ID, Status: string(res.Status), Text: res.Text})
}

func chatErrorEvent(sessionID string, err error) protocol.ErrorEvent {
	ev := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      "chat_failed",
		Source:    "completion",
		Detail:    chat.StatusMessage(err),
	}
	var authErr *completion.AuthError
	var httpErr *completion.HTTPError
	switch {
	case errors.Is(err, completion.ErrMissingCredential):
		ev.Code = "missing_credential"
	case errors.Is(err, completion.ErrInvalidCredential):
		ev.Code = "invalid_credential"
	case errors.As(err, &authErr):
		ev.Code = "unauthorized"
	case errors.As(err, &httpErr):
		ev.Code = "upstream_error"
		ev.Retryable = httpErr.Retryable
	case reliability.IsTransient(err):
		ev.Code = "network_error"
		ev.Retryable = true
	}
	return ev
}

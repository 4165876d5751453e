package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/ent0n29/pagevoice/internal/capture"
	"github.com/ent0n29/pagevoice/internal/chat"
	"github.com/ent0n29/pagevoice/internal/policy"
	"github.com/ent0n29/pagevoice/internal/protocol"
	"github.com/ent0n29/pagevoice/internal/session"
	"github.com/ent0n29/pagevoice/internal/settings"
)

const microphoneNotice = "I couldn't access your microphone. Please ensure you've granted microphone permissions and try again, or type your message instead."

var errChatUnavailable = errors.New("chat is not configured")

type recordingRequest struct {
	SessionID string `json:"session_id"`
}

// recordingSessionID reads the optional session_id from the query string or
// a JSON body. An empty body is not an error.
func recordingSessionID(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("session_id"); id != "" {
		return id, nil
	}
	var req recordingRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		return "", err
	}
	return req.SessionID, nil
}

// hubSurface publishes a turn to every /v1/events client.
type hubSurface struct {
	sessionID string
	hub       *Hub
}

func (h hubSurface) Render(fullText string) {
	h.hub.Publish(protocol.Render{Type: protocol.TypeRender, SessionID: h.sessionID, Text: fullText})
}

func (h hubSurface) Status(message string) {
	h.hub.Publish(protocol.Status{Type: protocol.TypeStatus, SessionID: h.sessionID, Text: message})
}

// sendSessionTurn runs one turn on the session conversation and keeps the
// session's turn count and activity clock current.
func (s *Server) sendSessionTurn(ctx context.Context, sess *session.Session, prefs settings.Settings, text string, surface chat.Surface) (chat.Result, error) {
	if err := s.sessions.StartTurn(sess.ID); err != nil {
		log.Printf("[httpapi] session %s: start turn: %v", sess.ID, err)
	}
	res, err := s.chat.SendTurn(ctx, chat.Turn{
		Conversation: sess.Conversation,
		Text:         text,
		Settings:     prefs,
		Page:         sess.Page,
	}, surface)
	if err := s.sessions.Touch(sess.ID); err != nil {
		log.Printf("[httpapi] session %s ended during turn: %v", sess.ID, err)
	}
	return res, err
}

// voiceTurn sends a transcript into the session conversation as the user's
// next message. The reply goes out on /v1/events.
func (s *Server) voiceTurn(ctx context.Context, sessionID, text string) (chat.Result, error) {
	if s.chat == nil {
		return chat.Result{}, errChatUnavailable
	}
	sess, err := s.sessions.Active(sessionID)
	if err != nil {
		return chat.Result{}, err
	}
	prefs, err := s.settings.Get(ctx, sess.UserID)
	if err != nil {
		return chat.Result{}, err
	}
	res, err := s.sendSessionTurn(ctx, sess, prefs, text, hubSurface{sessionID: sess.ID, hub: s.hub})
	if err != nil {
		s.hub.Publish(chatErrorEvent(sess.ID, err))
		return res, err
	}
	s.hub.Publish(protocol.Done{Type: protocol.TypeDone, SessionID: sess.ID, Status: string(res.Status), Text: res.Text})
	return res, nil
}

// voiceNotice tells the user in the conversation that voice input failed.
// State errors such as stopping an idle recorder add nothing.
func (s *Server) voiceNotice(sessionID, action string, err error) {
	if sessionID == "" || err == nil {
		return
	}
	var mediaErr *capture.MediaAccessError
	var content string
	switch {
	case errors.As(err, &mediaErr):
		content = microphoneNotice
	case action == "stop" && !errors.Is(err, capture.ErrNotRecording):
		content = "There was an error transcribing your audio: " + policy.RedactCredentials(err.Error()) + ". Please try typing your message instead."
	default:
		return
	}
	sess, serr := s.sessions.Active(sessionID)
	if serr != nil {
		log.Printf("[httpapi] voice notice for session %s dropped: %v", sessionID, serr)
		return
	}
	msg := sess.Conversation.Notice(content)
	s.hub.Publish(protocol.Done{Type: protocol.TypeDone, SessionID: sess.ID, Status: "notice", Text: msg.Content})
}

package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/pagevoice/internal/protocol"
	"github.com/ent0n29/pagevoice/internal/settings"
	"github.com/ent0n29/pagevoice/internal/speech"
)

type speakRequest struct {
	Text string `json:"text"`
}

type voiceSummary struct {
	VoiceID    string   `json:"voice_id"`
	LocalMatch []string `json:"local_match,omitempty"`
}

type listVoicesResponse struct {
	DefaultVoiceID string         `json:"default_voice_id"`
	Voices         []voiceSummary `json:"voices"`
}

func (s *Server) handleSpeechState(w http.ResponseWriter, _ *http.Request) {
	if s.speech == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "speech is not configured")
		return
	}
	respondJSON(w, http.StatusOK, SpeechStateEvent(s.speech.State()))
}

func (s *Server) handleSpeechAction(w http.ResponseWriter, r *http.Request) {
	if s.speech == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "speech is not configured")
		return
	}
	action := chi.URLParam(r, "action")
	if action == "speak" {
		var req speakRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			respondError(w, http.StatusBadRequest, "empty_text", "text is required")
			return
		}
		s.speech.Speak(req.Text)
	} else if !s.speechAction(action) {
		respondError(w, http.StatusNotFound, "unknown_action", "unknown speech action "+action)
		return
	}
	respondJSON(w, http.StatusOK, SpeechStateEvent(s.speech.State()))
}

// speechAction applies a playback control and reports whether it was known.
func (s *Server) speechAction(action string) bool {
	switch action {
	case "pause":
		s.speech.Pause()
	case "resume":
		s.speech.Resume()
	case "restart":
		s.speech.Restart()
	case "stop":
		s.speech.Stop()
	default:
		return false
	}
	return true
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	voices := make([]voiceSummary, 0, len(settings.Voices))
	for _, id := range settings.Voices {
		voices = append(voices, voiceSummary{VoiceID: id, LocalMatch: speech.MapVoice(id).Terms})
	}
	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoiceID: settings.DefaultVoice,
		Voices:         voices,
	})
}

func statusEvent(text string) protocol.Status {
	return protocol.Status{Type: protocol.TypeStatus, Text: text}
}

package httpapi

import (
	"log"
	"net/http"
	"strings"

	"github.com/ent0n29/pagevoice/internal/speech"
)

const defaultUserID = "local"

func settingsUserID(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("user_id")); id != "" {
		return id
	}
	return defaultUserID
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.settings.Get(r.Context(), settingsUserID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "settings_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cur)
}

// handlePutSettings merges the body onto the stored settings, so a partial
// write such as {"ttsEnabled":false} leaves every other field as it was.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	userID := settingsUserID(r)
	prev, err := s.settings.Get(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "settings_unavailable", err.Error())
		return
	}
	next := prev
	if err := decodeJSON(r, &next); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	next = next.Normalize()
	if err := s.settings.Put(r.Context(), userID, next); err != nil {
		log.Printf("[httpapi] settings save failed for %s: %v", userID, err)
		respondError(w, http.StatusInternalServerError, "settings_unavailable", err.Error())
		return
	}
	if s.speech != nil {
		s.speech.SetPreferences(speech.Preferences{Voice: next.TTSVoice, Local: next.UseLocalTTS})
		if prev.TTSEnabled && !next.TTSEnabled {
			s.speech.Stop()
		}
	}
	s.hub.Publish(statusEvent("Configuration saved"))
	respondJSON(w, http.StatusOK, next)
}

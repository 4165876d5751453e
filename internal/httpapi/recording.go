package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/pagevoice/internal/capture"
	"github.com/ent0n29/pagevoice/internal/chat"
	"github.com/ent0n29/pagevoice/internal/policy"
	"github.com/ent0n29/pagevoice/internal/protocol"
	"github.com/ent0n29/pagevoice/internal/transcription"
)

var errTranscriptionUnavailable = errors.New("transcription is not configured")

type recordingResponse struct {
	State protocol.RecordingState `json:"state"`
	Level float64                 `json:"level"`
	Text  string                  `json:"text,omitempty"`
	// Turn is the chat status when the transcript was sent to a session.
	Turn string `json:"turn,omitempty"`
}

func (s *Server) handleRecordingState(w http.ResponseWriter, _ *http.Request) {
	if s.recorder == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "recording is not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.recordingResponse(""))
}

func (s *Server) handleRecordingAction(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "recording is not configured")
		return
	}
	action := chi.URLParam(r, "action")
	sessionID, err := recordingSessionID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if sessionID != "" {
		if _, err := s.sessions.Active(sessionID); err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
	}
	if action == "stop" {
		text, err := s.stopAndTranscribe(r.Context())
		if err != nil {
			s.voiceNotice(sessionID, action, err)
			respondRecordingError(w, err)
			return
		}
		resp := s.recordingResponse(text)
		if sessionID != "" {
			res, err := s.voiceTurn(r.Context(), sessionID, text)
			if err != nil {
				log.Printf("[httpapi] voice turn for session %s failed: %v", sessionID, policy.RedactCredentials(err.Error()))
				res.Status = chat.StatusFailed
			}
			resp.Turn = string(res.Status)
		}
		respondJSON(w, http.StatusOK, resp)
		return
	}
	if err := s.recordingAction(r.Context(), action); err != nil {
		s.voiceNotice(sessionID, action, err)
		respondRecordingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.recordingResponse(""))
}

var errUnknownAction = errors.New("unknown recording action")

func (s *Server) recordingAction(ctx context.Context, action string) error {
	switch action {
	case "start":
		s.hub.Publish(statusEvent("Requesting microphone access..."))
		if err := s.recorder.Start(ctx); err != nil {
			return err
		}
		s.hub.Publish(statusEvent("Recording... Click microphone again to stop"))
		return nil
	case "mute":
		return s.recorder.Mute()
	case "unmute":
		return s.recorder.Unmute()
	default:
		return errUnknownAction
	}
}

// stopAndTranscribe ends the recording and converts it to text.
func (s *Server) stopAndTranscribe(ctx context.Context) (string, error) {
	s.hub.Publish(statusEvent("Processing audio..."))
	payload, err := s.recorder.Stop()
	if err != nil {
		s.hub.Publish(statusEvent(recordingStatus(err)))
		return "", err
	}
	if s.transcriber == nil {
		s.hub.Publish(statusEvent(recordingStatus(errTranscriptionUnavailable)))
		return "", errTranscriptionUnavailable
	}
	s.hub.Publish(statusEvent("Transcribing audio..."))
	text, err := s.transcriber.Transcribe(ctx, payload)
	if err != nil {
		log.Printf("[httpapi] transcription failed: %s", policy.RedactCredentials(err.Error()))
		s.hub.Publish(statusEvent(recordingStatus(err)))
		return "", err
	}
	s.hub.Publish(statusEvent("Audio transcribed successfully"))
	return text, nil
}

// recordingStatus is the user-facing line for a recording or transcription error.
func recordingStatus(err error) string {
	var mediaErr *capture.MediaAccessError
	switch {
	case errors.As(err, &mediaErr):
		return "Microphone access failed. Please check permissions and the capture device."
	case errors.Is(err, capture.ErrNoAudio):
		return "No audio recorded"
	case errors.Is(err, capture.ErrAlreadyRecording):
		return "Already recording"
	case errors.Is(err, capture.ErrNotRecording):
		return "Not recording"
	case errors.Is(err, transcription.ErrNoSpeech):
		return "No speech detected in audio"
	case errors.Is(err, errTranscriptionUnavailable), errors.Is(err, transcription.ErrMissingCredential):
		return "Error: OpenAI API key is not set. Please configure it."
	default:
		return "Error: " + policy.RedactCredentials(err.Error())
	}
}

func respondRecordingError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "recording_failed"
	var mediaErr *capture.MediaAccessError
	switch {
	case errors.As(err, &mediaErr):
		status, code = http.StatusServiceUnavailable, "media_access"
	case errors.Is(err, errUnknownAction):
		status, code = http.StatusNotFound, "unknown_action"
	case errors.Is(err, capture.ErrAlreadyRecording), errors.Is(err, capture.ErrNotRecording):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, capture.ErrNoAudio):
		status, code = http.StatusUnprocessableEntity, "no_audio"
	case errors.Is(err, transcription.ErrNoSpeech):
		status, code = http.StatusUnprocessableEntity, "no_speech"
	case errors.Is(err, errTranscriptionUnavailable):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	respondError(w, status, code, recordingStatus(err))
}

func (s *Server) recordingResponse(text string) recordingResponse {
	return recordingResponse{
		State: RecordingStateEvent(s.recorder.State()),
		Level: s.recorder.Level(),
		Text:  text,
	}
}

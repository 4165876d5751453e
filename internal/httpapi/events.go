package httpapi

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/pagevoice/internal/capture"
	"github.com/ent0n29/pagevoice/internal/policy"
	"github.com/ent0n29/pagevoice/internal/protocol"
	"github.com/ent0n29/pagevoice/internal/speech"
)

// Hub fans events out to every connected /v1/events client. Publish never
// blocks; a subscriber that falls behind loses events.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan any
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan any)}
}

func (h *Hub) Publish(msg any) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) subscribe() (int, <-chan any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan any, 64)
	h.subs[h.nextID] = ch
	return h.nextID, ch
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SpeechStateEvent converts a speech snapshot to its wire form.
func SpeechStateEvent(st speech.State) protocol.SpeechState {
	return protocol.SpeechState{
		Type:       protocol.TypeSpeechState,
		Status:     string(st.Status),
		ActiveText: st.ActiveText,
		Queue:      st.Queue,
		Backend:    st.Backend,
		Playing:    st.Playing,
	}
}

func RecordingStateEvent(st capture.State) protocol.RecordingState {
	return protocol.RecordingState{
		Type:     protocol.TypeRecordingState,
		Status:   string(st.Status),
		Muted:    st.Muted,
		Strategy: st.Strategy,
	}
}

// SpeechErrorEvent reports a synthesis or playback failure. The queue has
// already moved on when it is published.
func SpeechErrorEvent(err error) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:   protocol.TypeErrorEvent,
		Code:   "speech_failed",
		Source: "speech",
		Detail: policy.RedactCredentials(err.Error()),
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id, events := s.hub.subscribe()
	defer s.hub.unsubscribe(id)

	outbound := make(chan any, 16)
	if s.speech != nil {
		outbound <- SpeechStateEvent(s.speech.State())
	}
	if s.recorder != nil {
		outbound <- RecordingStateEvent(s.recorder.State())
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case msg = <-outbound:
			case msg = <-events:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
			}
			continue
		}
		control, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		s.metrics.ObserveWSMessage("inbound", string(control.Type))
		if msg := s.applyControl(ctx, control); msg != nil {
			select {
			case <-ctx.Done():
				break readLoop
			case outbound <- msg:
			}
		}
	}

	cancel()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// applyControl runs a widget control and returns an event for the sender, if any.
func (s *Server) applyControl(ctx context.Context, c protocol.ClientControl) any {
	switch c.Target {
	case protocol.TargetSpeech:
		if s.speech == nil {
			return unavailableEvent("speech")
		}
		s.speechAction(c.Action)
		return nil
	case protocol.TargetRecording:
		if s.recorder == nil {
			return unavailableEvent("recording")
		}
		if c.Action == "stop" {
			text, err := s.stopAndTranscribe(ctx)
			if err != nil {
				s.voiceNotice(c.SessionID, c.Action, err)
				return protocol.Status{Type: protocol.TypeStatus, Text: recordingStatus(err)}
			}
			if c.SessionID != "" {
				// The turn outlives the socket that asked for it.
				go func(sessionID string) {
					if _, err := s.voiceTurn(context.WithoutCancel(ctx), sessionID, text); err != nil {
						log.Printf("[httpapi] voice turn for session %s failed: %v", sessionID, policy.RedactCredentials(err.Error()))
					}
				}(c.SessionID)
			}
			return protocol.Transcript{Type: protocol.TypeTranscript, SessionID: c.SessionID, Text: text}
		}
		if err := s.recordingAction(ctx, c.Action); err != nil {
			log.Printf("[httpapi] recording %s failed: %v", c.Action, err)
			s.voiceNotice(c.SessionID, c.Action, err)
			return protocol.Status{Type: protocol.TypeStatus, Text: recordingStatus(err)}
		}
		return nil
	}
	return nil
}

func unavailableEvent(source string) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:   protocol.TypeErrorEvent,
		Code:   "unavailable",
		Source: source,
		Detail: source + " is not configured",
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.Render:
		return m.Type, true
	case protocol.Done:
		return m.Type, true
	case protocol.Status:
		return m.Type, true
	case protocol.SpeechState:
		return m.Type, true
	case protocol.RecordingState:
		return m.Type, true
	case protocol.Transcript:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

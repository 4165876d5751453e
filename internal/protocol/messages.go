package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies event payload variants.
type MessageType string

const (
	TypeClientControl  MessageType = "client_control"
	TypeRender         MessageType = "render"
	TypeDone           MessageType = "done"
	TypeStatus         MessageType = "status"
	TypeSpeechState    MessageType = "speech_state"
	TypeRecordingState MessageType = "recording_state"
	TypeTranscript     MessageType = "transcript"
	TypeErrorEvent     MessageType = "error"
)

// Control targets and actions accepted from the widget.
const (
	TargetSpeech    = "speech"
	TargetRecording = "recording"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")

	speechActions    = map[string]bool{"pause": true, "resume": true, "restart": true, "stop": true}
	recordingActions = map[string]bool{"start": true, "stop": true, "mute": true, "unmute": true}
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Target string      `json:"target"`
	Action string      `json:"action"`
	// SessionID routes a recording's transcript into that session's conversation.
	SessionID string `json:"session_id,omitempty"`
}

// Render carries the full assistant text so far; the widget replaces, not appends.
type Render struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Text      string      `json:"text"`
}

type Done struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Status    string      `json:"status"`
	Text      string      `json:"text"`
}

type Status struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Text      string      `json:"text"`
}

type SpeechState struct {
	Type       MessageType `json:"type"`
	Status     string      `json:"status"`
	ActiveText string      `json:"active_text"`
	Queue      []string    `json:"queue"`
	Backend    string      `json:"backend"`
	Playing    string      `json:"playing,omitempty"`
}

type RecordingState struct {
	Type     MessageType `json:"type"`
	Status   string      `json:"status"`
	Muted    bool        `json:"muted"`
	Strategy string      `json:"strategy,omitempty"`
}

type Transcript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Text      string      `json:"text"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Target {
		case TargetSpeech:
			if !speechActions[msg.Action] {
				return nil, fmt.Errorf("invalid speech action %q", msg.Action)
			}
		case TargetRecording:
			if !recordingActions[msg.Action] {
				return nil, fmt.Errorf("invalid recording action %q", msg.Action)
			}
		default:
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

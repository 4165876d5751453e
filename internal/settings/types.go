package settings

import (
	"context"
	"math"
	"strings"
)

// Voice identifiers accepted for remote synthesis.
var Voices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

const (
	DefaultModel        = "claude-3-5-sonnet-20240620"
	DefaultTemperature  = 0.7
	DefaultSystemPrompt = "You are Claude, a helpful AI assistant. Answer questions accurately and concisely."
	DefaultVoice        = "nova"
	DefaultBufferSize   = 15

	MinBufferSize = 1
	MaxBufferSize = 100
)

// Settings are the user's preferences. The chat and speech core only ever read a
// snapshot taken at the start of a request.
type Settings struct {
	Model               string  `json:"model" yaml:"model"`
	Temperature         float64 `json:"temperature" yaml:"temperature"`
	SystemPrompt        string  `json:"systemPrompt" yaml:"system_prompt"`
	TTSEnabled          bool    `json:"ttsEnabled" yaml:"tts_enabled"`
	TTSVoice            string  `json:"ttsVoice" yaml:"tts_voice"`
	UseLocalTTS         bool    `json:"useLocalTts" yaml:"use_local_tts"`
	LiveStreamMode      bool    `json:"liveStreamMode" yaml:"live_stream_mode"`
	StreamingBufferSize int     `json:"streamingBufferSize" yaml:"streaming_buffer_size"`
}

func Defaults() Settings {
	return Settings{
		Model:               DefaultModel,
		Temperature:         DefaultTemperature,
		SystemPrompt:        DefaultSystemPrompt,
		TTSEnabled:          true,
		TTSVoice:            DefaultVoice,
		UseLocalTTS:         false,
		LiveStreamMode:      true,
		StreamingBufferSize: DefaultBufferSize,
	}
}

// Normalize clamps numeric fields into range and replaces empty or unknown values
// with defaults.
func (s Settings) Normalize() Settings {
	s.Model = strings.TrimSpace(s.Model)
	if s.Model == "" {
		s.Model = DefaultModel
	}
	if math.IsNaN(s.Temperature) || s.Temperature < 0 {
		s.Temperature = 0
	} else if s.Temperature > 1 {
		s.Temperature = 1
	}
	if strings.TrimSpace(s.SystemPrompt) == "" {
		s.SystemPrompt = DefaultSystemPrompt
	}
	s.TTSVoice = strings.ToLower(strings.TrimSpace(s.TTSVoice))
	if !knownVoice(s.TTSVoice) {
		s.TTSVoice = DefaultVoice
	}
	if s.StreamingBufferSize < MinBufferSize {
		s.StreamingBufferSize = MinBufferSize
	} else if s.StreamingBufferSize > MaxBufferSize {
		s.StreamingBufferSize = MaxBufferSize
	}
	return s
}

func knownVoice(v string) bool {
	for _, known := range Voices {
		if v == known {
			return true
		}
	}
	return false
}

// Store persists settings per user. Get returns the store defaults when nothing
// was saved for userID.
type Store interface {
	Get(ctx context.Context, userID string) (Settings, error)
	Put(ctx context.Context, userID string, s Settings) error
	Close() error
}

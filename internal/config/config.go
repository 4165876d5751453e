package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the page voice companion.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	ClaudeAPIKey        string
	AnthropicBaseURL    string
	AnthropicVersion    string
	CompletionMaxTokens int
	HistoryWindow       int

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	RemoteTTSModel     string
	TranscriptionModel string
	TranscriptionLang  string

	LocalTTSCommand    string
	AudioPlayerCommand string

	CaptureCommand     string
	CaptureInputFormat string
	CaptureInputDevice string
	CaptureSampleRate  int

	SettingsDSN  string
	SettingsFile string
}

// LoadDotEnv merges key/value pairs from .env style files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", "127.0.0.1:8787"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "pagevoice"),
		AllowAnyOrigin:   false,
		ClaudeAPIKey:     stringsTrimSpace("CLAUDE_API_KEY"),
		AnthropicBaseURL: strings.TrimRight(envOrDefault("ANTHROPIC_BASE_URL", "https://api.anthropic.com"), "/"),
		AnthropicVersion: envOrDefault("ANTHROPIC_VERSION", "2023-06-01"),
		// The widget never sets a response budget; the API requires one.
		CompletionMaxTokens: 4096,
		HistoryWindow:       10,
		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:       stringsTrimSpace("OPENAI_BASE_URL"),
		RemoteTTSModel:      envOrDefault("REMOTE_TTS_MODEL", "tts-1"),
		TranscriptionModel:  envOrDefault("TRANSCRIPTION_MODEL", "whisper-1"),
		TranscriptionLang:   envOrDefault("TRANSCRIPTION_LANGUAGE", "en"),
		LocalTTSCommand:     envOrDefault("LOCAL_TTS_COMMAND", defaultLocalTTSCommand()),
		AudioPlayerCommand:  envOrDefault("AUDIO_PLAYER_COMMAND", "ffplay"),
		CaptureCommand:      envOrDefault("CAPTURE_COMMAND", "ffmpeg"),
		CaptureInputFormat:  envOrDefault("CAPTURE_INPUT_FORMAT", defaultCaptureFormat()),
		CaptureInputDevice:  envOrDefault("CAPTURE_INPUT_DEVICE", defaultCaptureDevice()),
		CaptureSampleRate:   44100,
		SettingsDSN:         stringsTrimSpace("SETTINGS_DSN"),
		SettingsFile:        stringsTrimSpace("SETTINGS_FILE"),
		ShutdownTimeout:     15 * time.Second,
		// Widget sessions outlive a voice call; a tab left open keeps its history.
		SessionInactivityTimeout: 30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionMaxTokens, err = intFromEnv("COMPLETION_MAX_TOKENS", cfg.CompletionMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryWindow, err = intFromEnv("HISTORY_WINDOW", cfg.HistoryWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureSampleRate, err = intFromEnv("CAPTURE_SAMPLE_RATE", cfg.CaptureSampleRate)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.CompletionMaxTokens <= 0 {
		return Config{}, fmt.Errorf("COMPLETION_MAX_TOKENS must be positive")
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("HISTORY_WINDOW must be positive")
	}
	if cfg.CaptureSampleRate <= 0 {
		return Config{}, fmt.Errorf("CAPTURE_SAMPLE_RATE must be positive")
	}

	return cfg, nil
}

func defaultLocalTTSCommand() string {
	if runtime.GOOS == "darwin" {
		return "say"
	}
	return "espeak-ng"
}

func defaultCaptureFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "pulse"
	}
}

func defaultCaptureDevice() string {
	switch runtime.GOOS {
	case "darwin":
		return ":default"
	case "windows":
		return "audio=default"
	default:
		return "default"
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ent0n29/pagevoice/internal/capture"
	"github.com/ent0n29/pagevoice/internal/chat"
	"github.com/ent0n29/pagevoice/internal/completion"
	"github.com/ent0n29/pagevoice/internal/config"
	"github.com/ent0n29/pagevoice/internal/httpapi"
	"github.com/ent0n29/pagevoice/internal/observability"
	"github.com/ent0n29/pagevoice/internal/policy"
	"github.com/ent0n29/pagevoice/internal/settings"
	"github.com/ent0n29/pagevoice/internal/speech"
	"github.com/ent0n29/pagevoice/internal/transcription"
)

// runtime is the wired core shared by every command.
type runtime struct {
	cfg         config.Config
	metrics     *observability.Metrics
	hub         *httpapi.Hub
	store       settings.Store
	speech      *speech.Controller
	chat        *chat.Controller
	recorder    *capture.Manager
	transcriber transcription.Transcriber
}

func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	rt := &runtime{
		cfg:     cfg,
		metrics: observability.NewMetrics(cfg.MetricsNamespace),
		hub:     httpapi.NewHub(),
	}

	seed, err := settings.LoadSeed(cfg.SettingsFile)
	if err != nil {
		return nil, fmt.Errorf("settings seed: %w", err)
	}
	rt.store, err = settings.NewStore(ctx, cfg.SettingsDSN, seed)
	if err != nil {
		return nil, fmt.Errorf("settings store: %w", err)
	}

	rt.speech = rt.newSpeech()

	rt.chat = chat.NewController(chat.Options{
		Streamer: completion.NewClient(cfg.ClaudeAPIKey, completion.Options{
			BaseURL:   cfg.AnthropicBaseURL,
			Version:   cfg.AnthropicVersion,
			MaxTokens: cfg.CompletionMaxTokens,
			OnParseError: func(error) {
				rt.metrics.ObserveStreamParseError()
			},
		}),
		Speaker:       rt.speech,
		Metrics:       rt.metrics,
		HistoryWindow: cfg.HistoryWindow,
	})
	if cfg.ClaudeAPIKey == "" {
		log.Printf("[pagevoice] CLAUDE_API_KEY is not set; chat turns will fail until it is configured")
	}

	rt.recorder = capture.NewManager(capture.ManagerOptions{
		Strategies: captureStrategies(cfg),
		Metrics:    rt.metrics,
		OnState: func(st capture.State) {
			rt.hub.Publish(httpapi.RecordingStateEvent(st))
		},
	})

	tr, err := transcription.NewClient(cfg.OpenAIAPIKey, transcription.Options{
		BaseURL:  cfg.OpenAIBaseURL,
		Model:    cfg.TranscriptionModel,
		Language: cfg.TranscriptionLang,
		Metrics:  rt.metrics,
	})
	if err != nil {
		log.Printf("[pagevoice] transcription disabled: %v", err)
	} else {
		rt.transcriber = tr
	}
	return rt, nil
}

// newSpeech builds the controller with remote synthesis only when an OpenAI
// key is configured; local synthesis is always the last resort.
func (rt *runtime) newSpeech() *speech.Controller {
	cfg := rt.cfg
	opts := speech.Options{
		Metrics: rt.metrics,
		OnState: func(st speech.State) {
			rt.hub.Publish(httpapi.SpeechStateEvent(st))
		},
		OnError: func(err error) {
			rt.hub.Publish(httpapi.SpeechErrorEvent(err))
		},
	}
	if local, err := speech.NewLocalStrategy(cfg.LocalTTSCommand); err != nil {
		log.Printf("[pagevoice] local speech disabled: %v", err)
	} else {
		opts.Local = local
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		player, err := speech.NewExecPlayer(cfg.AudioPlayerCommand)
		if err != nil {
			log.Printf("[pagevoice] remote speech disabled: %v", err)
		} else {
			synth := speech.NewOpenAISynthesizer(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.RemoteTTSModel)
			opts.Remote = speech.NewRemoteStrategy(synth, player, rt.metrics)
		}
	} else {
		log.Printf("[pagevoice] OPENAI_API_KEY is not set; speech uses %s", policy.ForLog(cfg.LocalTTSCommand, 40))
	}
	return speech.NewController(opts)
}

func captureStrategies(cfg config.Config) []capture.Strategy {
	src := capture.FFmpegSource{
		Path:        cfg.CaptureCommand,
		InputFormat: cfg.CaptureInputFormat,
		Device:      cfg.CaptureInputDevice,
	}
	return []capture.Strategy{
		&capture.EncodedRecorder{
			Source:     src,
			Encoder:    &capture.OpusEncoder{Path: cfg.CaptureCommand},
			SampleRate: cfg.CaptureSampleRate,
		},
		&capture.FallbackSampler{Source: src, SampleRate: cfg.CaptureSampleRate},
	}
}

// applyPreferences pushes the user's voice settings into the speech controller.
func (rt *runtime) applyPreferences(ctx context.Context, userID string) (settings.Settings, error) {
	cur, err := rt.store.Get(ctx, userID)
	if err != nil {
		return settings.Settings{}, err
	}
	rt.speech.SetPreferences(speech.Preferences{Voice: cur.TTSVoice, Local: cur.UseLocalTTS})
	return cur, nil
}

func (rt *runtime) Close() {
	rt.speech.Stop()
	if err := rt.store.Close(); err != nil {
		log.Printf("[pagevoice] settings store close failed: %v", err)
	}
}

func loadRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return newRuntime(ctx, cfg)
}

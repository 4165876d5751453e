package speech

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/pagevoice/internal/observability"
)

// Synthesizer fetches encoded audio for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// OpenAISynthesizer calls the OpenAI speech endpoint.
type OpenAISynthesizer struct {
	client *openai.Client
	model  openai.SpeechModel
}

func NewOpenAISynthesizer(apiKey, baseURL, model string) *OpenAISynthesizer {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if u := strings.TrimSpace(baseURL); u != "" {
		cfg.BaseURL = strings.TrimRight(u, "/")
	}
	if strings.TrimSpace(model) == "" {
		model = string(openai.TTSModel1)
	}
	return &OpenAISynthesizer{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.SpeechModel(model),
	}
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	res, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("create speech: %w", err)
	}
	defer res.Close()
	audio, err := io.ReadAll(res)
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	return audio, nil
}

// RemoteStrategy synthesizes through a Synthesizer and plays the clip with a
// Player. The most recent clip is held so replaying the same text skips the
// network call.
type RemoteStrategy struct {
	synth   Synthesizer
	player  Player
	metrics *observability.Metrics

	mu   sync.Mutex
	held heldClip
}

type heldClip struct {
	text  string
	voice string
	audio []byte
}

func NewRemoteStrategy(synth Synthesizer, player Player, metrics *observability.Metrics) *RemoteStrategy {
	return &RemoteStrategy{synth: synth, player: player, metrics: metrics}
}

func (r *RemoteStrategy) Name() string { return BackendRemote }

func (r *RemoteStrategy) Start(ctx context.Context, u Utterance) (Playback, error) {
	audio, ok := r.cached(u)
	if !ok {
		started := time.Now()
		var err error
		audio, err = r.synth.Synthesize(ctx, u.Text, u.Voice)
		if err != nil {
			return nil, err
		}
		r.metrics.ObserveTurnStage(observability.StageRemoteSynth, time.Since(started))
		r.hold(u, audio)
	}
	pb, err := r.player.Play(ctx, audio)
	if err != nil {
		return nil, fmt.Errorf("start playback: %w", err)
	}
	return pb, nil
}

func (r *RemoteStrategy) cached(u Utterance) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held.audio == nil || r.held.text != u.Text || r.held.voice != u.Voice {
		return nil, false
	}
	return r.held.audio, true
}

func (r *RemoteStrategy) hold(u Utterance, audio []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held = heldClip{text: u.Text, voice: u.Voice, audio: audio}
}

package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/pagevoice/internal/audio"
	"github.com/ent0n29/pagevoice/internal/observability"
	"github.com/ent0n29/pagevoice/internal/policy"
)

var (
	// ErrNoSpeech means the recording was transcribed but contained no words.
	ErrNoSpeech = errors.New("no speech detected")

	ErrMissingCredential = errors.New("transcription requires OPENAI_API_KEY")
)

// Transcriber turns a finished recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, p audio.Payload) (string, error)
}

type Options struct {
	BaseURL  string
	Model    string
	Language string
	Metrics  *observability.Metrics
}

// Client posts recordings to the OpenAI transcription endpoint.
type Client struct {
	client   *openai.Client
	model    string
	language string
	metrics  *observability.Metrics
}

func NewClient(apiKey string, opts Options) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrMissingCredential
	}
	cfg := openai.DefaultConfig(apiKey)
	if u := strings.TrimSpace(opts.BaseURL); u != "" {
		cfg.BaseURL = strings.TrimRight(u, "/")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = openai.Whisper1
	}
	lang := strings.TrimSpace(opts.Language)
	if lang == "" {
		lang = "en"
	}
	return &Client{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		language: lang,
		metrics:  opts.Metrics,
	}, nil
}

func (c *Client) Transcribe(ctx context.Context, p audio.Payload) (string, error) {
	if p.Empty() {
		return "", ErrNoSpeech
	}
	filename := p.Filename
	if filename == "" {
		filename = "recording.wav"
	}

	start := time.Now()
	res, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: filename,
		Reader:   bytes.NewReader(p.Data),
		Language: c.language,
	})
	if err != nil {
		c.metrics.ObserveTranscription("error", time.Since(start))
		return "", fmt.Errorf("create transcription: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		c.metrics.ObserveTranscription("empty", time.Since(start))
		return "", ErrNoSpeech
	}
	c.metrics.ObserveTranscription("ok", time.Since(start))
	log.Printf("[transcription] %d bytes (%s) -> %q", len(p.Data), p.MimeType, policy.ForLog(text, 80))
	return text, nil
}

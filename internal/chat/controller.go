package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/pagevoice/internal/completion"
	"github.com/ent0n29/pagevoice/internal/conversation"
	"github.com/ent0n29/pagevoice/internal/observability"
	"github.com/ent0n29/pagevoice/internal/policy"
	"github.com/ent0n29/pagevoice/internal/reliability"
	"github.com/ent0n29/pagevoice/internal/settings"
	"github.com/ent0n29/pagevoice/internal/speech"
)

type Status string

const (
	StatusIgnored Status = "ignored"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Surface is where a turn is displayed. Render always receives the full text
// accumulated so far.
type Surface interface {
	Render(fullText string)
	Status(message string)
}

// Speaker is the part of the speech controller a turn drives.
type Speaker interface {
	SetPreferences(p speech.Preferences)
	UsesLocal() bool
	Speak(text string)
	SpeakStream(stream, text string)
	OnStop(fn func()) (unregister func())
}

type Turn struct {
	Conversation *conversation.Conversation
	Text         string
	Settings     settings.Settings
	Page         conversation.PageContext
}

type Result struct {
	Status Status `json:"status"`
	Text   string `json:"text,omitempty"`
}

type Options struct {
	Streamer completion.Streamer
	// Speaker is optional; without it turns are text only.
	Speaker       Speaker
	Metrics       *observability.Metrics
	HistoryWindow int
	Now           func() time.Time
}

// Controller runs chat turns one at a time, in the order they were issued.
type Controller struct {
	streamer completion.Streamer
	speaker  Speaker
	metrics  *observability.Metrics
	window   int
	now      func() time.Time

	mu   sync.Mutex
	tail chan struct{}
}

func NewController(opts Options) *Controller {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = conversation.DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		streamer: opts.Streamer,
		speaker:  opts.Speaker,
		metrics:  opts.Metrics,
		window:   opts.HistoryWindow,
		now:      opts.Now,
	}
}

// SendTurn streams one assistant reply for turn.Text. Empty input is ignored.
// On failure before any text arrived the user message is rolled back; after
// that it stays and no assistant message is recorded.
func (c *Controller) SendTurn(ctx context.Context, turn Turn, surface Surface) (Result, error) {
	text := strings.TrimSpace(turn.Text)
	if text == "" {
		return Result{Status: StatusIgnored}, nil
	}
	if turn.Conversation == nil {
		return Result{}, errors.New("chat turn has no conversation")
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return Result{Status: StatusFailed}, err
	}
	defer release()

	return c.runTurn(ctx, turn.Conversation, text, turn.Settings.Normalize(), turn.Page, surface)
}

// acquire waits for every earlier turn to finish. Waiting turns are released in
// issue order, which a mutex does not guarantee.
func (c *Controller) acquire(ctx context.Context) (release func(), err error) {
	c.mu.Lock()
	prev := c.tail
	done := make(chan struct{})
	c.tail = done
	c.mu.Unlock()

	release = func() { close(done) }
	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// Keep the chain intact: our slot frees only after the one before it.
		go func() {
			<-prev
			close(done)
		}()
		return nil, ctx.Err()
	}
}

func (c *Controller) runTurn(
	ctx context.Context,
	conv *conversation.Conversation,
	text string,
	cfg settings.Settings,
	page conversation.PageContext,
	surface Surface,
) (Result, error) {
	started := c.now()
	user := conv.Append(conversation.RoleUser, text)
	req := completion.Request{
		Model:       cfg.Model,
		System:      BuildSystemPrompt(cfg.SystemPrompt, page),
		Messages:    requestMessages(conv.Recent(c.window)),
		Temperature: cfg.Temperature,
	}

	var session *StreamSession
	if c.speaker != nil {
		c.speaker.SetPreferences(speech.Preferences{Voice: cfg.TTSVoice, Local: cfg.UseLocalTTS})
		if cfg.TTSEnabled && cfg.LiveStreamMode {
			firstSpeech := true
			session = NewStreamSession(SegmenterOptions{
				Local:      c.speaker.UsesLocal(),
				BufferSize: cfg.StreamingBufferSize,
				Now:        c.now,
				Dispatch: func(chunk string) {
					if firstSpeech {
						firstSpeech = false
						c.metrics.ObserveFirstSpeech(c.now().Sub(started))
					}
					c.speaker.SpeakStream(user.ID, chunk)
				},
			})
			unregister := c.speaker.OnStop(session.Reset)
			defer unregister()
		}
	}

	surface.Status("Thinking...")
	log.Printf("[chat] turn started model=%s history=%d page=%t text=%q", cfg.Model, len(req.Messages), !page.Empty(), policy.ForLog(text, 80))

	var full strings.Builder
	deltas := 0
	_, err := c.streamer.Stream(ctx, req, func(delta string) error {
		if deltas == 0 {
			c.metrics.ObserveFirstDelta(c.now().Sub(started))
		}
		deltas++
		full.WriteString(delta)
		surface.Render(full.String())
		if session != nil {
			session.Push(delta)
		}
		return nil
	})
	if err != nil {
		if deltas == 0 {
			conv.Rollback(user.ID)
		}
		if session != nil {
			session.Reset()
		}
		c.metrics.ObserveTurn(outcome(err))
		log.Printf("[chat] turn failed after %d deltas: %s", deltas, policy.RedactCredentials(err.Error()))
		surface.Status(StatusMessage(err))
		return Result{Status: StatusFailed, Text: full.String()}, err
	}

	if session != nil {
		session.Finish()
	}
	reply := full.String()
	if reply != "" {
		conv.Append(conversation.RoleAssistant, reply)
	}
	if c.speaker != nil && cfg.TTSEnabled && !cfg.LiveStreamMode {
		c.speaker.Speak(reply)
	}

	c.metrics.ObserveTurn("ok")
	c.metrics.ObserveTurnStage(observability.StageTurnTotal, c.now().Sub(started))
	surface.Status("Ready")
	return Result{Status: StatusReady, Text: reply}, nil
}

// StatusMessage is the user-facing line for a failed turn.
func StatusMessage(err error) string {
	var authErr *completion.AuthError
	var httpErr *completion.HTTPError
	switch {
	case errors.Is(err, completion.ErrMissingCredential):
		return "No API key found. Please add your Claude API key to the .env file."
	case errors.Is(err, completion.ErrInvalidCredential):
		return "API key has invalid format. It should start with sk-ant- or sk-. Please check the .env file."
	case errors.As(err, &authErr):
		return "Authentication failed. Please check your API key in the .env file."
	case errors.As(err, &httpErr):
		return fmt.Sprintf("Error: API error (%d): %s", httpErr.Status, policy.ForLog(httpErr.Body, 200))
	case errors.Is(err, context.Canceled):
		return "Request cancelled."
	default:
		return "Error: " + policy.RedactCredentials(err.Error())
	}
}

func outcome(err error) string {
	var authErr *completion.AuthError
	var httpErr *completion.HTTPError
	switch {
	case errors.As(err, &authErr):
		return "auth_error"
	case errors.As(err, &httpErr):
		return "http_error"
	case reliability.IsTransient(err):
		return "network_error"
	default:
		return "error"
	}
}

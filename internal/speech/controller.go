package speech

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/ent0n29/pagevoice/internal/observability"
	"github.com/ent0n29/pagevoice/internal/policy"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusSpeaking Status = "speaking"
	StatusPaused   Status = "paused"
)

// State is a snapshot of the controller.
type State struct {
	Status Status `json:"status"`
	// ActiveText is the utterance playing now, or the last one played. It is
	// kept after completion so Restart can replay it.
	ActiveText string   `json:"active_text"`
	Queue      []string `json:"queue"`
	// Backend is the preferred backend; Playing is the one producing audio.
	Backend string `json:"backend"`
	Playing string `json:"playing,omitempty"`
}

// Preferences are read from the user's settings before each turn.
type Preferences struct {
	Voice string
	Local bool
}

type Options struct {
	// Remote is nil when no remote synthesis credential is configured.
	Remote  Strategy
	Local   Strategy
	Metrics *observability.Metrics
	// OnState and OnError run with the controller lock held; they must not
	// block or call back into the Controller.
	OnState func(State)
	OnError func(error)
}

type queued struct {
	text string
	// stream is empty for Speak entries.
	stream string
}

// Controller owns speech playback: one utterance at a time, a FIFO queue
// behind it, and pause/resume/restart/stop transitions.
type Controller struct {
	remote  Strategy
	local   Strategy
	metrics *observability.Metrics
	onState func(State)
	onError func(error)

	mu        sync.Mutex
	prefs     Preferences
	status    Status
	active    string
	playing   string
	queue     []queued
	playback  Playback
	cancel    context.CancelFunc
	gen       uint64
	hookSeq   int
	stopHooks map[int]func()
}

func NewController(opts Options) *Controller {
	return &Controller{
		remote:    opts.Remote,
		local:     opts.Local,
		metrics:   opts.Metrics,
		onState:   opts.OnState,
		onError:   opts.OnError,
		prefs:     Preferences{Voice: "nova"},
		status:    StatusIdle,
		stopHooks: make(map[int]func()),
	}
}

func (c *Controller) SetPreferences(p Preferences) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefs = p
}

// UsesLocal reports whether utterances go straight to the local backend.
func (c *Controller) UsesLocal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backendLocked() == BackendLocal
}

// OnStop registers fn to run on every Stop. The returned func unregisters it.
func (c *Controller) OnStop(fn func()) (unregister func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hookSeq++
	id := c.hookSeq
	c.stopHooks[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stopHooks, id)
	}
}

// Speak plays text now when idle, otherwise queues it behind what is playing.
func (c *Controller) Speak(text string) {
	c.enqueue(text, "")
}

// SpeakStream is Speak for live-stream segments of one reply: while busy, text
// joins the trailing queue entry of the same stream instead of opening a new one.
func (c *Controller) SpeakStream(stream, text string) {
	if stream == "" {
		stream = "stream"
	}
	c.enqueue(text, stream)
}

func (c *Controller) enqueue(text, stream string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusIdle {
		c.startLocked(text)
		return
	}
	if n := len(c.queue); stream != "" && n > 0 && c.queue[n-1].stream == stream {
		c.queue[n-1].text += " " + text
	} else {
		c.queue = append(c.queue, queued{text: text, stream: stream})
	}
	c.publishLocked()
}

// Pause is a no-op unless speaking.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusSpeaking {
		return
	}
	c.status = StatusPaused
	if c.playback != nil {
		if err := c.playback.Pause(); err != nil {
			log.Printf("[speech] pause failed: %v", err)
		}
	}
	c.publishLocked()
}

// Resume is a no-op unless paused.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusPaused {
		return
	}
	c.status = StatusSpeaking
	if c.playback != nil {
		if err := c.playback.Resume(); err != nil {
			log.Printf("[speech] resume failed: %v", err)
		}
	}
	c.publishLocked()
}

// Restart replays the active text from the beginning. The queue is kept.
func (c *Controller) Restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == "" {
		return
	}
	c.haltLocked()
	c.startLocked(c.active)
}

// Stop halts playback, clears the queue, and runs stop hooks. Calling it again
// leaves the same idle state.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.haltLocked()
	c.queue = nil
	c.status = StatusIdle
	c.playing = ""
	hooks := make([]func(), 0, len(c.stopHooks))
	for _, fn := range c.stopHooks {
		hooks = append(hooks, fn)
	}
	c.publishLocked()
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) backendLocked() string {
	if c.prefs.Local || c.remote == nil {
		return BackendLocal
	}
	return BackendRemote
}

// strategiesLocked returns the ordered fallback chain for one utterance.
func (c *Controller) strategiesLocked() []Strategy {
	var out []Strategy
	if c.backendLocked() == BackendRemote {
		out = append(out, c.remote)
	}
	if c.local != nil {
		out = append(out, c.local)
	}
	return out
}

func (c *Controller) startLocked(text string) {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.status = StatusSpeaking
	c.active = text
	c.playing = ""
	c.playback = nil
	strategies := c.strategiesLocked()
	u := Utterance{Text: text, Voice: c.prefs.Voice}
	c.publishLocked()

	go c.run(ctx, gen, u, strategies)
}

// haltLocked stops the current utterance and invalidates its completion.
func (c *Controller) haltLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.playback != nil {
		if err := c.playback.Stop(); err != nil {
			log.Printf("[speech] stop playback failed: %v", err)
		}
		c.playback = nil
	}
}

func (c *Controller) run(ctx context.Context, gen uint64, u Utterance, strategies []Strategy) {
	var errs []error
	for i, s := range strategies {
		pb, err := s.Start(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[speech] %s synthesis failed for %q: %v", s.Name(), policy.ForLog(u.Text, 60), policy.RedactCredentials(err.Error()))
			c.metrics.ObserveSpeechError(s.Name())
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			if i+1 < len(strategies) {
				c.metrics.ObserveSpeechFallback()
			}
			continue
		}
		if !c.attach(gen, s.Name(), pb) {
			_ = pb.Stop()
			return
		}
		c.metrics.ObserveSpeechDispatch(s.Name())
		if err := pb.Wait(); err != nil && ctx.Err() == nil {
			c.metrics.ObserveSpeechError(s.Name())
			c.report(gen, fmt.Errorf("%s playback: %w", s.Name(), err))
		}
		c.advance(gen)
		return
	}
	c.report(gen, &SynthesisError{Text: u.Text, Errs: errs})
	c.advance(gen)
}

func (c *Controller) attach(gen uint64, backend string, pb Playback) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.playback = pb
	c.playing = backend
	if c.status == StatusPaused {
		if err := pb.Pause(); err != nil {
			log.Printf("[speech] pause failed: %v", err)
		}
	}
	c.publishLocked()
	return true
}

func (c *Controller) report(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	log.Printf("[speech] %v", policy.RedactCredentials(err.Error()))
	if c.onError != nil {
		c.onError(err)
	}
}

// advance moves to the next queued utterance, or idle. Errors never block the queue.
func (c *Controller) advance(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.playback = nil
	if len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.startLocked(next.text)
		return
	}
	c.status = StatusIdle
	c.playing = ""
	c.publishLocked()
}

func (c *Controller) snapshotLocked() State {
	queue := make([]string, 0, len(c.queue))
	for _, q := range c.queue {
		queue = append(queue, q.text)
	}
	return State{
		Status:     c.status,
		ActiveText: c.active,
		Queue:      queue,
		Backend:    c.backendLocked(),
		Playing:    c.playing,
	}
}

func (c *Controller) publishLocked() {
	if c.onState != nil {
		c.onState(c.snapshotLocked())
	}
}

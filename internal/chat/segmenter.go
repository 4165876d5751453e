package chat

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/pagevoice/internal/settings"
)

// FlushInterval is the minimum time between two segmentation decisions.
const FlushInterval = 500 * time.Millisecond

// minChunkWords makes a pending chunk eligible without a sentence end.
const minChunkWords = 5

var sentenceEnd = regexp.MustCompile(`[.!?]\s*$`)

type SegmenterOptions struct {
	// Local dispatches every eligible chunk at once; otherwise chunks batch
	// until BufferSize words or a sentence end.
	Local      bool
	BufferSize int
	Now        func() time.Time
	Dispatch   func(text string)
}

// StreamSession splits a live completion stream into utterances.
type StreamSession struct {
	local      bool
	bufferSize int
	now        func() time.Time
	dispatch   func(text string)

	mu        sync.Mutex
	pending   string
	buffer    string
	wordCount int
	lastFlush time.Time
	sent      int
}

func NewStreamSession(opts SegmenterOptions) *StreamSession {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = settings.DefaultBufferSize
	}
	return &StreamSession{
		local:      opts.Local,
		bufferSize: opts.BufferSize,
		now:        opts.Now,
		dispatch:   opts.Dispatch,
		lastFlush:  opts.Now(),
	}
}

// Push feeds one completion delta.
func (s *StreamSession) Push(delta string) {
	s.mu.Lock()
	s.pending += delta
	ended := sentenceEnd.MatchString(s.pending)
	words := len(strings.Fields(s.pending))
	now := s.now()
	if !(ended || words >= minChunkWords) || now.Sub(s.lastFlush) < FlushInterval {
		s.mu.Unlock()
		return
	}

	s.buffer += s.pending
	s.wordCount += words
	s.pending = ""
	s.lastFlush = now

	var out string
	if s.local || s.wordCount >= s.bufferSize || ended {
		out = s.takeBufferLocked()
	}
	s.mu.Unlock()

	s.emit(out)
}

// Finish dispatches whatever is left, buffered or still pending.
func (s *StreamSession) Finish() {
	s.mu.Lock()
	s.buffer += s.pending
	s.pending = ""
	out := s.takeBufferLocked()
	s.mu.Unlock()

	s.emit(out)
}

// Reset drops buffered text and restarts the flush timer. It runs when speech
// is stopped mid-stream.
func (s *StreamSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = ""
	s.buffer = ""
	s.wordCount = 0
	s.lastFlush = s.now()
}

// Dispatched reports how many utterances the session has emitted.
func (s *StreamSession) Dispatched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *StreamSession) takeBufferLocked() string {
	out := strings.TrimSpace(s.buffer)
	s.buffer = ""
	s.wordCount = 0
	if out != "" {
		s.sent++
	}
	return out
}

func (s *StreamSession) emit(text string) {
	if text == "" || s.dispatch == nil {
		return
	}
	s.dispatch(text)
}

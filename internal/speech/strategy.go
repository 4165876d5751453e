package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	BackendRemote = "remote"
	BackendLocal  = "local"
)

// Utterance is one piece of text handed to a synthesis backend.
type Utterance struct {
	Text  string
	Voice string
}

// Playback is audio that has started playing.
type Playback interface {
	// Wait blocks until playback ends and reports a playback error, if any.
	Wait() error
	Pause() error
	Resume() error
	// Stop halts playback. It is safe to call more than once.
	Stop() error
}

// Strategy turns an utterance into playing audio. Start returns once playback
// has begun; it fails when synthesis or playback startup fails.
type Strategy interface {
	Name() string
	Start(ctx context.Context, u Utterance) (Playback, error)
}

// SynthesisError means every strategy tried for an utterance failed.
type SynthesisError struct {
	Text string
	Errs []error
}

func (e *SynthesisError) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		parts = append(parts, err.Error())
	}
	if len(parts) == 0 {
		return "speech synthesis failed: no backend available"
	}
	return fmt.Sprintf("speech synthesis failed: %s", strings.Join(parts, "; "))
}

func (e *SynthesisError) Unwrap() []error { return e.Errs }

// ErrEmptyAudio is returned when a remote synthesizer answers with no audio.
var ErrEmptyAudio = errors.New("synthesizer returned empty audio")

package capture

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoAudio means the recording ended without any captured audio.
	ErrNoAudio = errors.New("no audio recorded")

	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("not recording")
)

// MediaAccessError means no capture strategy could open the microphone.
type MediaAccessError struct {
	Errs []error
}

func (e *MediaAccessError) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("microphone unavailable: %s", strings.Join(parts, "; "))
}

func (e *MediaAccessError) Unwrap() []error { return e.Errs }

package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LocalStrategy speaks through the platform synthesizer command: macOS `say`
// or `espeak-ng`. Text is written to the process on stdin.
type LocalStrategy struct {
	path string

	voicesOnce sync.Once
	voices     []string
}

func NewLocalStrategy(command string) (*LocalStrategy, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("local synthesizer command is empty")
	}
	return &LocalStrategy{path: command}, nil
}

func (l *LocalStrategy) Name() string { return BackendLocal }

func (l *LocalStrategy) Start(_ context.Context, u Utterance) (Playback, error) {
	voice := SelectVoice(l.availableVoices(), MapVoice(u.Voice))
	cmd := exec.Command(l.path, l.args(voice)...)
	cmd.Stdin = strings.NewReader(u.Text)
	pb, err := startProcess(cmd)
	if err != nil {
		return nil, fmt.Errorf("local synthesis: %w", err)
	}
	return pb, nil
}

func (l *LocalStrategy) isSay() bool {
	return filepath.Base(l.path) == "say"
}

func (l *LocalStrategy) args(voice string) []string {
	var args []string
	if voice != "" {
		args = append(args, "-v", voice)
	}
	if !l.isSay() {
		args = append(args, "--stdin")
	}
	return args
}

// availableVoices lists installed voices once per strategy. Listing failures
// leave the platform default voice in effect.
func (l *LocalStrategy) availableVoices() []string {
	l.voicesOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		listArgs := []string{"--voices"}
		if l.isSay() {
			listArgs = []string{"-v", "?"}
		}
		out, err := exec.CommandContext(ctx, l.path, listArgs...).Output()
		if err != nil {
			log.Printf("[speech] list local voices failed: %v", err)
			return
		}
		if l.isSay() {
			l.voices = parseSayVoices(string(out))
		} else {
			l.voices = parseESpeakVoices(string(out))
		}
	})
	return l.voices
}

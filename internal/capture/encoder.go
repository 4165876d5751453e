package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Encoder compresses float32 PCM into a container while recording.
type Encoder interface {
	// Check reports whether the encoder can run on this machine.
	Check(ctx context.Context) error
	// Start returns the PCM input; encoded bytes are written to out. Closing
	// the input flushes the encoder and waits for it.
	Start(sampleRate int, out io.Writer) (io.WriteCloser, error)
	MimeType() string
	Extension() string
}

// OpusEncoder produces WebM/Opus through ffmpeg.
type OpusEncoder struct {
	Path string

	checkOnce sync.Once
	checkErr  error
}

func (e *OpusEncoder) MimeType() string  { return "audio/webm" }
func (e *OpusEncoder) Extension() string { return "webm" }

func (e *OpusEncoder) Check(ctx context.Context) error {
	e.checkOnce.Do(func() {
		out, err := exec.CommandContext(ctx, e.Path, "-hide_banner", "-encoders").Output()
		if err != nil {
			e.checkErr = fmt.Errorf("probe encoders: %w", err)
			return
		}
		if !strings.Contains(string(out), "libopus") {
			e.checkErr = errors.New("ffmpeg has no libopus encoder")
		}
	})
	return e.checkErr
}

func (e *OpusEncoder) Start(sampleRate int, out io.Writer) (io.WriteCloser, error) {
	cmd := exec.Command(e.Path,
		"-hide_banner", "-loglevel", "error",
		"-f", "f32le", "-ar", strconv.Itoa(sampleRate), "-ac", "1", "-i", "pipe:0",
		"-c:a", "libopus", "-f", "webm", "pipe:1",
	)
	cmd.Stdout = out
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	return &encoderInput{stdin: stdin, cmd: cmd}, nil
}

type encoderInput struct {
	stdin io.WriteCloser
	cmd   *exec.Cmd
}

func (e *encoderInput) Write(b []byte) (int, error) { return e.stdin.Write(b) }

func (e *encoderInput) Close() error {
	_ = e.stdin.Close()
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	return nil
}

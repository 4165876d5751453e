package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Source opens a live microphone stream of mono little-endian float32 samples.
type Source interface {
	Open(ctx context.Context, sampleRate int) (io.ReadCloser, error)
}

// FFmpegSource captures through ffmpeg's platform input device.
type FFmpegSource struct {
	Path        string
	InputFormat string
	Device      string
}

func (s FFmpegSource) Open(_ context.Context, sampleRate int) (io.ReadCloser, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", s.InputFormat, "-i", s.Device,
		"-ac", "1", "-ar", strconv.Itoa(sampleRate),
		"-f", "f32le", "pipe:1",
	}
	return startPipedProcess(exec.Command(s.Path, args...))
}

// pipedProcess streams a child's stdout through an OS pipe so Wait never
// blocks on an unread copy.
type pipedProcess struct {
	cmd    *exec.Cmd
	out    *os.File
	stderr bytes.Buffer

	waitOnce sync.Once
	waitErr  error
}

func startPipedProcess(cmd *exec.Cmd) (*pipedProcess, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}
	p := &pipedProcess{cmd: cmd, out: pr}
	cmd.Stdout = pw
	cmd.Stderr = &p.stderr
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	pw.Close()
	return p, nil
}

func (p *pipedProcess) Read(b []byte) (int, error) {
	n, err := p.out.Read(b)
	if errors.Is(err, io.EOF) {
		if werr := p.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (p *pipedProcess) wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err != nil {
			if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
		}
		p.waitErr = err
	})
	return p.waitErr
}

func (p *pipedProcess) Close() error {
	// Kill fails harmlessly when the process already exited.
	_ = p.cmd.Process.Kill()
	_ = p.wait()
	return p.out.Close()
}

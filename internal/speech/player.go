package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
)

// Player plays an encoded audio clip.
type Player interface {
	Play(ctx context.Context, audio []byte) (Playback, error)
}

// ExecPlayer pipes audio into an external player process on stdin.
type ExecPlayer struct {
	path string
	args []string
}

// NewExecPlayer builds a player from a command line such as "ffplay" or
// "mpv --really-quiet -". Quoting follows POSIX shell rules. A bare ffplay gets
// flags for headless stdin playback.
func NewExecPlayer(commandLine string) (*ExecPlayer, error) {
	fields, err := shellquote.Split(commandLine)
	if err != nil {
		return nil, fmt.Errorf("parse audio player command: %w", err)
	}
	if len(fields) == 0 {
		return nil, errors.New("audio player command is empty")
	}
	args := fields[1:]
	if len(args) == 0 && filepath.Base(fields[0]) == "ffplay" {
		args = []string{"-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "pipe:0"}
	}
	return &ExecPlayer{path: fields[0], args: args}, nil
}

func (p *ExecPlayer) Play(_ context.Context, audio []byte) (Playback, error) {
	cmd := exec.Command(p.path, p.args...)
	cmd.Stdin = bytes.NewReader(audio)
	return startProcess(cmd)
}

// procPlayback tracks one player or synthesizer process.
type procPlayback struct {
	cmd      *exec.Cmd
	finished chan struct{}
	err      error

	mu      sync.Mutex
	stopped bool
}

func startProcess(cmd *exec.Cmd) (*procPlayback, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", filepath.Base(cmd.Path), err)
	}
	p := &procPlayback{cmd: cmd, finished: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
		}
		p.err = err
		close(p.finished)
	}()
	return p, nil
}

func (p *procPlayback) Wait() error {
	<-p.finished
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return nil
	}
	return p.err
}

func (p *procPlayback) Pause() error {
	return pauseProcess(p.cmd.Process)
}

func (p *procPlayback) Resume() error {
	return resumeProcess(p.cmd.Process)
}

func (p *procPlayback) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	select {
	case <-p.finished:
		return nil
	default:
	}

	// A stopped (paused) process never sees the interrupt until continued.
	_ = resumeProcess(p.cmd.Process)
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
		<-p.finished
		return nil
	}
	select {
	case <-time.After(1200 * time.Millisecond):
		_ = p.cmd.Process.Kill()
		<-p.finished
	case <-p.finished:
	}
	return nil
}

//go:build !windows

package speech

import (
	"os"
	"syscall"
)

func pauseProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Signal(syscall.SIGSTOP)
}

func resumeProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Signal(syscall.SIGCONT)
}

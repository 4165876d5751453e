//go:build windows

package speech

import (
	"errors"
	"os"
)

var errPauseUnsupported = errors.New("pause is not supported for external players on windows")

func pauseProcess(*os.Process) error  { return errPauseUnsupported }
func resumeProcess(*os.Process) error { return errPauseUnsupported }

//go:build unix

package lifecycle

import (
	"os"
	"syscall"
)

var (
	backgroundSignal os.Signal = syscall.SIGUSR1
	activeSignal     os.Signal = syscall.SIGUSR2
)

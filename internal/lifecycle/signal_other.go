//go:build !unix

package lifecycle

import "os"

// No user signals outside unix; SignalSource idles.
var (
	backgroundSignal os.Signal
	activeSignal     os.Signal
)

//go:build !tinygo

package core

import "sync"

// State is a placeholder for interrupt state on regular Go
type State uintptr

// On regular Go a mutex stands in for interrupt masking, so host tests that
// drive a channel from several goroutines see the same exclusion as the ISR.
// Critical sections must not nest.
var interruptMu sync.Mutex

// disableInterrupts enters the critical section
func disableInterrupts() State {
	interruptMu.Lock()
	return 0
}

// restoreInterrupts leaves the critical section
func restoreInterrupts(state State) {
	interruptMu.Unlock()
}

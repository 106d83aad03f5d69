// Link housekeeping commands
package core

import (
	"sync/atomic"

	"pwmtimer/protocol"
)

// Command and response names
const (
	CmdGetClock = "get_clock"
	CmdReset    = "reset"
	RespClock   = "clock"

	FmtClock = "clock=%u"
)

var (
	// Reset handler set by target code
	resetHandler func()

	// resetPending is set when a reset command is received.
	// The actual reset happens in the main loop after the ack is sent.
	resetPending uint32 // atomic bool
)

// InitSystemCommands registers the housekeeping commands with the global
// registry. Call it after InitChannelCommands.
func InitSystemCommands() {
	registerSystemCommands(globalRegistry, true)
}

// RegisterProtocol registers every firmware command and response without
// handlers, in firmware order
func RegisterProtocol(r *CommandRegistry) {
	registerChannelCommands(r, false)
	registerSystemCommands(r, false)
}

func registerSystemCommands(r *CommandRegistry, withHandlers bool) {
	var getClock, reset CommandHandler
	if withHandlers {
		getClock, reset = handleGetClock, handleReset
	}
	r.Register(CmdGetClock, "", getClock)
	r.Register(CmdReset, "", reset)
	r.Register(RespClock, FmtClock, nil)
}

// SetResetHandler sets the platform-specific reset handler
func SetResetHandler(handler func()) {
	resetHandler = handler
}

// handleGetClock returns the current clock value
func handleGetClock(data *[]byte) error {
	clock := GetTime()
	SendResponse(RespClock, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, clock)
	})
	return nil
}

// handleReset arms a reset. It is deferred until the ack has gone out.
func handleReset(_ *[]byte) error {
	atomic.StoreUint32(&resetPending, 1)
	return nil
}

// CheckPendingReset runs the reset handler if a reset was requested.
// Called from the main loop after pending output is written.
func CheckPendingReset() bool {
	if atomic.SwapUint32(&resetPending, 0) == 0 {
		return false
	}
	if resetHandler != nil {
		resetHandler()
	}
	return true
}

package core

import "sync/atomic"

// systemTicks is updated by target code from the hardware timer
var systemTicks uint32

// GetTime returns the current system time in timer ticks.
// Only used to timestamp events; PWM timing never depends on it.
func GetTime() uint32 {
	return atomic.LoadUint32(&systemTicks)
}

// SetTime sets the current system time (for testing/hardware integration)
func SetTime(ticks uint32) {
	atomic.StoreUint32(&systemTicks, ticks)
}

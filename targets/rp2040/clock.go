//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"

	"pwmtimer/core"
)

// RP2040 Timer peripheral memory map
const (
	timerBase     = 0x40054000
	timerTIMERAWL = timerBase + 0x0C // Raw timer low word
)

var timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))

// GetHardwareTime reads the low 32 bits of the 1 MHz microsecond counter
func GetHardwareTime() uint32 {
	return timerRAWL.Get()
}

// UpdateSystemTime updates the core clock that event records and get_clock
// report. Called from the main loop.
func UpdateSystemTime() {
	core.SetTime(GetHardwareTime())
}

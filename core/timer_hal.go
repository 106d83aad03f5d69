package core

import "errors"

var (
	// ErrUnknownTimer is returned when no driver is registered at an index
	ErrUnknownTimer = errors.New("unknown timer")
)

// MaxTimers is the number of timer driver slots
const MaxTimers = 8

// ClockSource reports the frequency of the clock feeding a peripheral's prescaler
type ClockSource interface {
	ClockHz() uint32
}

// CompareTimer is the abstract counter/compare unit that channels drive.
// Platform-specific implementations handle actual hardware control.
type CompareTimer interface {
	ClockSource

	// CounterMax returns the largest period the counter can hold
	CounterMax() uint32

	// ConfigurePWM programs the prescaler, the period and the LIVE compare
	// register, then starts the counter in continuous periodic PWM mode
	ConfigurePWM(prescale, period, threshold uint32) error

	// SetCompare writes the live compare register. Takes effect mid-period.
	SetCompare(threshold uint32)

	// SetCompareBuffer writes the compare buffer register, which the
	// hardware copies into the live register at the next wrap.
	// Only meaningful when CompareBuffered reports true.
	SetCompareBuffer(threshold uint32)

	// Compare reads back the live compare register
	Compare() uint32

	// CompareBuffered reports whether the hardware latches the compare
	// buffer into the live register at each period boundary
	CompareBuffered() bool
}

// Timer drivers registered by target code, indexed by the host-visible timer number
var timerDrivers [MaxTimers]CompareTimer

// RegisterTimer is called by target-specific code to register a driver.
func RegisterTimer(index uint8, t CompareTimer) error {
	if int(index) >= MaxTimers {
		return ErrUnknownTimer
	}
	timerDrivers[index] = t
	return nil
}

// GetTimer returns the driver registered at index.
func GetTimer(index uint8) (CompareTimer, error) {
	if int(index) >= MaxTimers || timerDrivers[index] == nil {
		return nil, ErrUnknownTimer
	}
	return timerDrivers[index], nil
}

// resetTimers clears the driver table (tests)
func resetTimers() {
	for i := range timerDrivers {
		timerDrivers[i] = nil
	}
}

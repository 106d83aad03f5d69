// PWM parameter calculation
// Derives counter period ("top") and compare threshold from a target
// frequency and duty cycle. The counter counts 0..period inclusive, so one
// PWM period lasts period+1 ticks, and the output is active while the counter
// is below the threshold (threshold == period means always active).
package core

import (
	"errors"
	"math"
)

var (
	// ErrInvalidParameter is returned for out-of-range or unrealizable inputs
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Duty cycle bounds in percent
const (
	DutyMin = 0
	DutyMax = 100
)

// paramError carries a description and unwraps to ErrInvalidParameter.
// Built with itoa so the calculator does not pull fmt into firmware builds.
type paramError struct {
	msg string
}

func (e *paramError) Error() string { return e.msg + ": " + ErrInvalidParameter.Error() }

func (e *paramError) Unwrap() error { return ErrInvalidParameter }

func invalidParameter(msg string) error {
	return &paramError{msg: msg}
}

// ComputePeriod returns the counter period for the target frequency:
//
//	period = round(clockHz / (prescale * frequencyHz)) - 1
//
// counterMax is the largest period the counter can hold.
func ComputePeriod(clockHz, prescale uint32, frequencyHz float64, counterMax uint32) (uint32, error) {
	if clockHz == 0 {
		return 0, invalidParameter("clock frequency must be positive")
	}
	if prescale == 0 {
		return 0, invalidParameter("prescale divisor must be positive")
	}
	if !(frequencyHz > 0) || math.IsInf(frequencyHz, 0) {
		return 0, invalidParameter("target frequency must be positive")
	}
	if counterMax == 0 {
		return 0, invalidParameter("counter width is zero")
	}

	ticks := math.Round(float64(clockHz) / (float64(prescale) * frequencyHz))
	if ticks < 2 {
		return 0, invalidParameter("target frequency too high for clock " +
			itoa(int(clockHz)) + " Hz / " + itoa(int(prescale)))
	}
	if ticks-1 > float64(counterMax) {
		return 0, invalidParameter("period exceeds counter maximum " + itoa(int(counterMax)))
	}
	return uint32(ticks) - 1, nil
}

// ComputeThreshold returns floor(period * dutyPercent / 100).
// Duty cycles outside [0, 100] are rejected rather than clamped.
func ComputeThreshold(period uint32, dutyPercent int32) (uint32, error) {
	if period == 0 {
		return 0, invalidParameter("period must be at least 1")
	}
	if dutyPercent < DutyMin || dutyPercent > DutyMax {
		return 0, invalidParameter("duty cycle " + itoa(int(dutyPercent)) + "% outside [0, 100]")
	}

	threshold := uint64(period) * uint64(dutyPercent) / DutyMax
	if threshold > uint64(period) {
		threshold = uint64(period)
	}
	return uint32(threshold), nil
}

// DutyFromThreshold converts a threshold back to a whole percentage (rounded down)
func DutyFromThreshold(period, threshold uint32) int32 {
	if period == 0 {
		return 0
	}
	if threshold >= period {
		return DutyMax
	}
	return int32(uint64(threshold) * DutyMax / uint64(period))
}

// ActualFrequency returns the output frequency a programmed period produces
func ActualFrequency(clockHz, prescale, period uint32) float64 {
	if prescale == 0 {
		return 0
	}
	return float64(clockHz) / (float64(prescale) * (float64(period) + 1))
}

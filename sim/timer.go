// Package sim models a counter/compare peripheral in software.
//
// The model follows the usual MCU timer layout: an up-counter that wraps
// after reaching its top value, a live compare register that decides the
// output level, and an optional compare buffer that the hardware copies into
// the live register at each wrap. It implements core.CompareTimer so channels
// can run on the host.
package sim

import (
	"errors"
	"sync"

	"pwmtimer/core"
)

var (
	// ErrNotConfigured is returned by Tick before ConfigurePWM
	ErrNotConfigured = errors.New("sim: timer not configured")
)

// DefaultPulseHistory is the number of completed periods a Timer remembers
const DefaultPulseHistory = 1024

// Pulse is the record of one completed period
type Pulse struct {
	Active    uint32 // Ticks the output was active
	Period    uint32 // Ticks in the period
	Threshold uint32 // Live compare value at the first tick of the period
	Glitched  bool   // Live compare changed after the period started
}

// Duty returns the active share of the period in percent
func (p Pulse) Duty() float64 {
	if p.Period == 0 {
		return 0
	}
	return float64(p.Active) * 100 / float64(p.Period)
}

// Timer is a simulated counter/compare unit. One tick of the model is one
// prescaled clock edge; the prescale passed to ConfigurePWM is recorded but
// not simulated.
type Timer struct {
	mu sync.Mutex

	clockHz    uint32
	counterMax uint32
	buffered   bool

	running   bool
	prescale  uint32
	top       uint32
	counter   uint32
	live      uint32
	buffer    uint32
	bufferSet bool

	// Current period
	samples    uint32
	active     uint32
	periodLive uint32
	glitched   bool

	pulses []Pulse
	keep   int
	wraps  uint64
	ticks  uint64

	onWrap func()
}

// NewTimer creates a simulated timer. buffered selects hardware
// compare-buffer semantics.
func NewTimer(clockHz, counterMax uint32, buffered bool) *Timer {
	return &Timer{
		clockHz:    clockHz,
		counterMax: counterMax,
		buffered:   buffered,
		keep:       DefaultPulseHistory,
	}
}

// OnWrap sets the callback run after every wrap, the equivalent of the
// period-elapsed interrupt. It runs without the timer lock held.
func (t *Timer) OnWrap(fn func()) {
	t.mu.Lock()
	t.onWrap = fn
	t.mu.Unlock()
}

// ClockHz implements core.ClockSource
func (t *Timer) ClockHz() uint32 {
	return t.clockHz
}

// CounterMax implements core.CompareTimer
func (t *Timer) CounterMax() uint32 {
	return t.counterMax
}

// CompareBuffered implements core.CompareTimer
func (t *Timer) CompareBuffered() bool {
	return t.buffered
}

// ConfigurePWM implements core.CompareTimer. The counter restarts at zero.
func (t *Timer) ConfigurePWM(prescale, period, threshold uint32) error {
	if prescale == 0 || period == 0 || period > t.counterMax {
		return core.ErrInvalidParameter
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prescale = prescale
	t.top = period
	t.counter = 0
	t.live = threshold
	t.buffer = threshold
	t.bufferSet = false
	t.samples = 0
	t.active = 0
	t.glitched = false
	t.pulses = t.pulses[:0]
	t.running = true
	return nil
}

// SetCompare writes the live compare register. It takes effect on the next
// tick, even in the middle of a period.
func (t *Timer) SetCompare(threshold uint32) {
	t.mu.Lock()
	t.live = threshold
	t.mu.Unlock()
}

// SetCompareBuffer writes the compare buffer register
func (t *Timer) SetCompareBuffer(threshold uint32) {
	t.mu.Lock()
	t.buffer = threshold
	t.bufferSet = true
	t.mu.Unlock()
}

// Compare implements core.CompareTimer
func (t *Timer) Compare() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Prescale returns the prescale of the last ConfigurePWM
func (t *Timer) Prescale() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prescale
}

// Top returns the counter top value
func (t *Timer) Top() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.top
}

// Counter returns the current counter value
func (t *Timer) Counter() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counter
}

// Output returns the level the output has at the current counter value
func (t *Timer) Output() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level()
}

// Wraps returns the number of completed periods since creation
func (t *Timer) Wraps() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wraps
}

// Ticks returns the number of counter ticks since creation
func (t *Timer) Ticks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

// Pulses returns the completed periods since the last ConfigurePWM,
// oldest first, bounded by DefaultPulseHistory
func (t *Timer) Pulses() []Pulse {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Pulse, len(t.pulses))
	copy(out, t.pulses)
	return out
}

// level is active while the counter is below the compare value.
// A compare value at or above top keeps the output active all period.
func (t *Timer) level() bool {
	return t.counter < t.live || t.live >= t.top
}

// Tick advances the counter by n ticks, running the wrap callback after
// each wrap
func (t *Timer) Tick(n uint32) error {
	for i := uint32(0); i < n; i++ {
		wrapped, err := t.step()
		if err != nil {
			return err
		}
		if wrapped {
			t.mu.Lock()
			fn := t.onWrap
			t.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	}
	return nil
}

// RunPeriods advances until n more wraps have happened
func (t *Timer) RunPeriods(n int) error {
	target := t.Wraps() + uint64(n)
	for t.Wraps() < target {
		if err := t.Tick(1); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceTo ticks until the counter equals value. Value must not exceed top.
func (t *Timer) AdvanceTo(value uint32) error {
	if value > t.Top() {
		return core.ErrInvalidParameter
	}
	for t.Counter() != value {
		if err := t.Tick(1); err != nil {
			return err
		}
	}
	return nil
}

func (t *Timer) step() (wrapped bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return false, ErrNotConfigured
	}

	if t.samples == 0 {
		t.periodLive = t.live
	} else if t.live != t.periodLive {
		t.glitched = true
	}
	t.samples++
	t.ticks++
	if t.level() {
		t.active++
	}

	if t.counter < t.top {
		t.counter++
		return false, nil
	}

	// Wrap: close the period, then latch the compare buffer
	t.pulses = append(t.pulses, Pulse{
		Active:    t.active,
		Period:    t.samples,
		Threshold: t.periodLive,
		Glitched:  t.glitched,
	})
	if len(t.pulses) > t.keep {
		t.pulses = t.pulses[len(t.pulses)-t.keep:]
	}
	t.counter = 0
	t.samples = 0
	t.active = 0
	t.glitched = false
	if t.buffered && t.bufferSet {
		t.live = t.buffer
		t.bufferSet = false
	}
	t.wraps++
	return true, nil
}

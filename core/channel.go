// Timer channel controller
// Owns one counter/compare unit, programs it for periodic PWM output and
// applies duty cycle changes only at period boundaries.
package core

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrNotRunning is returned for duty requests before a successful Initialize
	ErrNotRunning = errors.New("channel not running")
)

// ChannelState is the lifecycle state of a channel
type ChannelState uint32

const (
	ChannelUninitialized ChannelState = iota
	ChannelConfigured
	ChannelRunning
)

func (s ChannelState) String() string {
	switch s {
	case ChannelUninitialized:
		return "uninitialized"
	case ChannelConfigured:
		return "configured"
	case ChannelRunning:
		return "running"
	default:
		return "unknown"
	}
}

// ChannelConfig holds the derived register values of a channel
type ChannelConfig struct {
	FrequencyHz float64 // Requested output frequency
	Prescale    uint32  // Divisor applied to the clock before counting
	Period      uint32  // Counter top value (period+1 ticks per PWM period)
	Threshold   uint32  // Initial compare value
}

// ChannelStats counts boundary commits and rejected duty requests
type ChannelStats struct {
	Commits uint32
	Rejects uint32
}

// Channel drives one CompareTimer.
//
// RequestDutyCycle may be called from any context, including interrupts.
// OnPeriodBoundary must only be called from the timer's period-elapsed
// notification and never re-enters itself for the same channel.
type Channel struct {
	OID   uint8
	timer CompareTimer

	state  uint32 // ChannelState, atomic
	config ChannelConfig

	// Pending threshold, single 32-bit slot. Last writer wins.
	buffered uint32
	// Mirror of the live compare register after the last commit
	live uint32

	commits uint32
	rejects uint32
}

// NewChannel creates an uninitialized channel on the given timer
func NewChannel(oid uint8, timer CompareTimer) *Channel {
	return &Channel{
		OID:   oid,
		timer: timer,
	}
}

// Initialize derives period and threshold, programs the timer and starts it.
// Parameter errors leave the channel as it was. A driver error leaves it
// uninitialized. Calling it again on a running channel reprograms the timer,
// which is how the frequency is changed; it must not race RequestDutyCycle.
func (c *Channel) Initialize(clockHz uint32, frequencyHz float64, prescale uint32, dutyPercent int32) error {
	period, err := ComputePeriod(clockHz, prescale, frequencyHz, c.timer.CounterMax())
	if err != nil {
		return err
	}
	threshold, err := ComputeThreshold(period, dutyPercent)
	if err != nil {
		return err
	}

	c.config = ChannelConfig{
		FrequencyHz: frequencyHz,
		Prescale:    prescale,
		Period:      period,
		Threshold:   threshold,
	}
	c.setState(ChannelConfigured)

	if err := c.timer.ConfigurePWM(prescale, period, threshold); err != nil {
		c.setState(ChannelUninitialized)
		return err
	}

	atomic.StoreUint32(&c.buffered, threshold)
	atomic.StoreUint32(&c.live, threshold)
	c.setState(ChannelRunning)

	RecordEvent(EvtChannelInit, c.OID, GetTime(), period, threshold)
	return nil
}

// RequestDutyCycle stages a new duty cycle. The output is unaffected until
// the next period boundary. Invalid requests leave the staged and live
// thresholds untouched.
func (c *Channel) RequestDutyCycle(dutyPercent int32) error {
	if c.State() != ChannelRunning {
		return ErrNotRunning
	}

	threshold, err := ComputeThreshold(c.config.Period, dutyPercent)
	if err != nil {
		atomic.AddUint32(&c.rejects, 1)
		RecordEvent(EvtDutyReject, c.OID, GetTime(), uint32(dutyPercent), 0)
		return err
	}

	atomic.StoreUint32(&c.buffered, threshold)
	if c.timer.CompareBuffered() {
		c.timer.SetCompareBuffer(threshold)
	}

	RecordEvent(EvtDutyRequest, c.OID, GetTime(), uint32(dutyPercent), threshold)
	return nil
}

// OnPeriodBoundary commits the staged threshold into the live register.
// Does nothing else: the counter free-runs and stays armed.
func (c *Channel) OnPeriodBoundary() {
	if c.State() != ChannelRunning {
		return
	}

	var live uint32
	if c.timer.CompareBuffered() {
		// Hardware already latched the buffer at the wrap
		live = c.timer.Compare()
	} else {
		state := disableInterrupts()
		live = atomic.LoadUint32(&c.buffered)
		c.timer.SetCompare(live)
		restoreInterrupts(state)
	}

	atomic.StoreUint32(&c.live, live)
	atomic.AddUint32(&c.commits, 1)
	RecordEvent(EvtBoundaryCommit, c.OID, GetTime(), live, 0)
}

// State returns the lifecycle state
func (c *Channel) State() ChannelState {
	return ChannelState(atomic.LoadUint32(&c.state))
}

func (c *Channel) setState(s ChannelState) {
	atomic.StoreUint32(&c.state, uint32(s))
}

// Config returns the derived configuration
func (c *Channel) Config() ChannelConfig {
	return c.config
}

// Timer returns the driven timer
func (c *Channel) Timer() CompareTimer {
	return c.timer
}

// LiveThreshold returns the threshold governing the output
func (c *Channel) LiveThreshold() uint32 {
	return atomic.LoadUint32(&c.live)
}

// BufferedThreshold returns the staged threshold
func (c *Channel) BufferedThreshold() uint32 {
	return atomic.LoadUint32(&c.buffered)
}

// DutyCycle returns the live duty cycle in whole percent
func (c *Channel) DutyCycle() int32 {
	return DutyFromThreshold(c.config.Period, c.LiveThreshold())
}

// Stats returns commit and reject counters
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Commits: atomic.LoadUint32(&c.commits),
		Rejects: atomic.LoadUint32(&c.rejects),
	}
}

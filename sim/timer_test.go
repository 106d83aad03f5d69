package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwmtimer/core"
)

func activeTicks(pulses []Pulse) []uint32 {
	out := make([]uint32, len(pulses))
	for i, p := range pulses {
		out[i] = p.Active
	}
	return out
}

func TestTimerPulseWidth(t *testing.T) {
	tests := []struct {
		threshold uint32
		active    uint32
	}{
		{0, 0},
		{1, 1},
		{3, 3},
		{8, 8},
		{9, 10}, // threshold == period keeps the output on
	}

	for _, tt := range tests {
		tm := NewTimer(1000, 65535, false)
		require.NoError(t, tm.ConfigurePWM(1, 9, tt.threshold))
		require.NoError(t, tm.RunPeriods(2))

		pulses := tm.Pulses()
		require.Len(t, pulses, 2)
		for _, p := range pulses {
			assert.Equal(t, uint32(10), p.Period)
			assert.Equal(t, tt.active, p.Active, "threshold %d", tt.threshold)
			assert.False(t, p.Glitched)
		}
	}
}

func TestTimerMidPeriodWriteGlitches(t *testing.T) {
	tm := NewTimer(1000, 65535, false)
	require.NoError(t, tm.ConfigurePWM(1, 9, 3))

	require.NoError(t, tm.AdvanceTo(5))
	tm.SetCompare(7)
	require.NoError(t, tm.RunPeriods(2))

	pulses := tm.Pulses()
	require.Len(t, pulses, 2)
	assert.True(t, pulses[0].Glitched)
	// 0..2 under the old compare, 5..6 under the new one
	assert.Equal(t, uint32(5), pulses[0].Active)
	assert.False(t, pulses[1].Glitched)
	assert.Equal(t, uint32(7), pulses[1].Active)
}

func TestTimerBufferLatchesAtWrap(t *testing.T) {
	tm := NewTimer(1000, 65535, true)
	require.NoError(t, tm.ConfigurePWM(1, 9, 3))

	require.NoError(t, tm.AdvanceTo(5))
	tm.SetCompareBuffer(7)
	assert.Equal(t, uint32(3), tm.Compare(), "buffer must not reach the live register mid-period")

	require.NoError(t, tm.RunPeriods(2))
	assert.Equal(t, uint32(7), tm.Compare())
	assert.Equal(t, []uint32{3, 7}, activeTicks(tm.Pulses()))
}

func TestTimerNotConfigured(t *testing.T) {
	tm := NewTimer(1000, 65535, false)
	assert.ErrorIs(t, tm.Tick(1), ErrNotConfigured)
}

func TestTimerConfigureRejects(t *testing.T) {
	tm := NewTimer(1000, 255, false)
	assert.ErrorIs(t, tm.ConfigurePWM(0, 9, 3), core.ErrInvalidParameter)
	assert.ErrorIs(t, tm.ConfigurePWM(1, 0, 0), core.ErrInvalidParameter)
	assert.ErrorIs(t, tm.ConfigurePWM(1, 256, 3), core.ErrInvalidParameter)
	assert.NoError(t, tm.ConfigurePWM(1, 255, 3))
	assert.Equal(t, uint32(255), tm.Top())
}

func TestTimerAdvanceToBeyondTop(t *testing.T) {
	tm := NewTimer(1000, 65535, false)
	require.NoError(t, tm.ConfigurePWM(1, 9, 3))
	assert.ErrorIs(t, tm.AdvanceTo(10), core.ErrInvalidParameter)
}

func TestTimerPulseHistoryBounded(t *testing.T) {
	tm := NewTimer(1000, 65535, false)
	require.NoError(t, tm.ConfigurePWM(1, 1, 1))
	require.NoError(t, tm.RunPeriods(DefaultPulseHistory+10))

	assert.Len(t, tm.Pulses(), DefaultPulseHistory)
	assert.Equal(t, uint64(DefaultPulseHistory+10), tm.Wraps())
	assert.Equal(t, uint64(2*(DefaultPulseHistory+10)), tm.Ticks())
	assert.Equal(t, uint32(1), tm.Prescale())
}

// A channel driven by the wrap callback changes width only on whole periods
func TestChannelOnSimulatedTimer(t *testing.T) {
	for _, buffered := range []bool{false, true} {
		tm := NewTimer(1000, 65535, buffered)
		ch := core.NewChannel(0, tm)
		tm.OnWrap(ch.OnPeriodBoundary)

		// 100 Hz from 1 kHz: period 9, 30% -> threshold 2, 60% -> threshold 5
		require.NoError(t, ch.Initialize(tm.ClockHz(), 100, 1, 30))
		require.NoError(t, tm.RunPeriods(2))

		require.NoError(t, tm.AdvanceTo(4))
		require.NoError(t, ch.RequestDutyCycle(60))
		assert.Equal(t, uint32(2), tm.Compare(), "buffered=%v", buffered)

		require.NoError(t, tm.RunPeriods(2))

		pulses := tm.Pulses()
		assert.Equal(t, []uint32{2, 2, 2, 5}, activeTicks(pulses), "buffered=%v", buffered)
		for i, p := range pulses {
			assert.False(t, p.Glitched, "period %d glitched (buffered=%v)", i, buffered)
		}
		assert.Equal(t, uint32(5), ch.LiveThreshold())
		assert.Equal(t, uint32(4), ch.Stats().Commits)
	}
}

func TestPulseDuty(t *testing.T) {
	assert.InDelta(t, 30.0, Pulse{Active: 3, Period: 10}.Duty(), 1e-9)
	assert.Zero(t, Pulse{}.Duty())
}

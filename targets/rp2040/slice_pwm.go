//go:build rp2040

package main

import (
	"device/rp"
	"machine"
	"runtime/interrupt"
	"runtime/volatile"
	"unsafe"

	"tinygo.org/x/drivers/servo"

	"pwmtimer/core"
)

// RP2040 PWM block memory map
const (
	pwmBase      = 0x40050000
	pwmSliceSize = 0x14
	pwmCSROffset = 0x00
	pwmDIVOffset = 0x04
	pwmCCOffset  = 0x0C
	pwmTOPOffset = 0x10
	pwmINTR      = pwmBase + 0xA4
	pwmINTE      = pwmBase + 0xA8
	pwmINTS      = pwmBase + 0xB0
	pwmCSREnable = 1 << 0
	pwmDIVIntPos = 4
)

// sliceCounterMax leaves room for CC = TOP+1, the only compare value that
// keeps the output high through the whole period
const sliceCounterMax = 0xFFFE

var (
	pwmIntr = (*volatile.Register32)(unsafe.Pointer(uintptr(pwmINTR)))
	pwmInte = (*volatile.Register32)(unsafe.Pointer(uintptr(pwmINTE)))
	pwmInts = (*volatile.Register32)(unsafe.Pointer(uintptr(pwmINTS)))

	// Slice drivers by slice number, for the shared wrap interrupt
	sliceTimers [8]*SlicePWM
)

// SlicePWM drives one channel of an RP2040 PWM slice as a core.CompareTimer.
// The slice latches CC and TOP at each wrap, so the compare buffer is the
// CC register itself.
type SlicePWM struct {
	pwm     servo.PWM
	slice   uint8
	pin     machine.Pin
	channel uint8
	index   uint8 // core timer index

	csr *volatile.Register32
	div *volatile.Register32
	cc  *volatile.Register32
	top *volatile.Register32

	period uint32
	shadow core.CompareShadow
}

// NewSlicePWM returns a driver for the slice that owns pin
func NewSlicePWM(pin machine.Pin, index uint8) *SlicePWM {
	slice := uint8((uint32(pin) >> 1) & 0x7)
	base := uintptr(pwmBase + uint32(slice)*pwmSliceSize)
	return &SlicePWM{
		pwm:   getPWMPeripheral(slice),
		slice: slice,
		pin:   pin,
		index: index,
		csr:   (*volatile.Register32)(unsafe.Pointer(base + pwmCSROffset)),
		div:   (*volatile.Register32)(unsafe.Pointer(base + pwmDIVOffset)),
		cc:    (*volatile.Register32)(unsafe.Pointer(base + pwmCCOffset)),
		top:   (*volatile.Register32)(unsafe.Pointer(base + pwmTOPOffset)),
	}
}

// ClockHz implements core.ClockSource. Slices count the system clock.
func (s *SlicePWM) ClockHz() uint32 {
	return machine.CPUFrequency()
}

// CounterMax implements core.CompareTimer
func (s *SlicePWM) CounterMax() uint32 {
	return sliceCounterMax
}

// CompareBuffered implements core.CompareTimer
func (s *SlicePWM) CompareBuffered() bool {
	return true
}

// ConfigurePWM implements core.CompareTimer. The prescale goes into the
// integer part of the 8.4 divider; 256 is encoded as 0.
func (s *SlicePWM) ConfigurePWM(prescale, period, threshold uint32) error {
	if prescale == 0 || prescale > 256 || period == 0 || period > sliceCounterMax {
		return core.ErrInvalidParameter
	}

	// Let the machine package mux the pin and enable the slice, then take
	// over the counter registers
	if err := s.pwm.Configure(machine.PWMConfig{}); err != nil {
		return err
	}
	channel, err := s.pwm.Channel(s.pin)
	if err != nil {
		return err
	}

	s.csr.ClearBits(pwmCSREnable)
	s.channel = channel
	s.period = period
	s.div.Set((prescale & 0xFF) << pwmDIVIntPos)
	s.top.Set(period)
	s.shadow.Reset(threshold)
	s.writeCC(threshold)
	s.csr.SetBits(pwmCSREnable)

	sliceTimers[s.slice] = s
	pwmIntr.Set(1 << s.slice)
	pwmInte.SetBits(1 << s.slice)
	return nil
}

// SetCompare implements core.CompareTimer. CC is always double-buffered on
// this hardware, so a live write lands at the next wrap too.
func (s *SlicePWM) SetCompare(threshold uint32) {
	s.SetCompareBuffer(threshold)
}

// SetCompareBuffer implements core.CompareTimer. A write that follows a wrap
// still waiting for its interrupt belongs to the next wrap, so the value the
// hardware just took is kept for that interrupt.
func (s *SlicePWM) SetCompareBuffer(threshold uint32) {
	state := interrupt.Disable()
	s.shadow.Write(threshold, pwmIntr.Get()&(1<<s.slice) != 0)
	s.writeCC(threshold)
	interrupt.Restore(state)
}

// Compare implements core.CompareTimer
func (s *SlicePWM) Compare() uint32 {
	return s.shadow.Latched()
}

// writeCC updates this slice channel's half of CC
func (s *SlicePWM) writeCC(threshold uint32) {
	if threshold >= s.period {
		threshold = s.period + 1
	}
	if s.channel == 0 {
		s.cc.ReplaceBits(threshold, 0xFFFF, 0)
	} else {
		s.cc.ReplaceBits(threshold, 0xFFFF, 16)
	}
}

// wrap runs in the PWM interrupt after the hardware latched CC
func (s *SlicePWM) wrap() {
	s.shadow.Wrap(true)
	if ch := core.ChannelForTimer(s.index); ch != nil {
		ch.OnPeriodBoundary()
	}
}

// initSliceInterrupt enables the shared PWM wrap interrupt
func initSliceInterrupt() {
	intr := interrupt.New(rp.IRQ_PWM_IRQ_WRAP, handleSliceWrap)
	intr.Enable()
}

func handleSliceWrap(interrupt.Interrupt) {
	status := pwmInts.Get()
	pwmIntr.Set(status)
	for slice := uint8(0); slice < 8; slice++ {
		if status&(1<<slice) == 0 {
			continue
		}
		if s := sliceTimers[slice]; s != nil {
			s.wrap()
		}
	}
}

// getPWMPeripheral returns the PWM peripheral for a given slice number
func getPWMPeripheral(slice uint8) servo.PWM {
	// TinyGo defines PWM0-PWM7 as global variables of type *pwmGroup
	switch slice {
	case 0:
		return machine.PWM0
	case 1:
		return machine.PWM1
	case 2:
		return machine.PWM2
	case 3:
		return machine.PWM3
	case 4:
		return machine.PWM4
	case 5:
		return machine.PWM5
	case 6:
		return machine.PWM6
	default:
		return machine.PWM7
	}
}

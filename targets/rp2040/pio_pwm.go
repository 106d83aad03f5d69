//go:build rp2040

package main

import (
	"device/rp"
	"machine"
	"runtime/interrupt"
	"runtime/volatile"
	"unsafe"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"pwmtimer/core"
)

// PIO PWM program
// The TX FIFO is the compare buffer: a word pushed during a period is pulled
// at the start of the next one and nothing changes mid-period. ISR holds the
// period and Y counts it down, one tick per 4 state machine cycles. The pin
// goes high when Y reaches X and stays high until the reload, so X is
// threshold-1 and an X that Y never reaches keeps the pin low.
//
// Side-set is optional: only the reload and the match drive the pin.
func buildPWMProgram() []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 2}
	return []uint16{
		// .wrap_target
		asm.Pull(false, false).Side(2).Encode(),              // 0: pull noblock     side 0
		rp2pio.EncodeMov(rp2pio.SrcDestX, rp2pio.SrcDestOSR), // 1: mov x, osr
		rp2pio.EncodeMov(rp2pio.SrcDestY, rp2pio.SrcDestISR), // 2: mov y, isr
		asm.IRQSet(true, 0).Encode(),                         // 3: irq nowait 0 rel
		// countdown:
		asm.Jmp(6, rp2pio.JmpXNotEqualY).Encode(),         // 4: jmp x!=y, 6
		asm.Jmp(7, rp2pio.JmpAlways).Side(3).Encode(),     // 5: jmp 7            side 1
		asm.Nop().Encode(),                                // 6: nop
		asm.Jmp(4, rp2pio.JmpYNZeroDec).Delay(1).Encode(), // 7: jmp y--, 4 [1]
		// .wrap
	}
}

const (
	pioPWMOrigin     = 0 // Load at offset 0 for correct jump addresses
	pioCyclesPerTick = 4
	pioCounterMax    = 0xFFFFFFFE
	pioThresholdOff  = 0xFFFFFFFF // X value Y never reaches

	pio0IRQ0INTE = 0x50200000 + 0x12C
)

var pio0Irq0Inte = (*volatile.Register32)(unsafe.Pointer(uintptr(pio0IRQ0INTE)))

// pioTimers maps state machine IRQ flags of PIO0 to their drivers
var pioTimers [4]*PIOPWM

// PIOPWM generates PWM on one pin with a PIO state machine and implements
// core.CompareTimer on top of it
type PIOPWM struct {
	pio    *rp2pio.PIO
	sm     rp2pio.StateMachine
	pin    machine.Pin
	index  uint8 // core timer index
	smNum  uint8
	offset uint8
	loaded bool

	period uint32
	shadow core.CompareShadow
}

// NewPIOPWM creates a PIO0 PWM driver on state machine smNum
func NewPIOPWM(pin machine.Pin, smNum, index uint8) *PIOPWM {
	return &PIOPWM{
		pio:   rp2pio.PIO0,
		sm:    rp2pio.PIO0.StateMachine(smNum),
		pin:   pin,
		index: index,
		smNum: smNum,
	}
}

// ClockHz implements core.ClockSource. One counter tick takes four cycles.
func (p *PIOPWM) ClockHz() uint32 {
	return machine.CPUFrequency() / pioCyclesPerTick
}

// CounterMax implements core.CompareTimer
func (p *PIOPWM) CounterMax() uint32 {
	return pioCounterMax
}

// CompareBuffered implements core.CompareTimer
func (p *PIOPWM) CompareBuffered() bool {
	return true
}

// ConfigurePWM implements core.CompareTimer. The prescale is the integer
// clock divider of the state machine.
func (p *PIOPWM) ConfigurePWM(prescale, period, threshold uint32) error {
	if prescale == 0 || prescale > 0xFFFF || period == 0 || period > pioCounterMax {
		return core.ErrInvalidParameter
	}

	if !p.loaded {
		p.sm.TryClaim()
		offset, err := p.pio.AddProgram(buildPWMProgram(), pioPWMOrigin)
		if err != nil {
			return err
		}
		p.offset = offset
		p.loaded = true
		p.pin.Configure(machine.PinConfig{Mode: p.pio.PinMode()})
	}

	p.sm.SetEnabled(false)
	p.sm.ClearFIFOs()

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetSidesetParams(2, true, false)
	cfg.SetSidesetPins(p.pin)
	cfg.SetWrap(p.offset, p.offset+7)
	cfg.SetClkDivIntFrac(uint16(prescale), 0)
	cfg.SetOutShift(false, false, 32)
	p.sm.Init(p.offset, cfg)

	p.sm.SetPindirsConsecutive(p.pin, 1, true)
	p.sm.SetPinsConsecutive(p.pin, 1, false)

	// ISR = period-1: Y runs period-1..0 plus the reload tick
	p.sm.TxPut(period - 1)
	p.sm.Exec(rp2pio.EncodePull(false, true))
	p.sm.Exec(rp2pio.EncodeOut(rp2pio.SrcDestISR, 32))

	p.period = period
	p.shadow.Reset(threshold)
	p.sm.TxPut(p.encodeThreshold(threshold))

	pioTimers[p.smNum] = p
	pio0Irq0Inte.SetBits(1 << (8 + p.smNum))
	p.sm.SetEnabled(true)
	return nil
}

// SetCompare implements core.CompareTimer. The program only reloads X at
// the start of a period, so this is a buffered write as well.
func (p *PIOPWM) SetCompare(threshold uint32) {
	p.SetCompareBuffer(threshold)
}

// SetCompareBuffer implements core.CompareTimer. A word still waiting in the
// FIFO is replaced so only the latest request is pulled.
func (p *PIOPWM) SetCompareBuffer(threshold uint32) {
	state := interrupt.Disable()
	queued := p.sm.TxFIFOLevel() > 0
	if queued {
		p.sm.ClearFIFOs()
	}
	// An empty FIFO with the flag raised means a boundary pulled the last
	// word and its interrupt is still due
	p.shadow.Write(threshold, !queued && p.pio.GetIRQ()&(1<<p.smNum) != 0)
	p.sm.TxPut(p.encodeThreshold(threshold))
	interrupt.Restore(state)
}

// Compare implements core.CompareTimer
func (p *PIOPWM) Compare() uint32 {
	return p.shadow.Latched()
}

func (p *PIOPWM) encodeThreshold(threshold uint32) uint32 {
	if threshold == 0 {
		return pioThresholdOff
	}
	if threshold > p.period {
		threshold = p.period
	}
	return threshold - 1
}

// boundary runs in the PIO interrupt once the period's reload has happened
func (p *PIOPWM) boundary() {
	// A word still queued was pushed after the pull
	p.shadow.Wrap(p.sm.TxFIFOLevel() == 0)
	if ch := core.ChannelForTimer(p.index); ch != nil {
		ch.OnPeriodBoundary()
	}
}

// initPIOInterrupt enables the PIO0 IRQ0 line used for period boundaries
func initPIOInterrupt() {
	intr := interrupt.New(rp.IRQ_PIO0_IRQ_0, handlePIOBoundary)
	intr.Enable()
}

func handlePIOBoundary(interrupt.Interrupt) {
	flags := rp2pio.PIO0.GetIRQ() & 0x0F
	rp2pio.PIO0.ClearIRQ(flags)
	for sm := uint8(0); sm < 4; sm++ {
		if flags&(1<<sm) == 0 {
			continue
		}
		if p := pioTimers[sm]; p != nil {
			p.boundary()
		}
	}
}

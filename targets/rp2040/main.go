//go:build rp2040

package main

import (
	"machine"
	"time"

	"pwmtimer/core"
	"pwmtimer/protocol"
)

// Core timer indices
const (
	sliceTimerIndex = 0
	pioTimerIndex   = 1
)

// bootChannel is a channel started at power-up. The host may reconfigure it.
type bootChannel struct {
	oid         uint8
	timer       uint8
	frequencyHz float64
	prescale    uint32
	duty        int32
}

// Both outputs run at 1000/62 Hz. The slice needs a prescale to fit the
// period in 16 bits; the PIO counter is 32 bits wide.
var bootChannels = []bootChannel{
	{oid: 0, timer: sliceTimerIndex, frequencyHz: 1000.0 / 62, prescale: 128, duty: 30},
	{oid: 1, timer: pioTimerIndex, frequencyHz: 1000.0 / 62, prescale: 1, duty: 50},
}

var (
	outputBuffer *protocol.ScratchOutput
	transport    *protocol.Transport

	// USB connection state tracking
	usbWasDisconnected       bool
	consecutiveWriteFailures uint32
)

func main() {
	// Disable watchdog on boot to clear any previous state
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}

	InitUSB()
	UpdateSystemTime()

	core.InitChannelCommands()
	core.InitSystemCommands()

	// Slice PWM on the LED pin, PIO PWM on GPIO15
	if err := core.RegisterTimer(sliceTimerIndex, NewSlicePWM(machine.GPIO25, sliceTimerIndex)); err != nil {
		return
	}
	if err := core.RegisterTimer(pioTimerIndex, NewPIOPWM(machine.GPIO15, 0, pioTimerIndex)); err != nil {
		return
	}
	initSliceInterrupt()
	initPIOInterrupt()

	for _, bc := range bootChannels {
		// A failed boot channel stays unconfigured until the host sets it up
		_, _ = core.ConfigureChannel(bc.oid, bc.timer, bc.frequencyHz, bc.prescale, bc.duty)
	}

	outputBuffer = protocol.NewScratchOutput()
	transport = protocol.NewTransport(outputBuffer, core.HandleCommand)
	core.SetResponseSender(transport.SendCommand)

	// Watchdog reset, used by the reset command once its ack is out
	core.SetResetHandler(func() {
		err = machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 1})
		if err != nil {
			return
		}
		err = machine.Watchdog.Start()
		if err != nil {
			return
		}
		for {
			time.Sleep(1 * time.Millisecond)
		}
	})

	var (
		rx      [protocol.MessageLengthMax]byte
		pending []byte
	)
	for {
		// Recover from panics in the main loop to prevent a firmware crash
		func() {
			defer func() {
				if r := recover(); r != nil {
					pending = pending[:0]
					outputBuffer.Reset()
					transport.Reset()
				}
			}()

			UpdateSystemTime()

			n := readUSB(rx[:])
			if n > 0 || len(pending) > 0 {
				pending = append(pending, rx[:n]...)
				consumed := transport.Receive(pending)
				pending = append(pending[:0], pending[consumed:]...)
			}

			if len(outputBuffer.Result()) > 0 {
				writeUSB()
			}

			// The ack for a reset command has been written above
			core.CheckPendingReset()
		}()

		// Yield to other goroutines
		time.Sleep(10 * time.Microsecond)
	}
}

// readUSB copies the bytes waiting on USB into buf
func readUSB(buf []byte) int {
	n := 0
	for n < len(buf) && USBAvailable() > 0 {
		b, err := USBRead()
		if err != nil {
			break
		}
		buf[n] = b
		n++
	}
	if n > 0 && usbWasDisconnected {
		// Fresh connection: drop stale partial input and restart sequencing.
		// Channels keep running.
		usbWasDisconnected = false
		consecutiveWriteFailures = 0
		outputBuffer.Reset()
		transport.Reset()
	}
	return n
}

// writeUSB writes available data from output buffer to USB
func writeUSB() {
	result := outputBuffer.Result()
	written := 0
	for written < len(result) {
		n, err := USBWriteBytes(result[written:])
		if err != nil || n == 0 {
			// Likely disconnect. After several failures drop stale output.
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				usbWasDisconnected = true
				consecutiveWriteFailures = 0
				outputBuffer.Reset()
			}
			return
		}
		written += n
	}
	consecutiveWriteFailures = 0
	outputBuffer.Reset()
}

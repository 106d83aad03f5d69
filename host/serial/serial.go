// Package serial opens the link to a board running the PWM firmware.
package serial

import (
	"io"
	"time"
)

// Port is the byte stream to the board. Native ports come from Open;
// tests substitute in-memory implementations.
type Port interface {
	io.ReadWriteCloser
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate (USB CDC ignores this)
	Baud int

	// ReadTimeout bounds a single Read; zero blocks until data arrives.
	// Callers polling for responses need a timeout to notice cancellation.
	ReadTimeout time.Duration
}

// DefaultConfig returns the configuration used for USB CDC boards
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 50 * time.Millisecond,
	}
}

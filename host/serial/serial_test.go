package serial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/dev/ttyACM0")
	assert.Equal(t, "/dev/ttyACM0", cfg.Device)
	assert.Equal(t, 115200, cfg.Baud)
	assert.Equal(t, 50*time.Millisecond, cfg.ReadTimeout)
}

func TestOpenRejectsMissingConfig(t *testing.T) {
	_, err := Open(nil)
	assert.EqualError(t, err, "config cannot be nil")

	_, err = Open(&Config{})
	assert.EqualError(t, err, "no serial device given")
}

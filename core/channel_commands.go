// PWM channel commands
// Host-facing commands to configure channels, stage duty cycles and read
// channel state back.
package core

import (
	"errors"

	"pwmtimer/protocol"
)

// MaxChannels is the number of channel object IDs
const MaxChannels = 8

var (
	// ErrUnknownChannel is returned for an OID that was never configured
	ErrUnknownChannel = errors.New("unknown channel")
)

// Command and response names shared by firmware and host
const (
	CmdConfigPWMChannel = "config_pwm_channel"
	CmdSetPWMDuty       = "set_pwm_duty"
	CmdQueryPWMChannel  = "query_pwm_channel"
	RespPWMChannelState = "pwm_channel_state"
	RespPWMError        = "pwm_error"
)

// Argument formats
const (
	FmtConfigPWMChannel = "oid=%c timer=%c frequency_mhz=%u prescale=%u duty=%i"
	FmtSetPWMDuty       = "oid=%c duty=%i"
	FmtQueryPWMChannel  = "oid=%c"
	FmtPWMChannelState  = "oid=%c state=%c period=%u live=%u buffered=%u commits=%u rejects=%u"
	FmtPWMError         = "oid=%c code=%c"
)

// Error codes carried by pwm_error
const (
	ErrCodeInvalidParameter = 1
	ErrCodeNotRunning       = 2
	ErrCodeUnknown          = 3
	ErrCodeDriver           = 4
)

var (
	channels        [MaxChannels]*Channel
	channelsByTimer [MaxTimers]*Channel
)

// InitChannelCommands registers channel commands with the global registry
func InitChannelCommands() {
	registerChannelCommands(globalRegistry, true)
}

// RegisterChannelProtocol registers the channel command names and formats
// without handlers, so a host-side registry assigns the same IDs as the
// firmware.
func RegisterChannelProtocol(r *CommandRegistry) {
	registerChannelCommands(r, false)
}

func registerChannelCommands(r *CommandRegistry, withHandlers bool) {
	var config, set, query CommandHandler
	if withHandlers {
		config, set, query = handleConfigPWMChannel, handleSetPWMDuty, handleQueryPWMChannel
	}
	r.Register(CmdConfigPWMChannel, FmtConfigPWMChannel, config)
	r.Register(CmdSetPWMDuty, FmtSetPWMDuty, set)
	r.Register(CmdQueryPWMChannel, FmtQueryPWMChannel, query)
	r.Register(RespPWMChannelState, FmtPWMChannelState, nil)
	r.Register(RespPWMError, FmtPWMError, nil)
}

// ConfigureChannel binds oid to the timer at timerIndex and initializes it.
// An existing channel on the same timer is reinitialized in place.
func ConfigureChannel(oid, timerIndex uint8, frequencyHz float64, prescale uint32, dutyPercent int32) (*Channel, error) {
	if int(oid) >= MaxChannels {
		return nil, ErrUnknownChannel
	}
	timer, err := GetTimer(timerIndex)
	if err != nil {
		return nil, err
	}

	ch := channels[oid]
	if ch == nil || ch.Timer() != timer {
		ch = NewChannel(oid, timer)
	}
	if err := ch.Initialize(timer.ClockHz(), frequencyHz, prescale, dutyPercent); err != nil {
		return nil, err
	}

	state := disableInterrupts()
	if old := channels[oid]; old != nil && old != ch {
		for i := range channelsByTimer {
			if channelsByTimer[i] == old {
				channelsByTimer[i] = nil
			}
		}
	}
	channels[oid] = ch
	channelsByTimer[timerIndex] = ch
	restoreInterrupts(state)

	return ch, nil
}

// GetChannel returns the channel configured for oid
func GetChannel(oid uint8) (*Channel, error) {
	if int(oid) >= MaxChannels || channels[oid] == nil {
		return nil, ErrUnknownChannel
	}
	return channels[oid], nil
}

// ChannelForTimer returns the channel bound to a timer, or nil.
// Called from boundary interrupt handlers.
func ChannelForTimer(timerIndex uint8) *Channel {
	if int(timerIndex) >= MaxTimers {
		return nil
	}
	return channelsByTimer[timerIndex]
}

// ResetChannels forgets all channels (host reset and tests). Timers keep running.
func ResetChannels() {
	state := disableInterrupts()
	for i := range channels {
		channels[i] = nil
	}
	for i := range channelsByTimer {
		channelsByTimer[i] = nil
	}
	restoreInterrupts(state)
}

// handleConfigPWMChannel configures and starts a channel
// Format: config_pwm_channel oid=%c timer=%c frequency_mhz=%u prescale=%u duty=%i
func handleConfigPWMChannel(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	timerIndex, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	frequencyMilliHz, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	prescale, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	duty, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	id, err := idFromWire(oid, ErrUnknownChannel)
	if err != nil {
		sendChannelError(id, err)
		return err
	}
	timer, err := idFromWire(timerIndex, ErrUnknownTimer)
	if err != nil {
		sendChannelError(id, err)
		return err
	}

	ch, err := ConfigureChannel(id, timer, float64(frequencyMilliHz)/1000, prescale, duty)
	if err != nil {
		sendChannelError(id, err)
		return err
	}
	sendChannelState(ch)
	return nil
}

// handleSetPWMDuty stages a new duty cycle for the next period boundary
// Format: set_pwm_duty oid=%c duty=%i
func handleSetPWMDuty(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	duty, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	id, err := idFromWire(oid, ErrUnknownChannel)
	if err == nil {
		var ch *Channel
		if ch, err = GetChannel(id); err == nil {
			err = ch.RequestDutyCycle(duty)
		}
	}
	if err != nil {
		sendChannelError(id, err)
		return err
	}
	return nil
}

// handleQueryPWMChannel reports channel state
// Format: query_pwm_channel oid=%c
func handleQueryPWMChannel(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	id, err := idFromWire(oid, ErrUnknownChannel)
	if err != nil {
		sendChannelError(id, err)
		return err
	}
	ch, err := GetChannel(id)
	if err != nil {
		sendChannelError(id, err)
		return err
	}
	sendChannelState(ch)
	return nil
}

// idFromWire narrows an oid or timer index to a byte. Values that do not fit
// fail with errRange and are reported against oid 255.
func idFromWire(v uint32, errRange error) (uint8, error) {
	if v > 0xFF {
		return 0xFF, errRange
	}
	return uint8(v), nil
}

func sendChannelState(ch *Channel) {
	stats := ch.Stats()
	SendResponse(RespPWMChannelState, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(ch.OID))
		protocol.EncodeVLQUint(output, uint32(ch.State()))
		protocol.EncodeVLQUint(output, ch.Config().Period)
		protocol.EncodeVLQUint(output, ch.LiveThreshold())
		protocol.EncodeVLQUint(output, ch.BufferedThreshold())
		protocol.EncodeVLQUint(output, stats.Commits)
		protocol.EncodeVLQUint(output, stats.Rejects)
	})
}

func sendChannelError(oid uint8, err error) {
	code := ErrorCode(err)
	SendResponse(RespPWMError, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, uint32(code))
	})
}

// ErrorCode maps an error to its pwm_error code
func ErrorCode(err error) uint8 {
	switch {
	case errors.Is(err, ErrInvalidParameter):
		return ErrCodeInvalidParameter
	case errors.Is(err, ErrNotRunning):
		return ErrCodeNotRunning
	case errors.Is(err, ErrUnknownChannel), errors.Is(err, ErrUnknownTimer):
		return ErrCodeUnknown
	default:
		return ErrCodeDriver
	}
}

// ErrorFromCode maps a pwm_error code back to a sentinel error
func ErrorFromCode(code uint8) error {
	switch code {
	case ErrCodeInvalidParameter:
		return ErrInvalidParameter
	case ErrCodeNotRunning:
		return ErrNotRunning
	case ErrCodeUnknown:
		return ErrUnknownChannel
	default:
		return errors.New("driver error")
	}
}

// Package board is the host side of the channel command protocol.
package board

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"pwmtimer/core"
	"pwmtimer/host/serial"
	"pwmtimer/protocol"
)

var (
	// ErrUnexpectedResponse is returned when the board answers with a
	// response the command does not produce
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// Response is a decoded response message
type Response struct {
	Name string
	Args []uint32
}

// ChannelState mirrors the pwm_channel_state response
type ChannelState struct {
	OID      uint8
	State    core.ChannelState
	Period   uint32
	Live     uint32
	Buffered uint32
	Commits  uint32
	Rejects  uint32
}

// DutyCycle returns the live duty cycle in whole percent
func (s ChannelState) DutyCycle() int32 {
	return core.DutyFromThreshold(s.Period, s.Live)
}

// CommandError is a pwm_error reported by the board
type CommandError struct {
	OID  uint8
	Code uint8
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("oid %d: %v", e.OID, core.ErrorFromCode(e.Code))
}

func (e *CommandError) Unwrap() error {
	return core.ErrorFromCode(e.Code)
}

// Board talks to one firmware instance over a serial port.
// Commands are sent one block at a time and each waits for its ack.
type Board struct {
	mu       sync.Mutex
	port     serial.Port
	registry *core.CommandRegistry
	dec      protocol.Decoder
	pending  []byte
	seq      uint8

	// Logf traces every exchange when set
	Logf func(format string, args ...any)
}

// New wraps an open port
func New(port serial.Port) *Board {
	registry := core.NewCommandRegistry()
	core.RegisterProtocol(registry)
	return &Board{
		port:     port,
		registry: registry,
	}
}

// Open opens the serial device and wraps it
func Open(cfg *serial.Config) (*Board, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	return New(port), nil
}

// Close closes the port
func (b *Board) Close() error {
	return b.port.Close()
}

// ConfigureChannel binds oid to a timer and starts it
func (b *Board) ConfigureChannel(ctx context.Context, oid, timer uint8, frequencyHz float64, prescale uint32, dutyPercent int32) (ChannelState, error) {
	if frequencyHz <= 0 || frequencyHz*1000 > float64(^uint32(0)) {
		return ChannelState{}, fmt.Errorf("frequency %g Hz: %w", frequencyHz, core.ErrInvalidParameter)
	}
	milliHz := uint32(frequencyHz*1000 + 0.5)
	responses, err := b.Exchange(ctx, core.CmdConfigPWMChannel,
		uint32(oid), uint32(timer), milliHz, prescale, uint32(dutyPercent))
	if err != nil {
		return ChannelState{}, err
	}
	return channelState(responses)
}

// SetDuty stages a duty cycle; it reaches the output at the next period boundary
func (b *Board) SetDuty(ctx context.Context, oid uint8, dutyPercent int32) error {
	responses, err := b.Exchange(ctx, core.CmdSetPWMDuty, uint32(oid), uint32(dutyPercent))
	if err != nil {
		return err
	}
	if len(responses) != 0 {
		return fmt.Errorf("%s: %w %s", core.CmdSetPWMDuty, ErrUnexpectedResponse, responses[0].Name)
	}
	return nil
}

// Query reads back a channel
func (b *Board) Query(ctx context.Context, oid uint8) (ChannelState, error) {
	responses, err := b.Exchange(ctx, core.CmdQueryPWMChannel, uint32(oid))
	if err != nil {
		return ChannelState{}, err
	}
	return channelState(responses)
}

// Clock reads the firmware's system clock
func (b *Board) Clock(ctx context.Context) (uint32, error) {
	responses, err := b.Exchange(ctx, core.CmdGetClock)
	if err != nil {
		return 0, err
	}
	if len(responses) != 1 || responses[0].Name != core.RespClock {
		return 0, fmt.Errorf("expected %s: %w", core.RespClock, ErrUnexpectedResponse)
	}
	return responses[0].Args[0], nil
}

// Reset asks the firmware to restart once it has acked the request
func (b *Board) Reset(ctx context.Context) error {
	_, err := b.Exchange(ctx, core.CmdReset)
	return err
}

func channelState(responses []Response) (ChannelState, error) {
	if len(responses) != 1 || responses[0].Name != core.RespPWMChannelState {
		return ChannelState{}, fmt.Errorf("expected %s: %w", core.RespPWMChannelState, ErrUnexpectedResponse)
	}
	a := responses[0].Args
	return ChannelState{
		OID:      uint8(a[0]),
		State:    core.ChannelState(a[1]),
		Period:   a[2],
		Live:     a[3],
		Buffered: a[4],
		Commits:  a[5],
		Rejects:  a[6],
	}, nil
}

// Exchange sends one command and collects the responses that arrive before
// its ack. A pwm_error response is returned as a *CommandError.
// Arguments are sent as VLQ integers; signed values pass through uint32.
func (b *Board) Exchange(ctx context.Context, name string, args ...uint32) ([]Response, error) {
	cmd, ok := b.registry.GetCommandByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", name)
	}
	if want := argCount(cmd.Format); want != len(args) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", name, want, len(args))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := protocol.NewScratchOutput()
	protocol.EncodeCommandBlock(out, b.seq, cmd.ID, func(output protocol.OutputBuffer) {
		for _, arg := range args {
			protocol.EncodeVLQUint(output, arg)
		}
	})
	b.seq = (b.seq + 1) & protocol.MessageSeqMask
	b.trace("-> %s %v", name, args)

	if _, err := b.port.Write(out.Result()); err != nil {
		return nil, fmt.Errorf("write %s: %w", name, err)
	}

	var responses []Response
	for {
		block, err := b.readBlock(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		// Replies carry the sequence of the ack that follows them. Anything
		// else is left over from an exchange that gave up.
		if block.Sequence != b.seq {
			b.trace("<- stale block seq=%d", block.Sequence)
			continue
		}
		if block.IsAck() {
			break
		}
		resp, err := b.decodeResponse(block.Payload)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		b.trace("<- %s %v", resp.Name, resp.Args)
		responses = append(responses, resp)
	}

	for _, resp := range responses {
		if resp.Name == core.RespPWMError {
			return nil, &CommandError{OID: uint8(resp.Args[0]), Code: uint8(resp.Args[1])}
		}
	}
	return responses, nil
}

// readBlock returns the next intact block, reading the port as needed.
// Corrupt input is skipped.
func (b *Board) readBlock(ctx context.Context) (protocol.Block, error) {
	var buf [protocol.MessageMax]byte
	for {
		if len(b.pending) > 0 {
			n := b.dec.Write(b.pending)
			b.pending = b.pending[n:]
		}
		block, ok, err := b.dec.Next()
		if err != nil {
			b.trace("<- dropped corrupt input")
			continue
		}
		if ok {
			return block, nil
		}

		if err := ctx.Err(); err != nil {
			return protocol.Block{}, err
		}
		n, err := b.port.Read(buf[:])
		if n > 0 {
			b.pending = append(b.pending, buf[:n]...)
		}
		// Timeouts show up as empty reads
		if err != nil && !errors.Is(err, io.EOF) {
			return protocol.Block{}, err
		}
	}
}

func (b *Board) decodeResponse(payload []byte) (Response, error) {
	id, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return Response{}, err
	}
	cmd, ok := b.registry.GetCommand(uint16(id))
	if !ok {
		return Response{}, fmt.Errorf("unknown response id %d", id)
	}

	resp := Response{Name: cmd.Name, Args: make([]uint32, argCount(cmd.Format))}
	for i := range resp.Args {
		if resp.Args[i], err = protocol.DecodeVLQUint(&payload); err != nil {
			return Response{}, fmt.Errorf("%s argument %d: %w", cmd.Name, i, err)
		}
	}
	return resp, nil
}

func (b *Board) trace(format string, args ...any) {
	if b.Logf != nil {
		b.Logf(format, args...)
	}
}

// argCount counts the conversions in a dictionary format string
func argCount(format string) int {
	return strings.Count(format, "%")
}

package core

import (
	"errors"
	"testing"

	"pwmtimer/protocol"
)

type response struct {
	name string
	args []uint32
}

// commandHarness wires the global registry to a firmware transport
type commandHarness struct {
	t         *testing.T
	timer     *fakeTimer
	output    *protocol.ScratchOutput
	transport *protocol.Transport
	seq       uint8
}

func newCommandHarness(t *testing.T) *commandHarness {
	t.Helper()
	resetTimers()
	ResetChannels()
	t.Cleanup(func() {
		resetTimers()
		ResetChannels()
		SetResponseSender(nil)
	})

	h := &commandHarness{
		t:      t,
		timer:  newFakeTimer(false),
		output: protocol.NewScratchOutput(),
	}
	if err := RegisterTimer(0, h.timer); err != nil {
		t.Fatalf("RegisterTimer failed: %v", err)
	}
	InitChannelCommands()
	h.transport = protocol.NewTransport(h.output, HandleCommand)
	SetResponseSender(h.transport.SendCommand)
	return h
}

// send transmits one command and returns the responses that preceded the ack
func (h *commandHarness) send(name string, args ...int32) []response {
	h.t.Helper()
	cmd, ok := GetGlobalRegistry().GetCommandByName(name)
	if !ok {
		h.t.Fatalf("Command %s not registered", name)
	}

	in := protocol.NewScratchOutput()
	protocol.EncodeCommandBlock(in, h.seq, cmd.ID, func(output protocol.OutputBuffer) {
		for _, arg := range args {
			protocol.EncodeVLQInt(output, arg)
		}
	})
	h.seq = (h.seq + 1) & protocol.MessageSeqMask

	h.output.Reset()
	raw := in.Result()
	if n := h.transport.Receive(raw); n != len(raw) {
		h.t.Fatalf("Transport consumed %d of %d bytes", n, len(raw))
	}

	var dec protocol.Decoder
	dec.Write(h.output.Result())
	var responses []response
	for {
		block, ok, err := dec.Next()
		if err != nil {
			h.t.Fatalf("Bad block from firmware: %v", err)
		}
		if !ok {
			h.t.Fatal("Missing ack")
		}
		if block.IsAck() {
			if block.Sequence != h.seq {
				h.t.Errorf("Ack sequence %d, want %d", block.Sequence, h.seq)
			}
			return responses
		}
		payload := block.Payload
		id, _ := protocol.DecodeVLQUint(&payload)
		resp, ok := GetGlobalRegistry().GetCommand(uint16(id))
		if !ok {
			h.t.Fatalf("Unknown response id %d", id)
		}
		r := response{name: resp.Name}
		for len(payload) > 0 {
			v, err := protocol.DecodeVLQUint(&payload)
			if err != nil {
				h.t.Fatalf("Bad response arguments: %v", err)
			}
			r.args = append(r.args, v)
		}
		responses = append(responses, r)
	}
}

func expectResponse(t *testing.T, responses []response, name string) []uint32 {
	t.Helper()
	if len(responses) != 1 || responses[0].name != name {
		t.Fatalf("Expected one %s, got %+v", name, responses)
	}
	return responses[0].args
}

func TestChannelCommandsEndToEnd(t *testing.T) {
	h := newCommandHarness(t)

	// 1000/62 Hz in millihertz
	const frequencyMilliHz = 16129
	period, _ := ComputePeriod(19_000_000, 1024, frequencyMilliHz/1000.0, 65535)
	th30, _ := ComputeThreshold(period, 30)
	th60, _ := ComputeThreshold(period, 60)

	args := expectResponse(t, h.send(CmdConfigPWMChannel, 2, 0, frequencyMilliHz, 1024, 30), RespPWMChannelState)
	want := []uint32{2, uint32(ChannelRunning), period, th30, th30, 0, 0}
	assertArgs(t, args, want)

	if ChannelForTimer(0) == nil {
		t.Fatal("Channel not bound to timer 0")
	}

	if responses := h.send(CmdSetPWMDuty, 2, 60); len(responses) != 0 {
		t.Errorf("set_pwm_duty should only be acked, got %+v", responses)
	}

	// Staged, not live
	args = expectResponse(t, h.send(CmdQueryPWMChannel, 2), RespPWMChannelState)
	assertArgs(t, args, []uint32{2, uint32(ChannelRunning), period, th30, th60, 0, 0})
	if h.timer.Compare() != th30 {
		t.Errorf("Live register changed before boundary")
	}

	h.timer.boundary(ChannelForTimer(0))

	args = expectResponse(t, h.send(CmdQueryPWMChannel, 2), RespPWMChannelState)
	assertArgs(t, args, []uint32{2, uint32(ChannelRunning), period, th60, th60, 1, 0})
}

func TestChannelCommandErrors(t *testing.T) {
	h := newCommandHarness(t)
	expectResponse(t, h.send(CmdConfigPWMChannel, 1, 0, 1000_000, 1, 50), RespPWMChannelState)

	tests := []struct {
		name string
		cmd  string
		args []int32
		code uint32
	}{
		{"duty above range", CmdSetPWMDuty, []int32{1, 150}, ErrCodeInvalidParameter},
		{"negative duty", CmdSetPWMDuty, []int32{1, -5}, ErrCodeInvalidParameter},
		{"unknown oid", CmdSetPWMDuty, []int32{5, 50}, ErrCodeUnknown},
		{"query unknown oid", CmdQueryPWMChannel, []int32{6}, ErrCodeUnknown},
		{"unknown timer", CmdConfigPWMChannel, []int32{3, 7, 1000_000, 1, 50}, ErrCodeUnknown},
		{"frequency too high", CmdConfigPWMChannel, []int32{3, 0, 100_000_000, 1024, 50}, ErrCodeInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := expectResponse(t, h.send(tt.cmd, tt.args...), RespPWMError)
			assertArgs(t, args, []uint32{uint32(tt.args[0]), tt.code})
		})
	}

	// Rejected requests are counted on the channel
	args := expectResponse(t, h.send(CmdQueryPWMChannel, 1), RespPWMChannelState)
	if args[6] != 2 {
		t.Errorf("Expected 2 rejects, got %d", args[6])
	}
}

func TestConfigureChannelRebind(t *testing.T) {
	resetTimers()
	ResetChannels()
	defer resetTimers()
	defer ResetChannels()

	a, b := newFakeTimer(false), newFakeTimer(true)
	RegisterTimer(0, a)
	RegisterTimer(1, b)

	first, err := ConfigureChannel(0, 0, 1000, 1, 10)
	if err != nil {
		t.Fatalf("ConfigureChannel failed: %v", err)
	}
	again, err := ConfigureChannel(0, 0, 2000, 1, 20)
	if err != nil {
		t.Fatalf("ConfigureChannel failed: %v", err)
	}
	if again != first {
		t.Error("Reconfiguring on the same timer should reuse the channel")
	}

	moved, err := ConfigureChannel(0, 1, 1000, 1, 10)
	if err != nil {
		t.Fatalf("ConfigureChannel failed: %v", err)
	}
	if moved == first {
		t.Error("Moving to another timer should create a new channel")
	}
	if ChannelForTimer(0) != nil {
		t.Error("Old timer still bound after move")
	}
	if ChannelForTimer(1) != moved {
		t.Error("New timer not bound")
	}
	if ch, _ := GetChannel(0); ch != moved {
		t.Error("GetChannel returned stale channel")
	}

	if _, err := ConfigureChannel(MaxChannels, 0, 1000, 1, 10); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Expected ErrUnknownChannel, got %v", err)
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code uint8
	}{
		{ErrInvalidParameter, ErrCodeInvalidParameter},
		{invalidParameter("wrapped"), ErrCodeInvalidParameter},
		{ErrNotRunning, ErrCodeNotRunning},
		{ErrUnknownChannel, ErrCodeUnknown},
		{ErrUnknownTimer, ErrCodeUnknown},
		{errors.New("bus fault"), ErrCodeDriver},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.code {
			t.Errorf("ErrorCode(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}

	for _, code := range []uint8{ErrCodeInvalidParameter, ErrCodeNotRunning, ErrCodeUnknown} {
		if got := ErrorCode(ErrorFromCode(code)); got != code {
			t.Errorf("code %d does not round trip, got %d", code, got)
		}
	}
}

func TestHandleCommandRecordsFailure(t *testing.T) {
	h := newCommandHarness(t)
	ClearEventRing()
	defer ClearEventRing()

	h.send(CmdSetPWMDuty, 4, 50)

	events := Events()
	if len(events) == 0 || events[len(events)-1].EventType != EvtCommandError {
		t.Fatalf("Expected command error event, got %+v", events)
	}
	if events[len(events)-1].Value2 != ErrCodeUnknown {
		t.Errorf("Expected code %d in event, got %d", ErrCodeUnknown, events[len(events)-1].Value2)
	}
}

func assertArgs(t *testing.T, got, want []uint32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Got %d arguments %v, want %v", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Argument %d = %d, want %d (all: %v)", i, got[i], want[i], got)
		}
	}
}

// IDs that do not fit a byte must not alias a smaller one
func TestChannelCommandsRejectWideIDs(t *testing.T) {
	h := newCommandHarness(t)
	expectResponse(t, h.send(CmdConfigPWMChannel, 2, 0, 1000_000, 1, 50), RespPWMChannelState)

	tests := []struct {
		name string
		cmd  string
		args []int32
		oid  uint32
	}{
		{"configure wide oid", CmdConfigPWMChannel, []int32{258, 0, 1000_000, 1, 30}, 0xFF},
		{"configure wide timer", CmdConfigPWMChannel, []int32{3, 256, 1000_000, 1, 30}, 3},
		{"duty wide oid", CmdSetPWMDuty, []int32{258, 30}, 0xFF},
		{"query wide oid", CmdQueryPWMChannel, []int32{258}, 0xFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := expectResponse(t, h.send(tt.cmd, tt.args...), RespPWMError)
			assertArgs(t, args, []uint32{tt.oid, ErrCodeUnknown})
		})
	}

	// oid 2 kept its 50% and saw no request
	args := expectResponse(t, h.send(CmdQueryPWMChannel, 2), RespPWMChannelState)
	if args[3] != args[4] || args[6] != 0 {
		t.Errorf("oid 2 was touched: %v", args)
	}
	if _, err := GetChannel(3); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("oid 3 configured on a wide timer index: %v", err)
	}
}

package core

import "testing"

func TestGetClock(t *testing.T) {
	h := newCommandHarness(t)
	InitSystemCommands()
	SetTime(123456)
	t.Cleanup(func() { SetTime(0) })

	args := expectResponse(t, h.send(CmdGetClock), RespClock)
	assertArgs(t, args, []uint32{123456})
}

func TestResetDeferredUntilChecked(t *testing.T) {
	h := newCommandHarness(t)
	InitSystemCommands()

	resets := 0
	SetResetHandler(func() { resets++ })
	t.Cleanup(func() { SetResetHandler(nil) })

	if CheckPendingReset() {
		t.Fatal("Reset reported without a request")
	}
	if responses := h.send(CmdReset); len(responses) != 0 {
		t.Errorf("reset should only be acked, got %+v", responses)
	}
	if resets != 0 {
		t.Fatal("Reset ran before the main loop checked for it")
	}

	if !CheckPendingReset() {
		t.Fatal("Pending reset not reported")
	}
	if resets != 1 {
		t.Errorf("Reset handler ran %d times, want 1", resets)
	}
	if CheckPendingReset() {
		t.Error("Reset should run once per request")
	}
}

func TestRegisterProtocolMatchesFirmwareOrder(t *testing.T) {
	firmware := NewCommandRegistry()
	registerChannelCommands(firmware, true)
	registerSystemCommands(firmware, true)
	host := NewCommandRegistry()
	RegisterProtocol(host)

	if firmware.GetDictionary() != host.GetDictionary() {
		t.Errorf("Dictionaries differ:\n%s\n%s", firmware.GetDictionary(), host.GetDictionary())
	}
	if host.Count() != 8 {
		t.Errorf("Host registry has %d entries, want 8", host.Count())
	}
}

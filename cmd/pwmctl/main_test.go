package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwmtimer/config"
	"pwmtimer/core"
)

const testPlan = `
clock_hz: 1000000
channels:
  - name: led
    oid: 0
    timer: 0
    frequency_hz: 1000
    duty_percent: 30
  - name: servo
    oid: 3
    timer: 1
    frequency_hz: 50
    prescale: 64
    duty_percent: 8
`

func loadTestPlan(t *testing.T) (config.Plan, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPlan), 0o644))
	plan, err := config.Load(path)
	require.NoError(t, err)
	return plan, path
}

func TestSimulateSwitchesAtBoundary(t *testing.T) {
	plan, _ := loadTestPlan(t)

	for _, buffered := range []bool{false, true} {
		pulses, err := simulate(plan, plan.Channels[0], 60, 2, 3, buffered)
		require.NoError(t, err)
		require.Len(t, pulses, 5)

		// period 999: 30% -> 299, 60% -> 599
		want := []uint32{299, 299, 299, 599, 599}
		for i, p := range pulses {
			assert.Equal(t, want[i], p.Active, "period %d", i)
			assert.Equal(t, uint32(1000), p.Period)
			assert.False(t, p.Glitched)
		}
	}
}

func TestSimulateRejectsInvalidDuty(t *testing.T) {
	plan, _ := loadTestPlan(t)
	_, err := simulate(plan, plan.Channels[0], 150, 1, 1, false)
	assert.Error(t, err)
}

func TestRunPlan(t *testing.T) {
	_, path := loadTestPlan(t)
	var out bytes.Buffer
	require.NoError(t, runPlan([]string{"-config", path}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "clock 1000000 Hz")
	assert.Equal(t, []string{"led", "0", "0", "1", "999", "299", "30%", "1000.000", "1000.000"}, strings.Fields(lines[2]))
	// 1 MHz / 64 / 50 Hz = 312.5 -> 313 ticks
	assert.Equal(t, []string{"servo", "3", "1", "64", "312", "24", "8%", "50.000", "49.920"}, strings.Fields(lines[3]))
}

func TestRunSimulate(t *testing.T) {
	_, path := loadTestPlan(t)
	var out bytes.Buffer
	require.NoError(t, runSimulate([]string{"-config", path, "-channel", "led", "-before", "1", "-after", "1"}, &out))
	assert.Contains(t, out.String(), "led: requested 60% at mid-period of period 1")
	assert.NotContains(t, out.String(), "yes")

	err := runSimulate([]string{"-config", path, "-channel", "pump"}, &out)
	assert.EqualError(t, err, `no channel named "pump"`)
}

func TestRunSimulateEvents(t *testing.T) {
	_, path := loadTestPlan(t)
	t.Cleanup(func() {
		core.SetDebugWriter(nil)
		core.SetTime(0)
	})

	var out bytes.Buffer
	require.NoError(t, runSimulate([]string{"-config", path, "-events", "-before", "1", "-after", "1"}, &out))
	assert.Contains(t, out.String(), "[EVENT] INIT oid=0 clock=0")
	// One period of 1000 ticks, then half of the next
	assert.Contains(t, out.String(), "[EVENT] REQUEST oid=0 clock=1499 v1=60 v2=599")
	assert.Contains(t, out.String(), "[EVENT] COMMIT oid=0 clock=1000 v1=299")
	assert.Contains(t, out.String(), "[EVENT] COMMIT oid=0 clock=2000 v1=599")
}

func TestPrintVersion(t *testing.T) {
	var out bytes.Buffer
	printVersion(&out)
	assert.Equal(t, "pwmctl protocol 0.1.0\n", out.String())
}

func TestConsoleLocalCommands(t *testing.T) {
	plan, _ := loadTestPlan(t)
	var out bytes.Buffer
	c := &console{plan: plan, out: &out}

	oid, err := c.lookup("servo")
	require.NoError(t, err)
	assert.Equal(t, uint8(3), oid)

	oid, err = c.lookup("5")
	require.NoError(t, err)
	assert.Equal(t, uint8(5), oid)

	_, err = c.lookup("pump")
	assert.EqualError(t, err, `no channel "pump"`)

	quit, err := c.exec(context.Background(), []string{"duty", "led"})
	assert.False(t, quit)
	assert.EqualError(t, err, "usage: duty <channel> <percent>")

	quit, err = c.exec(context.Background(), []string{"bogus"})
	assert.False(t, quit)
	assert.Error(t, err)

	quit, err = c.exec(context.Background(), []string{"quit"})
	assert.True(t, quit)
	assert.NoError(t, err)

	require.NoError(t, c.run(context.Background(), strings.NewReader("help\n'plan'\nquit\n")))
	assert.Contains(t, out.String(), "duty <channel> <percent>")
	assert.Contains(t, out.String(), "servo")
}

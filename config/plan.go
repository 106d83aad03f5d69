// Package config loads channel plans: which timers drive which outputs, at
// what frequency and initial duty cycle.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pwmtimer/core"
)

// DefaultCounterMax is the counter width of a 16-bit timer
const DefaultCounterMax = 65535

// Plan is a channel plan file. ClockHz is the clock feeding every timer's
// prescaler; CounterMax defaults to DefaultCounterMax.
type Plan struct {
	ClockHz    uint32    `yaml:"clock_hz"`
	CounterMax uint32    `yaml:"counter_max"`
	Channels   []Channel `yaml:"channels"`
}

// Channel is one output of a plan. Prescale defaults to 1.
type Channel struct {
	Name        string  `yaml:"name"`
	OID         uint8   `yaml:"oid"`
	Timer       uint8   `yaml:"timer"`
	FrequencyHz float64 `yaml:"frequency_hz"`
	Prescale    uint32  `yaml:"prescale"`
	DutyPercent int32   `yaml:"duty_percent"`
}

// Registers is the register programming a channel resolves to
type Registers struct {
	Channel
	Period    uint32
	Threshold uint32
	ActualHz  float64
}

// Load reads and parses a plan file
func Load(path string) (Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, err
	}
	return Parse(b)
}

// Parse decodes a plan, applies defaults and validates it
func Parse(b []byte) (Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(b, &plan); err != nil {
		return Plan{}, err
	}

	if plan.ClockHz == 0 {
		return Plan{}, fmt.Errorf("clock_hz is required")
	}
	if plan.CounterMax == 0 {
		plan.CounterMax = DefaultCounterMax
	}
	if len(plan.Channels) == 0 {
		return Plan{}, fmt.Errorf("at least one channel is required")
	}

	seen := make(map[uint8]string)
	for i := range plan.Channels {
		ch := &plan.Channels[i]
		if ch.Name == "" {
			return Plan{}, fmt.Errorf("channels[%d].name is required", i)
		}
		if other, dup := seen[ch.OID]; dup {
			return Plan{}, fmt.Errorf("channels[%d].oid %d already used by %s", i, ch.OID, other)
		}
		seen[ch.OID] = ch.Name
		if int(ch.OID) >= core.MaxChannels {
			return Plan{}, fmt.Errorf("channels[%d].oid must be < %d", i, core.MaxChannels)
		}
		if int(ch.Timer) >= core.MaxTimers {
			return Plan{}, fmt.Errorf("channels[%d].timer must be < %d", i, core.MaxTimers)
		}
		if ch.Prescale == 0 {
			ch.Prescale = 1
		}
	}

	if _, err := plan.Resolve(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Resolve computes the register values of every channel
func (p Plan) Resolve() ([]Registers, error) {
	out := make([]Registers, 0, len(p.Channels))
	for _, ch := range p.Channels {
		r, err := p.resolveChannel(ch)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p Plan) resolveChannel(ch Channel) (Registers, error) {
	period, err := core.ComputePeriod(p.ClockHz, ch.Prescale, ch.FrequencyHz, p.CounterMax)
	if err != nil {
		return Registers{}, fmt.Errorf("channel %s: %w", ch.Name, err)
	}
	threshold, err := core.ComputeThreshold(period, ch.DutyPercent)
	if err != nil {
		return Registers{}, fmt.Errorf("channel %s: %w", ch.Name, err)
	}
	return Registers{
		Channel:   ch,
		Period:    period,
		Threshold: threshold,
		ActualHz:  core.ActualFrequency(p.ClockHz, ch.Prescale, period),
	}, nil
}

// Find returns the channel with the given name
func (p Plan) Find(name string) (Channel, bool) {
	for _, ch := range p.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

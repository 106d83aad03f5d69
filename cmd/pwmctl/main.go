// Command pwmctl plans, simulates and drives PWM channels.
//
//	pwmctl plan -config plan.yaml
//	pwmctl simulate -config plan.yaml -channel led -duty 60
//	pwmctl console -config plan.yaml -device /dev/ttyACM0
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/shlex"

	"pwmtimer/config"
	"pwmtimer/core"
	"pwmtimer/host/board"
	"pwmtimer/host/serial"
	"pwmtimer/protocol"
	"pwmtimer/sim"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("pwmctl: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "plan":
		err = runPlan(os.Args[2:], os.Stdout)
	case "simulate":
		err = runSimulate(os.Args[2:], os.Stdout)
	case "console":
		err = runConsole(os.Args[2:])
	case "version":
		printVersion(os.Stdout)
	case "help", "-h", "-help", "--help":
		usage()
		return
	default:
		log.Printf("unknown command %q", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pwmctl <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  plan      print register values for a channel plan")
	fmt.Fprintln(os.Stderr, "  simulate  run one channel on a simulated timer and change its duty mid-period")
	fmt.Fprintln(os.Stderr, "  console   configure a board from a plan and change duty cycles interactively")
	fmt.Fprintln(os.Stderr, "  version   print the protocol version")
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "pwmctl protocol %s\n", protocol.Version)
}

func runPlan(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	path := fs.String("config", "plan.yaml", "Channel plan file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	plan, err := config.Load(*path)
	if err != nil {
		return fmt.Errorf("load %s: %w", *path, err)
	}
	return printPlan(w, plan)
}

func printPlan(w io.Writer, plan config.Plan) error {
	regs, err := plan.Resolve()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "clock %d Hz, counter max %d\n", plan.ClockHz, plan.CounterMax)
	fmt.Fprintln(tw, "NAME\tOID\tTIMER\tPRESCALE\tPERIOD\tTHRESHOLD\tDUTY\tREQUESTED HZ\tACTUAL HZ")
	for _, r := range regs {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d%%\t%.3f\t%.3f\n",
			r.Name, r.OID, r.Timer, r.Prescale, r.Period, r.Threshold,
			r.DutyPercent, r.FrequencyHz, r.ActualHz)
	}
	return tw.Flush()
}

func runSimulate(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	path := fs.String("config", "plan.yaml", "Channel plan file")
	name := fs.String("channel", "", "Channel to simulate (default: first in plan)")
	duty := fs.Int("duty", 60, "Duty cycle requested mid-run, in percent")
	before := fs.Int("before", 2, "Periods to run before the request")
	after := fs.Int("after", 3, "Periods to run after the request")
	buffered := fs.Bool("buffered", false, "Simulate a timer with a hardware compare buffer")
	events := fs.Bool("events", false, "Dump the channel event ring after the run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	plan, err := config.Load(*path)
	if err != nil {
		return fmt.Errorf("load %s: %w", *path, err)
	}
	chCfg := plan.Channels[0]
	if *name != "" {
		var ok bool
		if chCfg, ok = plan.Find(*name); !ok {
			return fmt.Errorf("no channel named %q", *name)
		}
	}

	if *events {
		core.ClearEventRing()
		core.SetDebugWriter(func(msg string) { fmt.Fprintln(w, msg) })
		core.SetDebugEnabled(true)
		defer core.SetDebugEnabled(false)
	}
	pulses, err := simulate(plan, chCfg, int32(*duty), *before, *after, *buffered)
	if err != nil {
		if *events {
			core.DumpEventRing()
		}
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s: requested %d%% at mid-period of period %d\n", chCfg.Name, *duty, *before)
	fmt.Fprintln(tw, "PERIOD\tTHRESHOLD\tACTIVE\tTICKS\tDUTY\tGLITCH")
	for i, p := range pulses {
		glitch := ""
		if p.Glitched {
			glitch = "yes"
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%.1f%%\t%s\n", i, p.Threshold, p.Active, p.Period, p.Duty(), glitch)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if *events {
		core.DumpEventRing()
	}
	return nil
}

// simulate runs a channel on a simulated timer, requesting duty halfway
// through the period after the first before periods
func simulate(plan config.Plan, chCfg config.Channel, duty int32, before, after int, buffered bool) ([]sim.Pulse, error) {
	tm := sim.NewTimer(plan.ClockHz, plan.CounterMax, buffered)
	ch := core.NewChannel(chCfg.OID, tm)

	// Events are stamped in input clock cycles, as the firmware stamps them
	// from its free-running timer
	stamp := func() {
		core.SetTime(uint32(tm.Ticks() * uint64(tm.Prescale())))
	}
	tm.OnWrap(func() {
		stamp()
		ch.OnPeriodBoundary()
	})

	stamp()
	if err := ch.Initialize(plan.ClockHz, chCfg.FrequencyHz, chCfg.Prescale, chCfg.DutyPercent); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", chCfg.Name, err)
	}
	if err := tm.RunPeriods(before); err != nil {
		return nil, err
	}
	if err := tm.AdvanceTo(ch.Config().Period / 2); err != nil {
		return nil, err
	}
	stamp()
	if err := ch.RequestDutyCycle(duty); err != nil {
		return nil, fmt.Errorf("request %d%%: %w", duty, err)
	}
	if err := tm.RunPeriods(after); err != nil {
		return nil, err
	}
	return tm.Pulses(), nil
}

func runConsole(args []string) error {
	fs := flag.NewFlagSet("console", flag.ContinueOnError)
	path := fs.String("config", "plan.yaml", "Channel plan file")
	device := fs.String("device", "/dev/ttyACM0", "Serial device path")
	baud := fs.Int("baud", 115200, "Baud rate (ignored for USB CDC)")
	timeout := fs.Duration("timeout", time.Second, "Time to wait for each acknowledgement")
	verbose := fs.Bool("verbose", false, "Trace every exchange")
	if err := fs.Parse(args); err != nil {
		return err
	}

	plan, err := config.Load(*path)
	if err != nil {
		return fmt.Errorf("load %s: %w", *path, err)
	}

	cfg := serial.DefaultConfig(*device)
	cfg.Baud = *baud
	b, err := board.Open(cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	if *verbose {
		b.Logf = log.Printf
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := &console{board: b, plan: plan, timeout: *timeout, out: os.Stdout}
	for _, ch := range plan.Channels {
		if err := c.configure(ctx, ch); err != nil {
			return err
		}
	}
	return c.run(ctx, os.Stdin)
}

type console struct {
	board   *board.Board
	plan    config.Plan
	timeout time.Duration
	out     io.Writer
}

func (c *console) configure(ctx context.Context, ch config.Channel) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	state, err := c.board.ConfigureChannel(ctx, ch.OID, ch.Timer, ch.FrequencyHz, ch.Prescale, ch.DutyPercent)
	if err != nil {
		return fmt.Errorf("configure %s: %w", ch.Name, err)
	}
	c.printState(ch.Name, state)
	return nil
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(c.out, "Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		words, err := shlex.Split(scanner.Text())
		if err != nil {
			log.Printf("parse: %v", err)
			continue
		}
		if len(words) == 0 {
			continue
		}
		quit, err := c.exec(ctx, words)
		if err != nil {
			log.Print(err)
		}
		if quit {
			return nil
		}
	}
}

func (c *console) exec(ctx context.Context, words []string) (quit bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch words[0] {
	case "quit", "exit", "q":
		return true, nil

	case "help", "?":
		fmt.Fprintln(c.out, "  duty <channel> <percent>  stage a duty cycle for the next period")
		fmt.Fprintln(c.out, "  query <channel>           show live and staged thresholds")
		fmt.Fprintln(c.out, "  plan                      show the channel plan")
		fmt.Fprintln(c.out, "  clock                     read the board clock")
		fmt.Fprintln(c.out, "  reset                     restart the board")
		fmt.Fprintln(c.out, "  quit                      exit")
		fmt.Fprintln(c.out, "  <channel> is a name from the plan or an oid")
		return false, nil

	case "plan":
		return false, printPlan(c.out, c.plan)

	case "duty":
		if len(words) != 3 {
			return false, fmt.Errorf("usage: duty <channel> <percent>")
		}
		oid, err := c.lookup(words[1])
		if err != nil {
			return false, err
		}
		pct, err := strconv.ParseInt(words[2], 10, 32)
		if err != nil {
			return false, fmt.Errorf("duty %q: %w", words[2], err)
		}
		return false, c.board.SetDuty(ctx, oid, int32(pct))

	case "clock":
		clock, err := c.board.Clock(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "clock=%d\n", clock)
		return false, nil

	case "reset":
		// The board drops off the bus after acking
		return true, c.board.Reset(ctx)

	case "query":
		if len(words) != 2 {
			return false, fmt.Errorf("usage: query <channel>")
		}
		oid, err := c.lookup(words[1])
		if err != nil {
			return false, err
		}
		state, err := c.board.Query(ctx, oid)
		if err != nil {
			return false, err
		}
		c.printState(words[1], state)
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (type 'help' for available commands)", words[0])
	}
}

// lookup resolves a channel name from the plan or a numeric oid
func (c *console) lookup(word string) (uint8, error) {
	if ch, ok := c.plan.Find(word); ok {
		return ch.OID, nil
	}
	oid, err := strconv.ParseUint(word, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("no channel %q", word)
	}
	return uint8(oid), nil
}

func (c *console) printState(name string, s board.ChannelState) {
	fmt.Fprintf(c.out, "%s: oid=%d %s period=%d live=%d (%d%%) buffered=%d commits=%d rejects=%d\n",
		name, s.OID, s.State, s.Period, s.Live, s.DutyCycle(), s.Buffered, s.Commits, s.Rejects)
}

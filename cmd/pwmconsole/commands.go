package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"vmxhal-go/bus"
	"vmxhal-go/services/hal"
	"vmxhal-go/types"

	"github.com/go-errors/errors"
	"github.com/google/shlex"
)

const defaultRampSteps = 20

var errQuit = errors.New("quit")

// console turns text lines into HAL control requests.
type console struct {
	conn    *bus.Connection
	out     io.Writer
	timeout time.Duration
}

type command struct {
	usage string
	help  string
	args  int // required arguments, port included
	run   func(ctx context.Context, c *console, args []string) error
}

var commands = map[string]command{
	"speed": {"<port> <-1..1>", "drive at a signed speed", 2, func(ctx context.Context, c *console, a []string) error {
		v, err := parseFloat(a[1])
		if err != nil {
			return err
		}
		return c.control(ctx, a[0], hal.VerbSetSpeed, types.PWMSetSpeed{Speed: v})
	}},
	"pos": {"<port> <0..1>", "move to a position", 2, func(ctx context.Context, c *console, a []string) error {
		v, err := parseFloat(a[1])
		if err != nil {
			return err
		}
		return c.control(ctx, a[0], hal.VerbSetPosition, types.PWMSetPosition{Position: v})
	}},
	"raw": {"<port> <ticks>", "write a raw pulse width", 2, func(ctx context.Context, c *console, a []string) error {
		v, err := parseInt(a[1], 32)
		if err != nil {
			return err
		}
		return c.control(ctx, a[0], hal.VerbSetRaw, types.PWMSetRaw{Value: int32(v)})
	}},
	"get": {"<port>", "read the port back", 1, func(ctx context.Context, c *console, a []string) error {
		return c.control(ctx, a[0], hal.VerbGet, nil)
	}},
	"disable": {"<port>", "stop driving the output", 1, func(ctx context.Context, c *console, a []string) error {
		return c.control(ctx, a[0], hal.VerbDisable, nil)
	}},
	"latch": {"<port>", "latch the output to zero", 1, func(ctx context.Context, c *console, a []string) error {
		return c.control(ctx, a[0], hal.VerbLatchZero, nil)
	}},
	"scale": {"<port> <0|1|3>", "squelch output frames (x1, x2, x4)", 2, func(ctx context.Context, c *console, a []string) error {
		v, err := parseInt(a[1], 32)
		if err != nil {
			return err
		}
		return c.control(ctx, a[0], hal.VerbSetPeriodScale, types.PWMSetPeriodScale{Mask: int32(v)})
	}},
	"ramp": {"<port> <ticks> <ms> [steps]", "ramp linearly to a raw value", 3, func(ctx context.Context, c *console, a []string) error {
		to, err := parseUint(a[1], 16)
		if err != nil {
			return err
		}
		ms, err := parseUint(a[2], 32)
		if err != nil {
			return err
		}
		steps := uint64(defaultRampSteps)
		if len(a) > 3 {
			if steps, err = parseUint(a[3], 16); err != nil {
				return err
			}
		}
		return c.control(ctx, a[0], hal.VerbRamp, types.PWMRamp{
			To:         uint16(to),
			DurationMs: uint32(ms),
			Steps:      uint16(steps),
			Mode:       types.PWMRampLinear,
		})
	}},
	"stop": {"<port>", "stop a running ramp", 1, func(ctx context.Context, c *console, a []string) error {
		return c.control(ctx, a[0], hal.VerbStopRamp, nil)
	}},
	"deadband": {"<port> on|off", "skip the deadband when driving by speed", 2, func(ctx context.Context, c *console, a []string) error {
		on, err := parseOnOff(a[1])
		if err != nil {
			return err
		}
		return c.control(ctx, a[0], hal.VerbSetEliminateDeadband, types.PWMSetEliminateDeadband{Enabled: on})
	}},
	"config": {"<port> <max> <db_max> <center> <db_min> <min>", "set bounds in milliseconds", 6, func(ctx context.Context, c *console, a []string) error {
		var v [5]float64
		for i := range v {
			f, err := parseFloat(a[i+1])
			if err != nil {
				return err
			}
			v[i] = f
		}
		return c.control(ctx, a[0], hal.VerbSetConfig, types.PWMBounds{
			Max: v[0], DeadbandMax: v[1], Center: v[2], DeadbandMin: v[3], Min: v[4],
		})
	}},
	"free": {"<port>", "release the port", 1, func(ctx context.Context, c *console, a []string) error {
		return c.control(ctx, a[0], hal.VerbFree, nil)
	}},
	"feed": {"", "feed the safety watchdog once", 0, func(_ context.Context, c *console, _ []string) error {
		c.conn.Publish(c.conn.NewMessage(hal.FeedTopic(), types.Feed{}, false))
		fmt.Fprintln(c.out, "fed")
		return nil
	}},
}

// exec runs one command line. It returns errQuit when the operator is done.
func (c *console) exec(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return errors.WrapPrefix(err, "parse", 0)
	}
	if len(args) == 0 {
		return nil
	}
	name, args := args[0], args[1:]
	switch name {
	case "help", "?":
		c.help()
		return nil
	case "quit", "exit":
		return errQuit
	}
	cmd, ok := commands[name]
	if !ok {
		return errors.Errorf("unknown command %q, try help", name)
	}
	if len(args) < cmd.args {
		return errors.Errorf("usage: %s %s", name, cmd.usage)
	}
	return cmd.run(ctx, c, args)
}

func (c *console) help() {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(c.out, "  %-8s %-44s %s\n", n, commands[n].usage, commands[n].help)
	}
	fmt.Fprintf(c.out, "  %-8s %-44s %s\n", "quit", "", "leave the console")
}

func (c *console) control(ctx context.Context, port, verb string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	reply, err := c.conn.RequestWait(ctx, c.conn.NewMessage(hal.ControlTopic(port, verb), payload, false))
	if err != nil {
		return errors.WrapPrefix(err, port+" "+verb, 0)
	}
	switch r := reply.Payload.(type) {
	case types.OKReply:
		fmt.Fprintln(c.out, "ok")
	case types.ErrorReply:
		return errors.Errorf("%s %s: %s", port, verb, r.Error)
	case types.PWMValue:
		fmt.Fprintln(c.out, formatValue(port, r))
	default:
		fmt.Fprintf(c.out, "%v\n", r)
	}
	return nil
}

func formatValue(port string, v types.PWMValue) string {
	if v.Disabled {
		return port + " disabled"
	}
	if !v.ConfigSet {
		return fmt.Sprintf("%s raw=%d", port, v.Raw)
	}
	return fmt.Sprintf("%s raw=%d speed=%.3f position=%.3f", port, v.Raw, v.Speed, v.Position)
}

// serve reads lines from r until quit, EOF or ctx ends.
func (c *console) serve(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		fmt.Fprint(c.out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			switch err := c.exec(ctx, line); {
			case err == errQuit:
				return nil
			case err != nil:
				fmt.Fprintln(c.out, "error:", err)
			}
		}
	}
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Errorf("bad number %q", s)
	}
	return v, nil
}

func parseInt(s string, bits int) (int64, error) {
	v, err := strconv.ParseInt(s, 0, bits)
	if err != nil {
		return 0, errors.Errorf("bad integer %q", s)
	}
	return v, nil
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, errors.Errorf("bad count %q", s)
	}
	return v, nil
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, errors.Errorf("expected on or off, got %q", s)
}

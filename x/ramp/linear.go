package ramp

import (
	"context"
	"time"

	"vmxhal-go/x/mathx"
)

// Step writes a new level in [0..Top]. An error aborts the ramp.
type Step func(level uint16) error

// Tick waits for d and reports whether to continue (false => cancelled).
type Tick func(d time.Duration) bool

// Linear is an evenly stepped integer ramp from From to To.
type Linear struct {
	From, To, Top uint16
	Duration      time.Duration
	Steps         uint16
}

// Run drives the ramp synchronously; call it from a goroutine. Steps==0 or a
// zero Duration snaps to To. It returns the first Step error, or nil when the
// ramp finished or tick cancelled it.
func (l Linear) Run(tick Tick, set Step) error {
	to := mathx.Min(l.To, l.Top)
	if l.Steps == 0 || l.Duration <= 0 {
		return set(to)
	}
	d := int32(to) - int32(l.From)
	st := int32(l.Steps)
	acc := int32(0)
	cur := int32(l.From)
	stepDur := l.Duration / time.Duration(l.Steps)
	if stepDur < time.Millisecond {
		stepDur = time.Millisecond
	}

	for i := uint16(1); i < l.Steps; i++ {
		if !tick(stepDur) {
			return nil
		}
		acc += d
		inc := acc / st
		if inc != 0 {
			acc -= inc * st
			cur = mathx.Clamp(cur+inc, 0, int32(l.Top))
			if err := set(uint16(cur)); err != nil {
				return err
			}
		}
	}
	if !tick(stepDur) {
		return nil
	}
	return set(to)
}

// SleepTick returns a Tick that sleeps for d unless ctx ends first.
func SleepTick(ctx context.Context) Tick {
	return func(d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}
}

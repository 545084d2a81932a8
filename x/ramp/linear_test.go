package ramp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noWait(time.Duration) bool { return true }

func TestLinearSteps(t *testing.T) {
	var got []uint16
	err := Linear{From: 1000, To: 2000, Top: 5000, Duration: 100 * time.Millisecond, Steps: 4}.
		Run(noWait, func(v uint16) error { got = append(got, v); return nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []uint16{1250, 1500, 1750, 2000}
	if len(got) != len(want) {
		t.Fatalf("levels=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("levels=%v want %v", got, want)
		}
	}
}

func TestLinearDownAndCapped(t *testing.T) {
	var last uint16
	_ = Linear{From: 1800, To: 9000, Top: 2000, Duration: time.Second, Steps: 10}.
		Run(noWait, func(v uint16) error {
			if v > 2000 {
				t.Fatalf("level %d above top", v)
			}
			last = v
			return nil
		})
	if last != 2000 {
		t.Fatalf("final=%d", last)
	}

	var seen []uint16
	_ = Linear{From: 2000, To: 1000, Top: 5000, Duration: time.Second, Steps: 2}.
		Run(noWait, func(v uint16) error { seen = append(seen, v); return nil })
	if len(seen) != 2 || seen[0] != 1500 || seen[1] != 1000 {
		t.Fatalf("down ramp=%v", seen)
	}
}

func TestLinearSnap(t *testing.T) {
	calls := 0
	_ = Linear{From: 0, To: 1500, Top: 5000}.Run(
		func(time.Duration) bool { t.Fatal("snap must not wait"); return false },
		func(v uint16) error {
			calls++
			if v != 1500 {
				t.Fatalf("snap level=%d", v)
			}
			return nil
		})
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestLinearCancelAndError(t *testing.T) {
	n := 0
	_ = Linear{From: 0, To: 100, Top: 100, Duration: time.Second, Steps: 10}.Run(
		func(time.Duration) bool { n++; return n < 3 },
		func(uint16) error { return nil })
	if n != 3 {
		t.Fatalf("tick calls=%d", n)
	}

	boom := errors.New("boom")
	err := Linear{From: 0, To: 100, Top: 100, Duration: time.Second, Steps: 10}.
		Run(noWait, func(uint16) error { return boom })
	if err != boom {
		t.Fatalf("err=%v", err)
	}
}

func TestSleepTickCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if SleepTick(ctx)(time.Hour) {
		t.Fatal("cancelled tick should stop")
	}
	if !SleepTick(context.Background())(time.Millisecond) {
		t.Fatal("live tick should continue")
	}
}

package pwm

import (
	"math"
	"testing"

	"vmxhal-go/types"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRawBoundsDefaults(t *testing.T) {
	got := RawBounds(DefaultBounds)
	want := types.PWMRawBounds{Max: 2000, DeadbandMax: 1501, Center: 1500, DeadbandMin: 1499, Min: 1000}
	if got != want {
		t.Fatalf("RawBounds(default)=%+v want %+v", got, want)
	}
	wide := RawBounds(types.PWMBounds{Max: 2.5, DeadbandMax: 1.52, Center: 1.5, DeadbandMin: 1.48, Min: 0.5})
	if wide.Max != 2500 || wide.Min != 500 || wide.Center != 1500 {
		t.Fatalf("wide bounds=%+v", wide)
	}
}

func TestSpeedToDuty(t *testing.T) {
	b := RawBounds(DefaultBounds)
	cases := []struct {
		name  string
		speed float64
		elim  bool
		want  int32
	}{
		{"full reverse", -1, false, 1000},
		{"full forward", 1, false, 2000},
		{"stop", 0, false, 1500},
		{"half forward", 0.5, false, 1750},
		{"half reverse", -0.5, false, 1250},
		{"clamped high", 2, false, 2000},
		{"clamped low", -3, false, 1000},
		{"no deadband stop", 0, true, 1500},
		{"no deadband forward", 1, true, 2000},
		{"no deadband reverse", -1, true, 1000},
		{"no deadband half forward", 0.5, true, 1751},
		{"no deadband half reverse", -0.5, true, 1249},
		{"no deadband creep", 0.001, true, 1502},
		{"no deadband creep back", -0.001, true, 1498},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := speedToDuty(b, tc.speed, tc.elim); got != tc.want {
				t.Fatalf("speedToDuty(%v, %v)=%d want %d", tc.speed, tc.elim, got, tc.want)
			}
		})
	}
}

func TestDutyToSpeedAndPosition(t *testing.T) {
	b := RawBounds(DefaultBounds)
	cases := []struct {
		raw        int32
		speed, pos float64
	}{
		{0, 0, 0.5},
		{900, -1, 0},
		{1000, -1, 0},
		{2000, 1, 1},
		{2100, 1, 1},
		{1499, 0, 0.5},
		{1500, 0, 0.5},
		{1501, 0, 0.5},
		{1750, 0.5, 0.75},
		{1250, -0.5, 0.25},
	}
	for _, tc := range cases {
		if got := dutyToSpeed(b, tc.raw); !near(got, tc.speed) {
			t.Errorf("dutyToSpeed(%d)=%v want %v", tc.raw, got, tc.speed)
		}
		if got := dutyToPosition(b, tc.raw); !near(got, tc.pos) {
			t.Errorf("dutyToPosition(%d)=%v want %v", tc.raw, got, tc.pos)
		}
	}
}

func TestPositionToDuty(t *testing.T) {
	b := RawBounds(DefaultBounds)
	for pos, want := range map[float64]int32{0: 1000, 1: 2000, 0.25: 1250, -1: 1000, 7: 2000} {
		if got := positionToDuty(b, pos); got != want {
			t.Errorf("positionToDuty(%v)=%d want %d", pos, got, want)
		}
	}
}

func TestTimingConstants(t *testing.T) {
	if LoopTiming() != 40 || CycleStartTime() != 0 {
		t.Fatalf("loop=%d start=%d", LoopTiming(), CycleStartTime())
	}
	if !CheckChannel(0) || !CheckChannel(21) || CheckChannel(22) || CheckChannel(-1) {
		t.Fatal("CheckChannel bounds")
	}
}

func nan() float64 { return math.NaN() }

package pwm

import (
	"vmxhal-go/types"
	"vmxhal-go/x/mathx"
)

// Loop timing and pulse-width constants. One duty-cycle tick is one
// microsecond at the 200 Hz generator rate.
const (
	NumChannels = 22

	ExpectedLoopTiming             = 40 // system clock ticks
	SystemClockTicksPerMicrosecond = 40
	DefaultCenterMs                = 1.5
	DefaultStepsDown               = 1500
)

// DefaultBounds is applied to every port on initialisation.
var DefaultBounds = types.PWMBounds{Max: 2.0, DeadbandMax: 1.501, Center: 1.5, DeadbandMin: 1.499, Min: 1.0}

// LoopTiming returns the PWM loop timing in system clock ticks.
func LoopTiming() int32 { return ExpectedLoopTiming }

// CycleStartTime is not tracked by the board; it is always 0.
func CycleStartTime() uint64 { return 0 }

// CheckChannel reports whether ch is a valid PWM channel number.
func CheckChannel(ch int32) bool { return ch >= 0 && ch < NumChannels }

// msToTicks converts a pulse width to duty-cycle ticks.
func msToTicks(ms float64) int32 {
	loopTime := float64(LoopTiming()) / (SystemClockTicksPerMicrosecond * 1e3)
	return int32((ms-DefaultCenterMs)/loopTime + DefaultStepsDown)
}

// RawBounds converts millisecond bounds to ticks.
func RawBounds(b types.PWMBounds) types.PWMRawBounds {
	return types.PWMRawBounds{
		Max:         msToTicks(b.Max),
		DeadbandMax: msToTicks(b.DeadbandMax),
		Center:      msToTicks(b.Center),
		DeadbandMin: msToTicks(b.DeadbandMin),
		Min:         msToTicks(b.Min),
	}
}

func speedToDuty(b types.PWMRawBounds, speed float64, eliminateDeadband bool) int32 {
	speed = mathx.Clamp(speed, -1, 1)
	if eliminateDeadband {
		return speedOutsideDeadband(b, speed)
	}
	switch {
	case speed <= -1:
		return b.Min
	case speed == 1:
		return b.Max
	default:
		return int32(float64(b.Min) + (speed+1)*(mathx.Span(b.Min, b.Max)/2))
	}
}

// speedOutsideDeadband maps positive speeds onto (DeadbandMax, Max] and
// negative speeds onto [Min, DeadbandMin). Zero is Center.
func speedOutsideDeadband(b types.PWMRawBounds, speed float64) int32 {
	switch {
	case speed == 0:
		return b.Center
	case speed > 0:
		lo := mathx.Min(b.DeadbandMax+1, b.Max)
		return lo + int32(speed*mathx.Span(lo, b.Max))
	default:
		hi := mathx.Max(b.DeadbandMin-1, b.Min)
		return hi + int32(speed*mathx.Span(b.Min, hi))
	}
}

func positionToDuty(b types.PWMRawBounds, pos float64) int32 {
	return mathx.Lerp(b.Min, b.Max, mathx.Clamp(pos, 0, 1))
}

func dutyToSpeed(b types.PWMRawBounds, raw int32) float64 {
	switch {
	case raw == 0:
		return 0
	case raw <= b.Min:
		return -1
	case raw >= b.Max:
		return 1
	case raw >= b.DeadbandMin && raw <= b.DeadbandMax:
		return 0
	default:
		return -1 + 2/mathx.Span(b.Min, b.Max)*float64(raw-b.Min)
	}
}

func dutyToPosition(b types.PWMRawBounds, raw int32) float64 {
	switch {
	case raw == 0:
		return 0.5
	case raw <= b.Min:
		return 0
	case raw >= b.Max:
		return 1
	case raw >= b.DeadbandMin && raw <= b.DeadbandMax:
		return 0.5
	default:
		return 1 / mathx.Span(b.Min, b.Max) * float64(raw-b.Min)
	}
}

package vmx

import "periph.io/x/conn/v3/physic"

// ResourceConfig is implemented by every per-resource activation config.
type ResourceConfig interface {
	ResourceType() ResourceType
}

// FrameOutputFilter squelches generator frames, scaling the output period.
type FrameOutputFilter uint8

const (
	FilterX1 FrameOutputFilter = iota // every frame
	FilterX2                          // every 2nd frame
	FilterX4                          // every 4th frame
)

// Divisor is the period multiplier applied by the filter.
func (f FrameOutputFilter) Divisor() int64 {
	switch f {
	case FilterX2:
		return 2
	case FilterX4:
		return 4
	default:
		return 1
	}
}

func (f FrameOutputFilter) String() string {
	switch f {
	case FilterX2:
		return "x2"
	case FilterX4:
		return "x4"
	default:
		return "x1"
	}
}

// DefaultMaxDutyCycle is the generator resolution before SetMaxDutyCycle.
const DefaultMaxDutyCycle uint16 = 255

// PWMGeneratorConfig configures a PWM generator resource. Both ports share it.
type PWMGeneratorConfig struct {
	Frequency    physic.Frequency
	MaxDutyCycle uint16
	Filter       FrameOutputFilter
}

func NewPWMGeneratorConfig(freq physic.Frequency) PWMGeneratorConfig {
	return PWMGeneratorConfig{Frequency: freq, MaxDutyCycle: DefaultMaxDutyCycle}
}

func (PWMGeneratorConfig) ResourceType() ResourceType { return PWMGenerator }

// EffectiveFrequency is the output frequency after frame filtering.
func (c PWMGeneratorConfig) EffectiveFrequency() physic.Frequency {
	return c.Frequency / physic.Frequency(c.Filter.Divisor())
}

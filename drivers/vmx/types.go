package vmx

import "strconv"

// ChannelIndex addresses one physical channel on the I/O board.
type ChannelIndex uint8

// InvalidChannel marks an unmapped channel.
const InvalidChannel ChannelIndex = 0xFF

// Physical channel families.
type ChannelType uint8

const (
	ChannelUnknown ChannelType = iota
	FlexDIO
	HiCurrDIO
	CommDIO
	AnalogIn
)

func (t ChannelType) String() string {
	switch t {
	case FlexDIO:
		return "flex_dio"
	case HiCurrDIO:
		return "hicurr_dio"
	case CommDIO:
		return "comm_dio"
	case AnalogIn:
		return "analog_in"
	default:
		return "unknown"
	}
}

// ChannelCapability is a bitmask of the functions a channel can be routed to.
type ChannelCapability uint32

const (
	CapNone             ChannelCapability = 0
	DigitalInput        ChannelCapability = 1 << 0
	DigitalOutput       ChannelCapability = 1 << 1
	PWMGeneratorOutput  ChannelCapability = 1 << 2 // port 0 of a PWM generator
	PWMGeneratorOutput2 ChannelCapability = 1 << 3 // port 1 of a PWM generator
	PWMCaptureInput     ChannelCapability = 1 << 4
	EncoderAInput       ChannelCapability = 1 << 5
	EncoderBInput       ChannelCapability = 1 << 6
	InterruptInput      ChannelCapability = 1 << 7
	AnalogInput         ChannelCapability = 1 << 8
)

// Has reports whether all bits of c are set.
func (m ChannelCapability) Has(c ChannelCapability) bool { return c != 0 && m&c == c }

// PWMAbility picks the PWM generator output a channel must use.
// Port 0 wins when a channel advertises both.
func (m ChannelCapability) PWMAbility() (ChannelCapability, bool) {
	switch {
	case m.Has(PWMGeneratorOutput):
		return PWMGeneratorOutput, true
	case m.Has(PWMGeneratorOutput2):
		return PWMGeneratorOutput2, true
	default:
		return CapNone, false
	}
}

// PortFor maps a PWM generator output ability to its port on the resource.
func PortFor(ability ChannelCapability) PortIndex {
	if ability == PWMGeneratorOutput2 {
		return 1
	}
	return 0
}

// ChannelInfo is what the board needs to activate a resource for a channel.
type ChannelInfo struct {
	Index        ChannelIndex
	Capabilities ChannelCapability
}

// Resource families.
type ResourceType uint8

const (
	ResourceUndefined ResourceType = iota
	DigitalIO
	PWMGenerator
	PWMCapture
	Encoder
	Accumulator
	Interrupt
)

func (t ResourceType) String() string {
	switch t {
	case DigitalIO:
		return "digital_io"
	case PWMGenerator:
		return "pwm_generator"
	case PWMCapture:
		return "pwm_capture"
	case Encoder:
		return "encoder"
	case Accumulator:
		return "accumulator"
	case Interrupt:
		return "interrupt"
	default:
		return "undefined"
	}
}

type ResourceIndex uint8

// PortIndex selects an output within a multi-port resource.
type PortIndex uint8

// ResourceHandle packs a resource type and index. Zero is never a valid handle.
type ResourceHandle uint16

const InvalidResource ResourceHandle = 0

func NewResourceHandle(t ResourceType, i ResourceIndex) ResourceHandle {
	return ResourceHandle(uint16(t)<<8 | uint16(i))
}

func (h ResourceHandle) Type() ResourceType   { return ResourceType(h >> 8) }
func (h ResourceHandle) Index() ResourceIndex { return ResourceIndex(h & 0xFF) }
func (h ResourceHandle) Valid() bool          { return h.Type() != ResourceUndefined }

func (h ResourceHandle) String() string {
	if !h.Valid() {
		return "invalid"
	}
	return h.Type().String() + "/" + strconv.Itoa(int(h.Index()))
}

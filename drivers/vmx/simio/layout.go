package simio

import "vmxhal-go/drivers/vmx"

// ChannelSpec describes one simulated channel and the PWM generators its
// PWM ability can reach.
type ChannelSpec struct {
	Index      vmx.ChannelIndex
	Type       vmx.ChannelType
	Caps       vmx.ChannelCapability
	Generators []vmx.ResourceIndex
}

// Layout is the static shape of a simulated board.
type Layout struct {
	Channels   []ChannelSpec
	Generators int
}

const (
	numFlexDIO   = 12
	numHiCurrDIO = 10
)

// DefaultLayout models the VMX-pi digital headers: FlexDIO 0..11 and
// HiCurrDIO 12..21. Adjacent channel pairs share one two-port generator,
// even channels on port 0 and odd channels on port 1.
func DefaultLayout() Layout {
	var l Layout
	gen := vmx.ResourceIndex(0)
	add := func(first, n int, typ vmx.ChannelType, base vmx.ChannelCapability) {
		for i := 0; i < n; i++ {
			caps := base | vmx.PWMGeneratorOutput
			if i%2 == 1 {
				caps = base | vmx.PWMGeneratorOutput2
			}
			l.Channels = append(l.Channels, ChannelSpec{
				Index:      vmx.ChannelIndex(first + i),
				Type:       typ,
				Caps:       caps,
				Generators: []vmx.ResourceIndex{gen + vmx.ResourceIndex(i/2)},
			})
		}
		gen += vmx.ResourceIndex((n + 1) / 2)
	}
	add(0, numFlexDIO, vmx.FlexDIO,
		vmx.DigitalInput|vmx.DigitalOutput|vmx.InterruptInput|vmx.EncoderAInput|vmx.EncoderBInput|vmx.PWMCaptureInput)
	add(numFlexDIO, numHiCurrDIO, vmx.HiCurrDIO, vmx.DigitalInput|vmx.DigitalOutput)
	// Analog inputs carry no PWM ability.
	for i := 0; i < 4; i++ {
		l.Channels = append(l.Channels, ChannelSpec{
			Index: vmx.ChannelIndex(numFlexDIO + numHiCurrDIO + i),
			Type:  vmx.AnalogIn,
			Caps:  vmx.AnalogInput,
		})
	}
	l.Generators = int(gen)
	return l
}

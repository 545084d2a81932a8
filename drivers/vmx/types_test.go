package vmx

import (
	"testing"

	"vmxhal-go/errcode"

	"periph.io/x/conn/v3/physic"
)

func TestResourceHandlePacking(t *testing.T) {
	h := NewResourceHandle(PWMGenerator, 5)
	if h.Type() != PWMGenerator || h.Index() != 5 {
		t.Fatalf("round trip failed: %v/%d", h.Type(), h.Index())
	}
	if !h.Valid() || InvalidResource.Valid() {
		t.Fatal("validity mismatch")
	}
	if h.String() != "pwm_generator/5" {
		t.Fatalf("unexpected string %q", h.String())
	}
}

func TestPWMAbility(t *testing.T) {
	cases := []struct {
		caps ChannelCapability
		want ChannelCapability
		port PortIndex
		ok   bool
	}{
		{DigitalOutput | PWMGeneratorOutput, PWMGeneratorOutput, 0, true},
		{DigitalOutput | PWMGeneratorOutput2, PWMGeneratorOutput2, 1, true},
		{PWMGeneratorOutput | PWMGeneratorOutput2, PWMGeneratorOutput, 0, true},
		{DigitalInput | AnalogInput, CapNone, 0, false},
	}
	for _, c := range cases {
		got, ok := c.caps.PWMAbility()
		if got != c.want || ok != c.ok {
			t.Fatalf("PWMAbility(%b)=%b,%v want %b,%v", c.caps, got, ok, c.want, c.ok)
		}
		if ok && PortFor(got) != c.port {
			t.Fatalf("PortFor(%b)=%d want %d", got, PortFor(got), c.port)
		}
	}
}

func TestEffectiveFrequency(t *testing.T) {
	cfg := NewPWMGeneratorConfig(200 * physic.Hertz)
	if cfg.MaxDutyCycle != DefaultMaxDutyCycle {
		t.Fatalf("default max duty %d", cfg.MaxDutyCycle)
	}
	cfg.Filter = FilterX4
	if cfg.EffectiveFrequency() != 50*physic.Hertz {
		t.Fatalf("x4 of 200Hz should be 50Hz, got %s", cfg.EffectiveFrequency())
	}
	if cfg.ResourceType() != PWMGenerator {
		t.Fatal("generator config must target the PWM generator resource")
	}
}

func TestIsCommError(t *testing.T) {
	if !IsCommError(errcode.Wrap("spi", ErrIOBoardComm)) {
		t.Fatal("wrapped comm error not detected")
	}
	if IsCommError(ErrPortInUse) {
		t.Fatal("port-in-use is not a comm error")
	}
}

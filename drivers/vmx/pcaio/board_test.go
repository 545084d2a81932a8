package pcaio

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"vmxhal-go/drivers/vmx"
	"vmxhal-go/errcode"

	"github.com/edaniels/golog"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/pca9685"
)

// fakeBus records writes and optionally fails.
type fakeBus struct {
	mu     sync.Mutex
	writes [][]byte
	fail   error
}

var _ drivers.I2C = (*fakeBus)(nil)

func (f *fakeBus) Tx(addr uint16, w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if len(w) > 0 {
		f.writes = append(f.writes, append([]byte(nil), w...))
	}
	for i := range r {
		r[i] = 0
	}
	return nil
}

// lastLED returns the ON value last written for channel ch by a buffered update.
func (f *fakeBus) lastLED(ch int) (uint16, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.writes) - 1; i >= 0; i-- {
		w := f.writes[i]
		if w[0] == pca9685.LEDSTART && len(w) == 1+16*4 {
			return binary.LittleEndian.Uint16(w[1+ch*4:]), true
		}
	}
	return 0, false
}

func genCfg(freq physic.Frequency) vmx.PWMGeneratorConfig {
	c := vmx.NewPWMGeneratorConfig(freq)
	c.MaxDutyCycle = 5000
	return c
}

func newBoard(t *testing.T) (*Board, *fakeBus) {
	t.Helper()
	bus := &fakeBus{}
	b := New(bus, DefaultAddress, golog.NewTestLogger(t))
	if err := b.Configure(); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return b, bus
}

func TestActivateAndScaleDuty(t *testing.T) {
	b, bus := newBoard(t)
	h, err := b.ActivateSingleChannelResource(vmx.ChannelInfo{Index: 4, Capabilities: vmx.PWMGeneratorOutput}, genCfg(200*physic.Hertz))
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if h.Index() != 2 {
		t.Fatalf("channel 4 belongs to generator 2, got %d", h.Index())
	}
	if err := b.PWMGeneratorSetDutyCycle(h, 0, 2500); err != nil {
		t.Fatalf("set duty: %v", err)
	}
	on, ok := bus.lastLED(4)
	if !ok || on != 2047 {
		t.Fatalf("half duty should be 2047/4095, got %d (%v)", on, ok)
	}
	if v, _ := b.PWMGeneratorDutyCycle(h, 0); v != 2500 {
		t.Fatalf("readback=%d want 2500", v)
	}
}

func TestSecondPortNeedsFallback(t *testing.T) {
	b, _ := newBoard(t)
	h, _ := b.ActivateSingleChannelResource(vmx.ChannelInfo{Index: 0, Capabilities: vmx.PWMGeneratorOutput}, genCfg(200*physic.Hertz))
	if _, err := b.ActivateSingleChannelResource(vmx.ChannelInfo{Index: 1, Capabilities: vmx.PWMGeneratorOutput2}, genCfg(200*physic.Hertz)); err != vmx.ErrNoUnallocatedCompatibleResources {
		t.Fatalf("expected no-unallocated, got %v", err)
	}
	res, allocated, err := b.ResourceWithAvailablePort(vmx.PWMGenerator, 1, vmx.PWMGeneratorOutput2)
	if err != nil || res != h || !allocated {
		t.Fatalf("available: %v %v %v", res, allocated, err)
	}
	if err := b.RouteChannelToResource(1, res); err != nil {
		t.Fatalf("route: %v", err)
	}
	if n, _ := b.NumChannelsRouted(h); n != 2 {
		t.Fatalf("routed=%d", n)
	}
}

func TestFrequencyConflict(t *testing.T) {
	b, _ := newBoard(t)
	if _, err := b.ActivateSingleChannelResource(vmx.ChannelInfo{Index: 0, Capabilities: vmx.PWMGeneratorOutput}, genCfg(200*physic.Hertz)); err != nil {
		t.Fatalf("activate: %v", err)
	}
	cfg := genCfg(200 * physic.Hertz)
	cfg.Filter = vmx.FilterX4
	_, err := b.ActivateSingleChannelResource(vmx.ChannelInfo{Index: 2, Capabilities: vmx.PWMGeneratorOutput}, cfg)
	if errcode.Of(err) != errcode.Conflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	// Same frequency is fine.
	if _, err := b.ActivateSingleChannelResource(vmx.ChannelInfo{Index: 2, Capabilities: vmx.PWMGeneratorOutput}, genCfg(200*physic.Hertz)); err != nil {
		t.Fatalf("matching frequency: %v", err)
	}
}

func TestSoleGeneratorMayRetune(t *testing.T) {
	b, _ := newBoard(t)
	h, _ := b.ActivateSingleChannelResource(vmx.ChannelInfo{Index: 6, Capabilities: vmx.PWMGeneratorOutput}, genCfg(200*physic.Hertz))
	if err := b.DeallocateResource(h); err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	cfg := genCfg(200 * physic.Hertz)
	cfg.Filter = vmx.FilterX2
	if _, err := b.ActivateSingleChannelResource(vmx.ChannelInfo{Index: 6, Capabilities: vmx.PWMGeneratorOutput}, cfg); err != nil {
		t.Fatalf("retune: %v", err)
	}
	if b.freq != 100*physic.Hertz {
		t.Fatalf("chip frequency=%s want 100Hz", b.freq)
	}
}

func TestPeriodOutOfRange(t *testing.T) {
	b, _ := newBoard(t)
	_, err := b.ActivateSingleChannelResource(vmx.ChannelInfo{Index: 0, Capabilities: vmx.PWMGeneratorOutput}, genCfg(5*physic.KiloHertz))
	if err != vmx.ErrInvalidParameter {
		t.Fatalf("5kHz is beyond the chip, got %v", err)
	}
}

func TestBusFailureIsCommError(t *testing.T) {
	b, bus := newBoard(t)
	h, _ := b.ActivateSingleChannelResource(vmx.ChannelInfo{Index: 0, Capabilities: vmx.PWMGeneratorOutput}, genCfg(200*physic.Hertz))
	bus.fail = errors.New("nack")
	err := b.PWMGeneratorSetDutyCycle(h, 0, 100)
	if !vmx.IsCommError(err) {
		t.Fatalf("expected comm error, got %v", err)
	}
	bus.fail = nil
	if v, _ := b.PWMGeneratorDutyCycle(h, 0); v != 0 {
		t.Fatalf("failed write must not update cache, got %d", v)
	}
}

func TestCapabilities(t *testing.T) {
	b, _ := newBoard(t)
	if _, caps, _ := b.ChannelCapabilities(7); !caps.Has(vmx.PWMGeneratorOutput2) {
		t.Fatalf("odd channel should use port 1: %b", caps)
	}
	if _, _, err := b.ChannelCapabilities(16); err != vmx.ErrInvalidChannel {
		t.Fatalf("channel 16 out of range, got %v", err)
	}
}

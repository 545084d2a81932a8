// Package pcaio implements vmx.IO on a PCA9685 16-channel PWM controller.
//
// Output pairs (2g, 2g+1) form generator g with ports 0 and 1. The chip has a
// single prescaler, so every active generator runs at the same effective
// frequency: the first activation sets it and later activations must match,
// unless no other generator is active.
package pcaio

import (
	"sync"
	"time"

	"vmxhal-go/drivers/vmx"
	"vmxhal-go/errcode"

	"github.com/edaniels/golog"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/pca9685"
)

var _ vmx.IO = (*Board)(nil)

const (
	NumOutputs    = 16
	numGenerators = NumOutputs / 2

	// DefaultAddress is the PCA9685 power-on I2C address with A0..A5 low.
	DefaultAddress = 0x40

	hwTop = 4095

	minPeriod = time.Millisecond
	maxPeriod = 25 * time.Millisecond
)

type output struct {
	routed bool
	ch     vmx.ChannelIndex
	duty   uint16
}

type generator struct {
	allocated bool
	active    bool
	cfg       vmx.PWMGeneratorConfig
	ports     [2]output
}

func (g *generator) numRouted() uint8 {
	var n uint8
	for i := range g.ports {
		if g.ports[i].routed {
			n++
		}
	}
	return n
}

// Board drives one PCA9685. All methods are safe for concurrent use.
type Board struct {
	mu     sync.Mutex
	dev    *pca9685.DevBuffered
	log    golog.Logger
	gens   [numGenerators]generator
	routes map[vmx.ChannelIndex]vmx.ResourceHandle
	freq   physic.Frequency // chip-wide effective frequency, 0 until first activation
}

// New binds a board to an I2C bus. It performs no I/O; call Configure.
func New(bus drivers.I2C, addr uint8, logger golog.Logger) *Board {
	if logger == nil {
		logger = golog.Global()
	}
	return &Board{
		dev:    pca9685.NewBuffered(bus, addr),
		log:    logger,
		routes: make(map[vmx.ChannelIndex]vmx.ResourceHandle),
	}
}

// Configure checks the chip, drives every output low and sets a default period.
func (b *Board) Configure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.dev.IsConnected(); err != nil {
		return commErr("pcaio.connect", err)
	}
	if err := b.dev.Configure(pca9685.PWMConfig{Period: 0}); err != nil {
		return commErr("pcaio.configure", err)
	}
	for ch := uint8(0); ch < NumOutputs; ch++ {
		b.dev.PrepSet(ch, 0)
	}
	if err := b.dev.Update(); err != nil {
		return commErr("pcaio.configure", err)
	}
	b.log.Infow("[pcaio] controller configured", "outputs", NumOutputs)
	return nil
}

func commErr(op string, err error) error {
	return &errcode.E{C: vmx.ErrIOBoardComm, Op: op, Err: err}
}

func generatorOf(ch vmx.ChannelIndex) vmx.ResourceIndex { return vmx.ResourceIndex(ch / 2) }

func capsOf(ch vmx.ChannelIndex) vmx.ChannelCapability {
	if ch%2 == 1 {
		return vmx.DigitalOutput | vmx.PWMGeneratorOutput2
	}
	return vmx.DigitalOutput | vmx.PWMGeneratorOutput
}

// caller holds lock
func (b *Board) gen(res vmx.ResourceHandle) (*generator, error) {
	if res.Type() != vmx.PWMGenerator || int(res.Index()) >= numGenerators {
		return nil, vmx.ErrInvalidResourceHandle
	}
	return &b.gens[res.Index()], nil
}

// caller holds lock
func (b *Board) activeCount() int {
	n := 0
	for i := range b.gens {
		if b.gens[i].active {
			n++
		}
	}
	return n
}

// caller holds lock
func (b *Board) writeOutput(op string, ch vmx.ChannelIndex, duty, top uint16) error {
	var on uint32
	if top > 0 {
		on = uint32(duty) * hwTop / uint32(top)
	}
	if on > hwTop {
		on = hwTop
	}
	b.dev.PrepSet(uint8(ch), on)
	if err := b.dev.Update(); err != nil {
		return commErr(op, err)
	}
	return nil
}

// caller holds lock
func (b *Board) applyFrequency(cfg vmx.PWMGeneratorConfig) error {
	eff := cfg.EffectiveFrequency()
	if eff == b.freq {
		return nil
	}
	if b.freq != 0 && b.activeCount() > 0 {
		return errcode.Conflict
	}
	period := eff.Period()
	if period < minPeriod || period > maxPeriod {
		return vmx.ErrInvalidParameter
	}
	if err := b.dev.SetPeriod(uint64(period.Nanoseconds())); err != nil {
		return commErr("pcaio.set_period", err)
	}
	b.freq = eff
	b.log.Debugw("[pcaio] prescaler updated", "freq", eff.String())
	return nil
}

func (b *Board) ChannelCapabilities(ch vmx.ChannelIndex) (vmx.ChannelType, vmx.ChannelCapability, error) {
	if ch >= NumOutputs {
		return vmx.ChannelUnknown, vmx.CapNone, vmx.ErrInvalidChannel
	}
	return vmx.FlexDIO, capsOf(ch), nil
}

func (b *Board) ActivateSingleChannelResource(info vmx.ChannelInfo, cfg vmx.ResourceConfig) (vmx.ResourceHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pcfg, ok := cfg.(vmx.PWMGeneratorConfig)
	if !ok {
		return vmx.InvalidResource, vmx.ErrIncompatibleResource
	}
	if info.Index >= NumOutputs {
		return vmx.InvalidResource, vmx.ErrInvalidChannel
	}
	if pcfg.MaxDutyCycle == 0 || pcfg.Frequency <= 0 {
		return vmx.InvalidResource, vmx.ErrInvalidParameter
	}
	ability, ok := (capsOf(info.Index) & info.Capabilities).PWMAbility()
	if !ok {
		return vmx.InvalidResource, vmx.ErrIncompatibleResource
	}
	if _, routed := b.routes[info.Index]; routed {
		return vmx.InvalidResource, vmx.ErrPortInUse
	}
	gi := generatorOf(info.Index)
	g := &b.gens[gi]
	if g.allocated {
		return vmx.InvalidResource, vmx.ErrNoUnallocatedCompatibleResources
	}
	if err := b.applyFrequency(pcfg); err != nil {
		return vmx.InvalidResource, err
	}
	*g = generator{allocated: true, active: true, cfg: pcfg}
	g.ports[vmx.PortFor(ability)] = output{routed: true, ch: info.Index}
	h := vmx.NewResourceHandle(vmx.PWMGenerator, gi)
	b.routes[info.Index] = h
	return h, nil
}

func (b *Board) ResourceWithAvailablePort(rt vmx.ResourceType, ch vmx.ChannelIndex, ability vmx.ChannelCapability) (vmx.ResourceHandle, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rt != vmx.PWMGenerator {
		return vmx.InvalidResource, false, vmx.ErrIncompatibleResource
	}
	if ch >= NumOutputs {
		return vmx.InvalidResource, false, vmx.ErrInvalidChannel
	}
	ab, ok := (capsOf(ch) & ability).PWMAbility()
	if !ok {
		return vmx.InvalidResource, false, vmx.ErrIncompatibleResource
	}
	gi := generatorOf(ch)
	g := &b.gens[gi]
	if g.ports[vmx.PortFor(ab)].routed {
		return vmx.InvalidResource, false, vmx.ErrPortInUse
	}
	return vmx.NewResourceHandle(vmx.PWMGenerator, gi), g.allocated, nil
}

func (b *Board) RouteChannelToResource(ch vmx.ChannelIndex, res vmx.ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.gen(res)
	if err != nil {
		return err
	}
	if ch >= NumOutputs || generatorOf(ch) != res.Index() {
		return vmx.ErrIncompatibleResource
	}
	if !g.allocated {
		return vmx.ErrResourceNotActive
	}
	if _, routed := b.routes[ch]; routed {
		return vmx.ErrPortInUse
	}
	ab, _ := capsOf(ch).PWMAbility()
	p := vmx.PortFor(ab)
	if g.ports[p].routed {
		return vmx.ErrPortInUse
	}
	g.ports[p] = output{routed: true, ch: ch}
	b.routes[ch] = res
	return nil
}

func (b *Board) UnrouteChannelFromResource(ch vmx.ChannelIndex, res vmx.ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.gen(res)
	if err != nil {
		return err
	}
	if cur, ok := b.routes[ch]; !ok || cur != res {
		return vmx.ErrChannelNotRouted
	}
	for i := range g.ports {
		if g.ports[i].routed && g.ports[i].ch == ch {
			g.ports[i] = output{}
		}
	}
	delete(b.routes, ch)
	return b.writeOutput("pcaio.unroute", ch, 0, 1)
}

func (b *Board) IsResourceActive(res vmx.ResourceHandle) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.gen(res)
	if err != nil {
		return false, err
	}
	return g.active, nil
}

func (b *Board) IsResourceAllocated(res vmx.ResourceHandle) (bool, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.gen(res)
	if err != nil {
		return false, false, err
	}
	return g.allocated, g.numRouted() > 1, nil
}

func (b *Board) NumChannelsRouted(res vmx.ResourceHandle) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.gen(res)
	if err != nil {
		return 0, err
	}
	return g.numRouted(), nil
}

func (b *Board) DeactivateResource(res vmx.ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.gen(res)
	if err != nil {
		return err
	}
	for i := range g.ports {
		if g.ports[i].routed {
			if err := b.writeOutput("pcaio.deactivate", g.ports[i].ch, 0, 1); err != nil {
				return err
			}
		}
	}
	g.active = false
	if g.numRouted() == 0 {
		g.allocated = false
	}
	return nil
}

func (b *Board) DeallocateResource(res vmx.ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.gen(res)
	if err != nil {
		return err
	}
	for i := range g.ports {
		if g.ports[i].routed {
			ch := g.ports[i].ch
			delete(b.routes, ch)
			if err := b.writeOutput("pcaio.deallocate", ch, 0, 1); err != nil {
				return err
			}
		}
	}
	*g = generator{}
	return nil
}

func (b *Board) PWMGeneratorSetDutyCycle(res vmx.ResourceHandle, p vmx.PortIndex, duty uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.gen(res)
	if err != nil {
		return err
	}
	if int(p) >= len(g.ports) {
		return vmx.ErrInvalidParameter
	}
	if !g.active {
		return vmx.ErrResourceNotActive
	}
	out := &g.ports[p]
	if !out.routed {
		return vmx.ErrChannelNotRouted
	}
	if duty > g.cfg.MaxDutyCycle {
		return vmx.ErrInvalidParameter
	}
	if err := b.writeOutput("pcaio.set_duty", out.ch, duty, g.cfg.MaxDutyCycle); err != nil {
		return err
	}
	out.duty = duty
	return nil
}

// PWMGeneratorDutyCycle returns the last written logical duty; the chip's
// registers are not read back.
func (b *Board) PWMGeneratorDutyCycle(res vmx.ResourceHandle, p vmx.PortIndex) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.gen(res)
	if err != nil {
		return 0, err
	}
	if int(p) >= len(g.ports) {
		return 0, vmx.ErrInvalidParameter
	}
	if !g.active {
		return 0, vmx.ErrResourceNotActive
	}
	if !g.ports[p].routed {
		return 0, vmx.ErrChannelNotRouted
	}
	return g.ports[p].duty, nil
}

// Package simio is an in-memory I/O board implementing vmx.IO. It backs the
// console's "sim" backend and the HAL tests.
package simio

import (
	"slices"
	"sync"

	"vmxhal-go/drivers/vmx"

	"github.com/edaniels/golog"
)

// Ensure the board satisfies the contract at compile time.
var _ vmx.IO = (*Board)(nil)

type port struct {
	routed bool
	ch     vmx.ChannelIndex
	duty   uint16
}

type generator struct {
	allocated bool
	active    bool
	cfg       vmx.PWMGeneratorConfig
	ports     [2]port
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

// Stats counts register traffic, including failed attempts.
type Stats struct {
	DutyWrites int
	DutyReads  int
}

// GeneratorState is a snapshot of one generator for inspection.
type GeneratorState struct {
	Allocated bool
	Active    bool
	Config    vmx.PWMGeneratorConfig
	Routed    [2]vmx.ChannelIndex // vmx.InvalidChannel when the port is free
	Duty      [2]uint16
}

// Board is a simulated I/O board. All methods are safe for concurrent use.
type Board struct {
	mu       sync.Mutex
	log      golog.Logger
	chans    map[vmx.ChannelIndex]ChannelSpec
	gens     []*generator
	routes   map[vmx.ChannelIndex]vmx.ResourceHandle
	commErrs int
	failNext map[string]error
	stats    Stats
}

// New builds a board from layout. A nil logger uses the global logger.
func New(layout Layout, logger golog.Logger) *Board {
	if logger == nil {
		logger = golog.Global()
	}
	b := &Board{
		log:      logger,
		chans:    make(map[vmx.ChannelIndex]ChannelSpec, len(layout.Channels)),
		routes:   make(map[vmx.ChannelIndex]vmx.ResourceHandle),
		failNext: make(map[string]error),
	}
	for _, c := range layout.Channels {
		b.chans[c.Index] = c
	}
	b.gens = make([]*generator, layout.Generators)
	for i := range b.gens {
		b.gens[i] = &generator{}
	}
	return b
}

// InjectCommErrors makes the next n duty-cycle register accesses fail with
// vmx.ErrIOBoardComm.
func (b *Board) InjectCommErrors(n int) {
	b.mu.Lock()
	b.commErrs = n
	b.mu.Unlock()
}

// FailNext makes the next call of op fail with err. Ops: "activate",
// "available", "route", "unroute", "deactivate", "deallocate", "set_duty",
// "get_duty", "capabilities".
func (b *Board) FailNext(op string, err error) {
	b.mu.Lock()
	b.failNext[op] = err
	b.mu.Unlock()
}

func (b *Board) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Generator returns a snapshot of generator i.
func (b *Board) Generator(i vmx.ResourceIndex) (GeneratorState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(i) >= len(b.gens) {
		return GeneratorState{}, false
	}
	g := b.gens[i]
	st := GeneratorState{Allocated: g.allocated, Active: g.active, Config: g.cfg}
	for p := range g.ports {
		st.Routed[p] = vmx.InvalidChannel
		if g.ports[p].routed {
			st.Routed[p] = g.ports[p].ch
			st.Duty[p] = g.ports[p].duty
		}
	}
	return st, true
}

// RouteOf reports the resource a channel is routed to.
func (b *Board) RouteOf(ch vmx.ChannelIndex) (vmx.ResourceHandle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.routes[ch]
	return h, ok
}

// caller holds lock
func (b *Board) fail(op string) error {
	if err, ok := b.failNext[op]; ok {
		delete(b.failNext, op)
		return err
	}
	return nil
}

// caller holds lock
func (b *Board) commFault() bool {
	if b.commErrs > 0 {
		b.commErrs--
		return true
	}
	return false
}

// caller holds lock
func (b *Board) gen(res vmx.ResourceHandle) (*generator, error) {
	if res.Type() != vmx.PWMGenerator || int(res.Index()) >= len(b.gens) {
		return nil, vmx.ErrInvalidResourceHandle
	}
	return b.gens[res.Index()], nil
}

// caller holds lock
func (b *Board) pwmAbility(ch vmx.ChannelIndex, want vmx.ChannelCapability) (ChannelSpec, vmx.ChannelCapability, error) {
	spec, ok := b.chans[ch]
	if !ok {
		return ChannelSpec{}, vmx.CapNone, vmx.ErrInvalidChannel
	}
	ability, ok := (spec.Caps & want).PWMAbility()
	if !ok {
		return ChannelSpec{}, vmx.CapNone, vmx.ErrIncompatibleResource
	}
	return spec, ability, nil
}

func (b *Board) ChannelCapabilities(ch vmx.ChannelIndex) (vmx.ChannelType, vmx.ChannelCapability, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("capabilities"); err != nil {
		return vmx.ChannelUnknown, vmx.CapNone, err
	}
	spec, ok := b.chans[ch]
	if !ok {
		return vmx.ChannelUnknown, vmx.CapNone, vmx.ErrInvalidChannel
	}
	return spec.Type, spec.Caps, nil
}

func (b *Board) ActivateSingleChannelResource(info vmx.ChannelInfo, cfg vmx.ResourceConfig) (vmx.ResourceHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("activate"); err != nil {
		return vmx.InvalidResource, err
	}
	pcfg, ok := cfg.(vmx.PWMGeneratorConfig)
	if !ok {
		return vmx.InvalidResource, vmx.ErrIncompatibleResource
	}
	if pcfg.MaxDutyCycle == 0 || pcfg.Frequency <= 0 {
		return vmx.InvalidResource, vmx.ErrInvalidParameter
	}
	spec, ability, err := b.pwmAbility(info.Index, info.Capabilities)
	if err != nil {
		return vmx.InvalidResource, err
	}
	if _, routed := b.routes[info.Index]; routed {
		return vmx.InvalidResource, vmx.ErrPortInUse
	}
	for _, gi := range spec.Generators {
		g := b.gens[gi]
		if g.allocated {
			continue
		}
		p := vmx.PortFor(ability)
		*g = generator{allocated: true, active: true, cfg: pcfg}
		g.ports[p] = port{routed: true, ch: info.Index}
		h := vmx.NewResourceHandle(vmx.PWMGenerator, gi)
		b.routes[info.Index] = h
		b.log.Debugw("[simio] resource activated", "resource", h.String(), "channel", info.Index, "port", p,
			"freq", pcfg.EffectiveFrequency().String())
		return h, nil
	}
	return vmx.InvalidResource, vmx.ErrNoUnallocatedCompatibleResources
}

func (b *Board) ResourceWithAvailablePort(rt vmx.ResourceType, ch vmx.ChannelIndex, ability vmx.ChannelCapability) (vmx.ResourceHandle, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("available"); err != nil {
		return vmx.InvalidResource, false, err
	}
	if rt != vmx.PWMGenerator {
		return vmx.InvalidResource, false, vmx.ErrIncompatibleResource
	}
	spec, ab, err := b.pwmAbility(ch, ability)
	if err != nil {
		return vmx.InvalidResource, false, err
	}
	p := vmx.PortFor(ab)
	for _, gi := range spec.Generators {
		g := b.gens[gi]
		if !g.ports[p].routed {
			return vmx.NewResourceHandle(vmx.PWMGenerator, gi), g.allocated, nil
		}
	}
	return vmx.InvalidResource, false, vmx.ErrPortInUse
}

func (b *Board) RouteChannelToResource(ch vmx.ChannelIndex, res vmx.ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("route"); err != nil {
		return err
	}
	g, err := b.gen(res)
	if err != nil {
		return err
	}
	spec, ability, err := b.pwmAbility(ch, vmx.PWMGeneratorOutput|vmx.PWMGeneratorOutput2)
	if err != nil {
		return err
	}
	if !slices.Contains(spec.Generators, res.Index()) {
		return vmx.ErrIncompatibleResource
	}
	if !g.allocated {
		return vmx.ErrResourceNotActive
	}
	if _, routed := b.routes[ch]; routed {
		return vmx.ErrPortInUse
	}
	p := vmx.PortFor(ability)
	if g.ports[p].routed {
		return vmx.ErrPortInUse
	}
	g.ports[p] = port{routed: true, ch: ch}
	b.routes[ch] = res
	b.log.Debugw("[simio] channel routed", "resource", res.String(), "channel", ch, "port", p)
	return nil
}

func (b *Board) UnrouteChannelFromResource(ch vmx.ChannelIndex, res vmx.ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("unroute"); err != nil {
		return err
	}
	g, err := b.gen(res)
	if err != nil {
		return err
	}
	if cur, ok := b.routes[ch]; !ok || cur != res {
		return vmx.ErrChannelNotRouted
	}
	for i := range g.ports {
		if g.ports[i].routed && g.ports[i].ch == ch {
			g.ports[i] = port{}
		}
	}
	delete(b.routes, ch)
	return nil
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

// DeactivateResource stops the generator. With no channels routed the
// generator also returns to the unallocated pool.
func (b *Board) DeactivateResource(res vmx.ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("deactivate"); err != nil {
		return err
	}
	g, err := b.gen(res)
	if err != nil {
		return err
	}
	g.active = false
	if g.numRouted() == 0 {
		g.allocated = false
		b.log.Debugw("[simio] resource released", "resource", res.String())
	}
	return nil
}

func (b *Board) DeallocateResource(res vmx.ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("deallocate"); err != nil {
		return err
	}
	g, err := b.gen(res)
	if err != nil {
		return err
	}
	for i := range g.ports {
		if g.ports[i].routed {
			delete(b.routes, g.ports[i].ch)
		}
	}
	*g = generator{}
	b.log.Debugw("[simio] resource deallocated", "resource", res.String())
	return nil
}

func (b *Board) PWMGeneratorSetDutyCycle(res vmx.ResourceHandle, p vmx.PortIndex, duty uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.DutyWrites++
	if b.commFault() {
		return vmx.ErrIOBoardComm
	}
	if err := b.fail("set_duty"); err != nil {
		return err
	}
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
	if !g.ports[p].routed {
		return vmx.ErrChannelNotRouted
	}
	if duty > g.cfg.MaxDutyCycle {
		return vmx.ErrInvalidParameter
	}
	g.ports[p].duty = duty
	return nil
}

func (b *Board) PWMGeneratorDutyCycle(res vmx.ResourceHandle, p vmx.PortIndex) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.DutyReads++
	if b.commFault() {
		return 0, vmx.ErrIOBoardComm
	}
	if err := b.fail("get_duty"); err != nil {
		return 0, err
	}
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

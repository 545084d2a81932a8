// Package pwm implements the HAL PWM channel API on top of a vmx.IO board.
//
// Each HAL channel is bound to one port of a PWM generator resource. A
// channel first asks for a generator of its own; when none is free it joins
// an already allocated generator whose matching port is still open.
package pwm

import (
	"math"
	"sync"

	"vmxhal-go/drivers/vmx"
	"vmxhal-go/errcode"
	"vmxhal-go/services/hal/internal/boardio"
	"vmxhal-go/services/hal/internal/channelmap"
	"vmxhal-go/services/hal/internal/handles"
	"vmxhal-go/types"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"
)

// Generator settings requested for every port.
const (
	GeneratorFrequency = 200 * physic.Hertz
	DutyCycleTicks     = 5000
)

type port struct {
	channel           int16
	entry             channelmap.Entry
	ability           vmx.ChannelCapability
	res               vmx.ResourceHandle
	bounds            types.PWMRawBounds
	configSet         bool
	eliminateDeadband bool
	filter            vmx.FrameOutputFilter
	lastDuty          uint16
}

func (p *port) index() vmx.PortIndex { return vmx.PortFor(p.ability) }

func (p *port) info() vmx.ChannelInfo {
	return vmx.ChannelInfo{Index: p.entry.VMX, Capabilities: p.ability}
}

func generatorConfig(f vmx.FrameOutputFilter) vmx.PWMGeneratorConfig {
	c := vmx.NewPWMGeneratorConfig(GeneratorFrequency)
	c.MaxDutyCycle = DutyCycleTicks
	c.Filter = f
	return c
}

// Manager owns the PWM handle table. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	io       vmx.IO
	chans    *channelmap.Map
	ports    *handles.Table[port]
	log      golog.Logger
	attempts int
}

type Option func(*Manager)

func WithChannelMap(cm *channelmap.Map) Option { return func(m *Manager) { m.chans = cm } }
func WithLogger(l golog.Logger) Option         { return func(m *Manager) { m.log = l } }

// WithWriteAttempts sets how often a duty-cycle write is tried on comm errors.
func WithWriteAttempts(n int) Option { return func(m *Manager) { m.attempts = n } }

func New(board vmx.IO, opts ...Option) *Manager {
	m := &Manager{
		io:       board,
		ports:    handles.NewTable[port](NumChannels),
		attempts: boardio.DefaultAttempts,
	}
	for _, o := range opts {
		o(m)
	}
	if m.chans == nil {
		m.chans = channelmap.Default()
	}
	if m.log == nil {
		m.log = golog.Global()
	}
	return m
}

// caller holds m.mu
func (m *Manager) get(op string, h handles.Handle) (*port, error) {
	p, ok := m.ports.Get(h, handles.PWM)
	if !ok {
		return nil, errcode.Wrap(op, errcode.HandleError)
	}
	return p, nil
}

// caller holds m.mu
func (m *Manager) configured(op string, h handles.Handle) (*port, error) {
	p, err := m.get(op, h)
	if err != nil {
		return nil, err
	}
	if !p.configSet {
		return nil, errcode.New(errcode.IncompatibleState, op, "bounds not configured")
	}
	return p, nil
}

// InitializePort allocates a PWM handle for the channel named by ph and binds
// it to a generator port. On failure the handle is released.
func (m *Manager) InitializePort(ph handles.PortHandle) (handles.Handle, error) {
	const op = "pwm.init"
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := handles.PortChannel(ph)
	if ch < 0 {
		return handles.InvalidHandle, errcode.Wrap(op, errcode.ParameterOutOfRange)
	}
	h, p, err := m.ports.Allocate(ch, handles.PWM)
	if err != nil {
		return handles.InvalidHandle, errcode.Wrap(op, err)
	}
	if err := m.bind(op, p, ch); err != nil {
		m.ports.Free(h, handles.PWM)
		m.log.Warnw("[pwm] init failed", "channel", ch, "error", err)
		return handles.InvalidHandle, err
	}
	m.log.Infow("[pwm] port ready", "channel", ch, "board_channel", p.entry.VMX,
		"resource", p.res.String(), "port", p.index())
	return h, nil
}

// caller holds m.mu
func (m *Manager) bind(op string, p *port, ch int16) error {
	p.channel = ch
	e, ok := m.chans.Lookup(handles.PWM.Label(), int(ch))
	if !ok {
		return errcode.New(errcode.ParameterOutOfRange, op, "channel not mapped")
	}
	info, err := channelmap.Info(m.io, e)
	if err != nil {
		return errcode.Wrap(op, err)
	}
	ability, ok := info.Capabilities.PWMAbility()
	if !ok {
		return errcode.New(errcode.Unsupported, op, "board channel has no generator output")
	}
	p.entry = e
	p.ability = ability
	p.filter = vmx.FilterX1
	p.bounds = RawBounds(DefaultBounds)
	p.configSet = true

	res, err := m.io.ActivateSingleChannelResource(p.info(), generatorConfig(p.filter))
	if err == nil {
		p.res = res
		return nil
	}
	if errcode.Of(err) != vmx.ErrNoUnallocatedCompatibleResources {
		return errcode.Wrap(op, err)
	}

	// Every compatible generator is taken; share one with a free port.
	res, _, err = m.io.ResourceWithAvailablePort(vmx.PWMGenerator, e.VMX, ability)
	if err != nil {
		return errcode.Wrap(op, err)
	}
	if err := m.io.RouteChannelToResource(e.VMX, res); err != nil {
		return errcode.Wrap(op, err)
	}
	p.res = res
	p.filter = m.filterOf(res)
	m.log.Debugw("[pwm] sharing generator", "channel", ch, "resource", res.String())
	return nil
}

// filterOf returns the frame filter another port applied to res.
func (m *Manager) filterOf(res vmx.ResourceHandle) vmx.FrameOutputFilter {
	f := vmx.FilterX1
	m.ports.Each(handles.PWM, func(_ handles.Handle, p *port) {
		if p.res == res {
			f = p.filter
		}
	})
	return f
}

// FreePort unroutes the channel, stops the generator when no channel is left
// on it, and releases the handle.
func (m *Manager) FreePort(h handles.Handle) error {
	const op = "pwm.free"
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(op, h)
	if err != nil {
		return err
	}
	m.release(p)
	m.ports.Free(h, handles.PWM)
	return nil
}

// release detaches p from its generator. Board errors are logged only; the
// handle is freed regardless.
func (m *Manager) release(p *port) {
	res := p.res
	p.res = vmx.InvalidResource
	if !res.Valid() {
		return
	}
	if err := m.io.UnrouteChannelFromResource(p.entry.VMX, res); err != nil {
		m.log.Warnw("[pwm] unroute failed", "channel", p.channel, "resource", res.String(), "error", err)
	}
	active, err := m.io.IsResourceActive(res)
	if err != nil || !active {
		return
	}
	allocated, _, err := m.io.IsResourceAllocated(res)
	if err != nil || !allocated {
		return
	}
	n, err := m.io.NumChannelsRouted(res)
	if err != nil || n != 0 {
		return
	}
	if err := m.io.DeactivateResource(res); err != nil {
		m.log.Warnw("[pwm] deactivate failed", "resource", res.String(), "error", err)
		return
	}
	m.log.Debugw("[pwm] generator released", "resource", res.String())
}

// SetConfig sets the pulse-width bounds in milliseconds and enables the
// speed and position calls.
func (m *Manager) SetConfig(h handles.Handle, b types.PWMBounds) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get("pwm.set_config", h)
	if err != nil {
		return err
	}
	p.bounds = RawBounds(b)
	p.configSet = true
	return nil
}

// SetConfigRaw sets the bounds in ticks. It does not change whether the port
// counts as configured.
func (m *Manager) SetConfigRaw(h handles.Handle, b types.PWMRawBounds) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get("pwm.set_config_raw", h)
	if err != nil {
		return err
	}
	p.bounds = b
	return nil
}

func (m *Manager) ConfigRaw(h handles.Handle) (types.PWMRawBounds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get("pwm.config_raw", h)
	if err != nil {
		return types.PWMRawBounds{}, err
	}
	return p.bounds, nil
}

func (m *Manager) SetEliminateDeadband(h handles.Handle, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get("pwm.set_eliminate_deadband", h)
	if err != nil {
		return err
	}
	p.eliminateDeadband = on
	return nil
}

func (m *Manager) EliminateDeadband(h handles.Handle) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get("pwm.eliminate_deadband", h)
	if err != nil {
		return false, err
	}
	return p.eliminateDeadband, nil
}

// caller holds m.mu
func (m *Manager) write(op string, p *port, duty int32) error {
	if duty < 0 || duty > math.MaxUint16 {
		return errcode.New(errcode.ParameterOutOfRange, op, "duty cycle out of range")
	}
	d := uint16(duty)
	landed, err := boardio.RetryWrite(m.attempts, m.log, func() error {
		return m.io.PWMGeneratorSetDutyCycle(p.res, p.index(), d)
	})
	if err != nil {
		return errcode.Wrap(op, err)
	}
	if landed {
		p.lastDuty = d
	}
	return nil
}

// caller holds m.mu
func (m *Manager) read(op string, p *port) (int32, error) {
	v, err := m.io.PWMGeneratorDutyCycle(p.res, p.index())
	v, err = boardio.VerifiedRead(v, err, &p.lastDuty)
	if err != nil {
		return int32(v), errcode.Wrap(op, err)
	}
	return int32(v), nil
}

// SetRaw writes the duty-cycle register directly.
func (m *Manager) SetRaw(h handles.Handle, value int32) error {
	const op = "pwm.set_raw"
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(op, h)
	if err != nil {
		return err
	}
	return m.write(op, p, value)
}

// SetSpeed writes a speed in [-1, 1]; values outside are clamped.
func (m *Manager) SetSpeed(h handles.Handle, speed float64) error {
	const op = "pwm.set_speed"
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.configured(op, h)
	if err != nil {
		return err
	}
	if math.IsNaN(speed) {
		return errcode.New(errcode.ParameterOutOfRange, op, "speed is NaN")
	}
	return m.write(op, p, speedToDuty(p.bounds, speed, p.eliminateDeadband))
}

// SetPosition writes a position in [0, 1]; values outside are clamped.
func (m *Manager) SetPosition(h handles.Handle, pos float64) error {
	const op = "pwm.set_position"
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.configured(op, h)
	if err != nil {
		return err
	}
	if math.IsNaN(pos) {
		return errcode.New(errcode.ParameterOutOfRange, op, "position is NaN")
	}
	return m.write(op, p, positionToDuty(p.bounds, pos))
}

// SetDisabled stops pulses on the port.
func (m *Manager) SetDisabled(h handles.Handle) error {
	const op = "pwm.disable"
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(op, h)
	if err != nil {
		return err
	}
	return m.write(op, p, 0)
}

// Raw reads the duty-cycle register. A board comm error yields the last known
// value.
func (m *Manager) Raw(h handles.Handle) (int32, error) {
	const op = "pwm.raw"
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(op, h)
	if err != nil {
		return 0, err
	}
	return m.read(op, p)
}

// Speed reads the port back as a speed in [-1, 1]. A disabled port reads 0.
func (m *Manager) Speed(h handles.Handle) (float64, error) {
	const op = "pwm.speed"
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.configured(op, h)
	if err != nil {
		return 0, err
	}
	raw, err := m.read(op, p)
	if err != nil {
		return 0, err
	}
	return dutyToSpeed(p.bounds, raw), nil
}

// Position reads the port back as a position in [0, 1]. A disabled port
// reads 0.5.
func (m *Manager) Position(h handles.Handle) (float64, error) {
	const op = "pwm.position"
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.configured(op, h)
	if err != nil {
		return 0, err
	}
	raw, err := m.read(op, p)
	if err != nil {
		return 0, err
	}
	return dutyToPosition(p.bounds, raw), nil
}

// Value reads the register once and derives speed and position from it.
func (m *Manager) Value(h handles.Handle) (types.PWMValue, error) {
	const op = "pwm.value"
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(op, h)
	if err != nil {
		return types.PWMValue{}, err
	}
	raw, err := m.read(op, p)
	if err != nil {
		return types.PWMValue{}, err
	}
	v := types.PWMValue{Raw: raw, ConfigSet: p.configSet, Disabled: raw == 0}
	if p.configSet {
		v.Speed = dutyToSpeed(p.bounds, raw)
		v.Position = dutyToPosition(p.bounds, raw)
	}
	return v, nil
}

// LatchZero only validates h; the board has nothing to latch.
func (m *Manager) LatchZero(h handles.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.get("pwm.latch_zero", h)
	return err
}

// SetPeriodScale squelches output frames: mask 0 is every frame, 1 every
// 2nd, 3 every 4th. The generator is rebuilt, which stops the output, so it
// is refused while another channel shares the generator.
func (m *Manager) SetPeriodScale(h handles.Handle, mask int32) error {
	const op = "pwm.set_period_scale"
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(op, h)
	if err != nil {
		return err
	}
	var f vmx.FrameOutputFilter
	switch mask {
	case 0:
		f = vmx.FilterX1
	case 1:
		f = vmx.FilterX2
	case 3:
		f = vmx.FilterX4
	default:
		return errcode.New(errcode.ParameterOutOfRange, op, "squelch mask must be 0, 1 or 3")
	}
	if f == p.filter && p.res.Valid() {
		return nil
	}

	if p.res.Valid() {
		n, err := m.io.NumChannelsRouted(p.res)
		if err != nil {
			return errcode.Wrap(op, err)
		}
		if n > 1 {
			return errcode.New(errcode.Conflict, op, "generator shared with another channel")
		}
		active, err := m.io.IsResourceActive(p.res)
		if err != nil {
			return errcode.Wrap(op, err)
		}
		if active {
			if err := m.io.DeallocateResource(p.res); err != nil {
				return errcode.Wrap(op, err)
			}
		}
	}
	p.res = vmx.InvalidResource
	p.lastDuty = 0

	res, err := m.io.ActivateSingleChannelResource(p.info(), generatorConfig(f))
	if err != nil {
		// Refused: rebind at the old rate so the port stays usable.
		prev, rerr := m.io.ActivateSingleChannelResource(p.info(), generatorConfig(p.filter))
		if rerr != nil {
			m.log.Errorw("[pwm] generator lost while rescaling", "channel", p.channel, "error", err, "restore_error", rerr)
			return errcode.Wrap(op, err)
		}
		p.res = prev
		m.log.Warnw("[pwm] period scale refused", "channel", p.channel, "filter", f.String(), "error", err)
		return errcode.Wrap(op, err)
	}
	p.res = res
	p.filter = f
	m.log.Infow("[pwm] period scaled", "channel", p.channel, "filter", f.String(), "resource", res.String())
	return nil
}

// Handles lists live PWM handles in channel order.
func (m *Manager) Handles() []handles.Handle {
	var hs []handles.Handle
	m.ports.Each(handles.PWM, func(h handles.Handle, _ *port) { hs = append(hs, h) })
	return hs
}

// Info describes the port bound to h.
func (m *Manager) Info(h handles.Handle) (types.PWMInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get("pwm.info", h)
	if err != nil {
		return types.PWMInfo{}, err
	}
	cfg := generatorConfig(p.filter)
	return types.PWMInfo{
		Channel:      int(p.channel),
		BoardChannel: uint8(p.entry.VMX),
		Header:       p.entry.Name,
		Port:         uint8(p.index()),
		Resource:     p.res.String(),
		FreqHz:       uint64(cfg.EffectiveFrequency() / physic.Hertz),
		Filter:       p.filter.String(),
		MaxDuty:      cfg.MaxDutyCycle,
		Bounds:       p.bounds,
	}, nil
}

// DisableAll writes duty 0 to every live port.
func (m *Manager) DisableAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs error
	m.ports.Each(handles.PWM, func(_ handles.Handle, p *port) {
		errs = multierr.Append(errs, m.write("pwm.disable", p, 0))
	})
	return errs
}

// Close frees every live port.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ports.Each(handles.PWM, func(h handles.Handle, p *port) {
		m.release(p)
		m.ports.Free(h, handles.PWM)
	})
	return nil
}

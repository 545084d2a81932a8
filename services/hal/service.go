// Package hal exposes PWM ports on the bus. Ports come from the retained
// config/hal message; each becomes a capability under hal/cap/io/pwm/<name>
// with retained info, status and value topics and a control sub-tree.
package hal

import (
	"context"
	"time"

	"vmxhal-go/bus"
	"vmxhal-go/drivers/vmx"
	"vmxhal-go/errcode"
	"vmxhal-go/services/hal/internal/handles"
	"vmxhal-go/services/hal/pwm"
	"vmxhal-go/types"
	"vmxhal-go/x/timex"

	"github.com/edaniels/golog"
)

const eventQueueLen = 16

type portState struct {
	name string
	cfg  types.PWMPortConfig
	h    handles.Handle

	rampID     uint64
	rampCancel context.CancelFunc
	rampDone   chan struct{}
}

// rampEvent reports a finished or failed ramp back to the service loop.
type rampEvent struct {
	name string
	id   uint64
	err  error
}

type Service struct {
	conn *bus.Connection
	pwm  *pwm.Manager
	log  golog.Logger

	ports   map[string]*portState
	ready   bool
	tripped bool
	safety  time.Duration
	wd      *time.Timer

	// Ramp goroutines report here; all publication happens on the loop.
	evCh chan rampEvent
}

type Option func(*Service)

func WithLogger(l golog.Logger) Option { return func(s *Service) { s.log = l } }

// WithManager supplies a preconfigured PWM manager instead of building one
// over the board passed to New.
func WithManager(m *pwm.Manager) Option { return func(s *Service) { s.pwm = m } }

func New(conn *bus.Connection, board vmx.IO, opts ...Option) *Service {
	s := &Service{
		conn:  conn,
		ports: map[string]*portState{},
		evCh:  make(chan rampEvent, eventQueueLen),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = golog.Global()
	}
	if s.pwm == nil {
		s.pwm = pwm.New(board, pwm.WithLogger(s.log))
	}
	return s
}

// Manager returns the underlying PWM manager.
func (s *Service) Manager() *pwm.Manager { return s.pwm }

// Run serves until ctx ends, then disables and frees every port.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfigHAL())
	ctrlSub := s.conn.Subscribe(ctrlWildcard())
	feedSub := s.conn.Subscribe(FeedTopic())
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)
	defer s.conn.Unsubscribe(feedSub)

	s.wd = time.NewTimer(time.Hour)
	timex.StopTimer(s.wd)
	defer s.shutdown()

	s.pubState("idle", "")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			cfg, code := as[types.HALConfig](msg.Payload)
			if code != "" {
				s.log.Warnw("[hal] ignoring config", "error", code)
				continue
			}
			s.applyConfig(ctx, cfg)
			if !s.ready {
				s.ready = true
				s.pubState("ready", "")
			}
		case msg, ok := <-ctrlSub.Channel():
			if !ok {
				return
			}
			if !s.ready {
				// Reject controls until HAL has a configuration.
				s.replyErr(msg, errcode.HALNotReady)
				continue
			}
			s.handleControl(ctx, msg)
		case _, ok := <-feedSub.Channel():
			if !ok {
				return
			}
			s.feed()
		case <-s.wd.C:
			s.trip()
		case ev := <-s.evCh:
			s.handleRampEvent(ev)
		}
	}
}

func (s *Service) applyConfig(ctx context.Context, cfg types.HALConfig) {
	for i := range cfg.Ports {
		pc := cfg.Ports[i]
		if pc.Name == "" {
			s.log.Warnw("[hal] port without a name", "channel", pc.Channel)
			continue
		}
		if _, exists := s.ports[pc.Name]; exists {
			// Additive: existing ports keep their state.
			continue
		}
		if !pwm.CheckChannel(int32(pc.Channel)) {
			s.log.Warnw("[hal] channel out of range", "port", pc.Name, "channel", pc.Channel)
			s.pubStatus(pc.Name, types.LinkDegraded, errcode.ParameterOutOfRange)
			continue
		}
		h, err := s.pwm.InitializePort(handles.NewPortHandle(uint8(pc.Channel), 0))
		if err != nil {
			s.log.Errorw("[hal] port init failed", "port", pc.Name, "channel", pc.Channel, "error", err)
			s.pubStatus(pc.Name, types.LinkDegraded, errcode.Of(err))
			continue
		}
		p := &portState{name: pc.Name, cfg: pc, h: h}
		s.ports[pc.Name] = p

		if err := s.applyPortConfig(p); err != nil {
			s.log.Warnw("[hal] port config incomplete", "port", pc.Name, "error", err)
			s.pubInfo(p)
			s.pubStatus(p.name, types.LinkDegraded, errcode.Of(err))
			continue
		}
		s.pubInfo(p)
		s.pubValue(p)
	}

	s.safety = timex.Ms(cfg.SafetyTimeoutMs, 0)
	s.armWatchdog()
}

func (s *Service) applyPortConfig(p *portState) error {
	pc := p.cfg
	if pc.Bounds != nil {
		if err := s.pwm.SetConfig(p.h, *pc.Bounds); err != nil {
			return err
		}
	}
	if pc.RawBounds != nil {
		if err := s.pwm.SetConfigRaw(p.h, *pc.RawBounds); err != nil {
			return err
		}
	}
	if err := s.pwm.SetEliminateDeadband(p.h, pc.EliminateDeadband); err != nil {
		return err
	}
	if pc.PeriodScale != 0 {
		if err := s.pwm.SetPeriodScale(p.h, pc.PeriodScale); err != nil {
			return err
		}
	}
	if pc.InitialSpeed != nil {
		return s.pwm.SetSpeed(p.h, *pc.InitialSpeed)
	}
	return s.pwm.SetDisabled(p.h)
}

func (s *Service) shutdown() {
	for _, p := range s.ports {
		s.stopRamp(p)
	}
	if err := s.pwm.DisableAll(); err != nil {
		s.log.Warnw("[hal] disable on shutdown", "error", err)
	}
	_ = s.pwm.Close()
	for name := range s.ports {
		s.pubStatus(name, types.LinkDown, "")
	}
	s.pubState("stopped", "context_cancelled")
}

// ---- publication ----

func (s *Service) pubState(level, status string) {
	s.conn.Publish(s.conn.NewMessage(
		StateTopic(),
		types.HALState{Level: level, Status: status, TS: timex.NowNs()},
		true,
	))
}

func (s *Service) pubStatus(name string, link types.Link, code errcode.Code) {
	st := types.CapabilityStatus{Link: link, TS: timex.NowNs()}
	if code != "" {
		st.Error = string(code)
	}
	s.conn.Publish(s.conn.NewMessage(StatusTopic(name), st, true))
}

func (s *Service) pubInfo(p *portState) {
	info, err := s.pwm.Info(p.h)
	if err != nil {
		return
	}
	s.conn.Publish(s.conn.NewMessage(
		InfoTopic(p.name),
		types.Info{SchemaVersion: 1, Driver: "vmx_pwm", Detail: info},
		true,
	))
}

// pubValue reads the port back and publishes value and status. It returns
// the value for replies.
func (s *Service) pubValue(p *portState) (types.PWMValue, error) {
	v, err := s.pwm.Value(p.h)
	if err != nil {
		s.pubStatus(p.name, types.LinkDegraded, errcode.Of(err))
		return v, err
	}
	s.conn.Publish(s.conn.NewMessage(ValueTopic(p.name), v, true))
	s.pubStatus(p.name, types.LinkUp, "")
	return v, nil
}

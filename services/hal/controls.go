package hal

import (
	"context"
	"time"

	"vmxhal-go/bus"
	"vmxhal-go/errcode"
	"vmxhal-go/services/hal/pwm"
	"vmxhal-go/types"
	"vmxhal-go/x/ramp"
)

// drives reports whether verb changes the output level.
func drives(verb string) bool {
	switch verb {
	case VerbSetRaw, VerbSetSpeed, VerbSetPosition, VerbRamp:
		return true
	}
	return false
}

func (s *Service) handleControl(ctx context.Context, msg *bus.Message) {
	// hal/cap/io/pwm/<name>/control/<verb>
	if msg.Topic.Len() < 7 {
		s.replyErr(msg, errcode.InvalidTopic)
		return
	}
	name, _ := msg.Topic.At(4).(string)
	verb, _ := msg.Topic.At(6).(string)

	p, ok := s.ports[name]
	if !ok {
		s.replyErr(msg, errcode.UnknownCapability)
		return
	}
	if s.tripped && drives(verb) {
		s.replyErr(msg, errcode.IncompatibleState)
		return
	}

	switch verb {
	case VerbSetRaw:
		v, code := as[types.PWMSetRaw](msg.Payload)
		if code != "" {
			s.replyErr(msg, code)
			return
		}
		s.stopRamp(p)
		s.afterWrite(msg, p, s.pwm.SetRaw(p.h, v.Value))

	case VerbSetSpeed:
		v, code := as[types.PWMSetSpeed](msg.Payload)
		if code != "" {
			s.replyErr(msg, code)
			return
		}
		s.stopRamp(p)
		s.afterWrite(msg, p, s.pwm.SetSpeed(p.h, v.Speed))

	case VerbSetPosition:
		v, code := as[types.PWMSetPosition](msg.Payload)
		if code != "" {
			s.replyErr(msg, code)
			return
		}
		s.stopRamp(p)
		s.afterWrite(msg, p, s.pwm.SetPosition(p.h, v.Position))

	case VerbDisable:
		s.stopRamp(p)
		s.afterWrite(msg, p, s.pwm.SetDisabled(p.h))

	case VerbGet:
		v, err := s.pubValue(p)
		if err != nil {
			s.replyFromError(msg, err)
			return
		}
		if msg.CanReply() {
			s.conn.Reply(msg, v, false)
		}

	case VerbSetConfig:
		v, code := as[types.PWMBounds](msg.Payload)
		if code != "" {
			s.replyErr(msg, code)
			return
		}
		s.afterConfig(msg, p, s.pwm.SetConfig(p.h, v))

	case VerbSetConfigRaw:
		v, code := as[types.PWMRawBounds](msg.Payload)
		if code != "" {
			s.replyErr(msg, code)
			return
		}
		s.afterConfig(msg, p, s.pwm.SetConfigRaw(p.h, v))

	case VerbSetEliminateDeadband:
		v, code := as[types.PWMSetEliminateDeadband](msg.Payload)
		if code != "" {
			s.replyErr(msg, code)
			return
		}
		s.replyFromError(msg, s.pwm.SetEliminateDeadband(p.h, v.Enabled))

	case VerbSetPeriodScale:
		v, code := as[types.PWMSetPeriodScale](msg.Payload)
		if code != "" {
			s.replyErr(msg, code)
			return
		}
		s.stopRamp(p)
		err := s.pwm.SetPeriodScale(p.h, v.Mask)
		s.pubInfo(p)
		s.afterWrite(msg, p, err)

	case VerbLatchZero:
		s.replyFromError(msg, s.pwm.LatchZero(p.h))

	case VerbRamp:
		v, code := as[types.PWMRamp](msg.Payload)
		if code != "" {
			s.replyErr(msg, code)
			return
		}
		s.replyFromError(msg, s.startRamp(ctx, p, v))

	case VerbStopRamp:
		s.stopRamp(p)
		s.pubValue(p)
		s.replyOK(msg)

	case VerbFree:
		s.stopRamp(p)
		if err := s.pwm.FreePort(p.h); err != nil {
			s.replyFromError(msg, err)
			return
		}
		delete(s.ports, p.name)
		s.conn.Publish(s.conn.NewMessage(ValueTopic(p.name), nil, true))
		s.conn.Publish(s.conn.NewMessage(InfoTopic(p.name), nil, true))
		s.pubStatus(p.name, types.LinkDown, "")
		s.replyOK(msg)

	default:
		s.replyErr(msg, errcode.Unsupported)
	}
}

// afterWrite replies to an output change and republishes the value.
func (s *Service) afterWrite(msg *bus.Message, p *portState, err error) {
	if err != nil {
		s.replyFromError(msg, err)
		return
	}
	s.pubValue(p)
	s.replyOK(msg)
}

// afterConfig replies to a bounds change and republishes info and value.
func (s *Service) afterConfig(msg *bus.Message, p *portState, err error) {
	if err != nil {
		s.replyFromError(msg, err)
		return
	}
	s.pubInfo(p)
	s.pubValue(p)
	s.replyOK(msg)
}

// ---- ramps ----

func (s *Service) startRamp(ctx context.Context, p *portState, r types.PWMRamp) error {
	if r.Mode != types.PWMRampLinear {
		return errcode.Unsupported
	}
	s.stopRamp(p)
	cur, err := s.pwm.Raw(p.h)
	if err != nil {
		return err
	}

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.rampID++
	p.rampCancel = cancel
	p.rampDone = done

	lin := ramp.Linear{
		From:     uint16(cur),
		To:       r.To,
		Top:      pwm.DutyCycleTicks,
		Duration: time.Duration(r.DurationMs) * time.Millisecond,
		Steps:    r.Steps,
	}
	h, name, id := p.h, p.name, p.rampID
	go func() {
		defer close(done)
		err := lin.Run(ramp.SleepTick(rctx), func(level uint16) error {
			if rctx.Err() != nil {
				return nil
			}
			return s.pwm.SetRaw(h, int32(level))
		})
		if rctx.Err() != nil {
			return
		}
		s.emit(rampEvent{name: name, id: id, err: err})
	}()
	return nil
}

// stopRamp cancels the port's ramp and waits for its goroutine, so no ramp
// write can land after a later command.
func (s *Service) stopRamp(p *portState) {
	if p.rampCancel == nil {
		return
	}
	p.rampCancel()
	<-p.rampDone
	p.rampCancel = nil
	p.rampDone = nil
}

func (s *Service) emit(ev rampEvent) {
	select {
	case s.evCh <- ev:
	default:
		s.log.Warnw("[hal] ramp event dropped", "port", ev.name)
	}
}

func (s *Service) handleRampEvent(ev rampEvent) {
	p, ok := s.ports[ev.name]
	if !ok || p.rampID != ev.id {
		return
	}
	if p.rampCancel != nil {
		p.rampCancel()
		p.rampCancel = nil
		p.rampDone = nil
	}
	if ev.err != nil {
		s.log.Warnw("[hal] ramp aborted", "port", ev.name, "error", ev.err)
		s.pubStatus(ev.name, types.LinkDegraded, errcode.Of(ev.err))
		return
	}
	s.pubValue(p)
}

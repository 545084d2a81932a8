package hal

import "vmxhal-go/x/timex"

// The safety watchdog disables every output when no feed arrives within the
// configured timeout. Outputs stay disabled, and driving controls are
// refused, until the next feed.

func (s *Service) armWatchdog() {
	timex.StopTimer(s.wd)
	if s.safety > 0 {
		s.wd.Reset(s.safety)
	} else if s.tripped {
		s.tripped = false
		s.pubState("ready", "watchdog_disarmed")
	}
}

func (s *Service) feed() {
	if s.safety == 0 {
		return
	}
	s.armWatchdog()
	if s.tripped {
		s.tripped = false
		s.log.Infow("[hal] feed restored, outputs enabled")
		s.pubState("ready", "fed")
	}
}

func (s *Service) trip() {
	if s.tripped || s.safety == 0 {
		return
	}
	s.tripped = true
	for _, p := range s.ports {
		s.stopRamp(p)
	}
	if err := s.pwm.DisableAll(); err != nil {
		s.log.Errorw("[hal] disable on safety timeout", "error", err)
	}
	for _, p := range s.ports {
		s.pubValue(p)
	}
	s.log.Warnw("[hal] safety timeout, outputs disabled", "timeout", s.safety)
	s.pubState("disabled", "safety_timeout")
}

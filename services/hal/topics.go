package hal

import (
	"vmxhal-go/bus"
	"vmxhal-go/types"
)

// Control verbs under hal/cap/io/pwm/<name>/control/<verb>.
const (
	VerbSetRaw               = "set_raw"
	VerbSetSpeed             = "set_speed"
	VerbSetPosition          = "set_position"
	VerbDisable              = "disable"
	VerbGet                  = "get"
	VerbSetConfig            = "set_config"
	VerbSetConfigRaw         = "set_config_raw"
	VerbSetEliminateDeadband = "set_eliminate_deadband"
	VerbSetPeriodScale       = "set_period_scale"
	VerbLatchZero            = "latch_zero"
	VerbRamp                 = "ramp"
	VerbStopRamp             = "stop_ramp"
	VerbFree                 = "free"
)

const domainIO = "io"

func T(tokens ...bus.Token) bus.Topic { return bus.T(tokens...) }

func topicConfigHAL() bus.Topic { return T("config", "hal") }

// FeedTopic carries types.Feed messages that hold off the safety watchdog.
func FeedTopic() bus.Topic { return T("hal", "feed") }

// StateTopic carries the retained types.HALState.
func StateTopic() bus.Topic { return T("hal", "state") }

// hal/cap/io/pwm/<name>/...
func capBase(name string) bus.Topic { return T("hal", "cap", domainIO, string(types.KindPWM), name) }

func InfoTopic(name string) bus.Topic   { return capBase(name).Append("info") }
func StatusTopic(name string) bus.Topic { return capBase(name).Append("status") }
func ValueTopic(name string) bus.Topic  { return capBase(name).Append("value") }

// ControlTopic is hal/cap/io/pwm/<name>/control/<verb>.
func ControlTopic(name, verb string) bus.Topic {
	return capBase(name).Append("control", verb)
}

// hal/cap/io/pwm/+/control/+
func ctrlWildcard() bus.Topic {
	return T("hal", "cap", domainIO, string(types.KindPWM), "+", "control", "+")
}

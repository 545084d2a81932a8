package types

// PWMBounds are pulse widths in milliseconds.
type PWMBounds struct {
	Max         float64 `json:"max" yaml:"max"`
	DeadbandMax float64 `json:"deadband_max" yaml:"deadband_max"`
	Center      float64 `json:"center" yaml:"center"`
	DeadbandMin float64 `json:"deadband_min" yaml:"deadband_min"`
	Min         float64 `json:"min" yaml:"min"`
}

// PWMRawBounds are pulse widths in duty-cycle ticks.
type PWMRawBounds struct {
	Max         int32 `json:"max" yaml:"max"`
	DeadbandMax int32 `json:"deadband_max" yaml:"deadband_max"`
	Center      int32 `json:"center" yaml:"center"`
	DeadbandMin int32 `json:"deadband_min" yaml:"deadband_min"`
	Min         int32 `json:"min" yaml:"min"`
}

type PWMInfo struct {
	Channel      int          `json:"channel"`       // HAL channel
	BoardChannel uint8        `json:"board_channel"` // I/O board channel
	Header       string       `json:"header,omitempty"`
	Port         uint8        `json:"port"`
	Resource     string       `json:"resource"`
	FreqHz       uint64       `json:"freq_hz"` // after the frame filter
	Filter       string       `json:"filter"`
	MaxDuty      uint16       `json:"max_duty"`
	Bounds       PWMRawBounds `json:"bounds"`
}

// PWMValue is the retained value of a port. Speed and Position are only
// meaningful when ConfigSet is true.
type PWMValue struct {
	Raw       int32   `json:"raw"`
	Speed     float64 `json:"speed"`
	Position  float64 `json:"position"`
	ConfigSet bool    `json:"config_set"`
	Disabled  bool    `json:"disabled,omitempty"`
}

// ------------------------
// PWM controls
// ------------------------

type PWMSetRaw struct {
	Value int32 `json:"value"`
}

type PWMSetSpeed struct {
	Speed float64 `json:"speed"` // -1..1
}

type PWMSetPosition struct {
	Position float64 `json:"position"` // 0..1
}

type PWMSetEliminateDeadband struct {
	Enabled bool `json:"enabled"`
}

type PWMSetPeriodScale struct {
	Mask int32 `json:"mask"` // 0 (x1), 1 (x2) or 3 (x4)
}

// PWMRampMode mirrors the HAL ramp modes.
type PWMRampMode uint8

const (
	PWMRampLinear PWMRampMode = iota // evenly spaced absolute steps
)

type PWMRamp struct {
	To         uint16      `json:"to"`          // raw ticks
	DurationMs uint32      `json:"duration_ms"` // total duration
	Steps      uint16      `json:"steps"`       // >0
	Mode       PWMRampMode `json:"mode"`        // 0=linear
}

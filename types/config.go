package types

// HAL configuration supplied on topic "config/hal".

type HALConfig struct {
	Ports []PWMPortConfig `json:"ports" yaml:"ports"`
	// SafetyTimeoutMs disables every port when no feed arrives in time. 0 disarms.
	SafetyTimeoutMs uint32 `json:"safety_timeout_ms,omitempty" yaml:"safety_timeout_ms,omitempty"`
}

type PWMPortConfig struct {
	Name              string        `json:"name" yaml:"name"`
	Channel           int           `json:"channel" yaml:"channel"`
	Bounds            *PWMBounds    `json:"bounds,omitempty" yaml:"bounds,omitempty"`
	RawBounds         *PWMRawBounds `json:"raw_bounds,omitempty" yaml:"raw_bounds,omitempty"`
	EliminateDeadband bool          `json:"eliminate_deadband,omitempty" yaml:"eliminate_deadband,omitempty"`
	PeriodScale       int32         `json:"period_scale,omitempty" yaml:"period_scale,omitempty"`
	InitialSpeed      *float64      `json:"initial_speed,omitempty" yaml:"initial_speed,omitempty"`
}

// HeartbeatConfig is supplied on topic "config/heartbeat".
type HeartbeatConfig struct {
	IntervalMs uint32 `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"` // nil means enabled
}

// BoardConfig is one embedded or on-disk board description.
type BoardConfig struct {
	Board     string          `json:"board" yaml:"board"`
	HAL       HALConfig       `json:"hal" yaml:"hal"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
}

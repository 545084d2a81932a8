package config

import (
	"bytes"
	"context"
	_ "embed"
	"os"

	"vmxhal-go/bus"
	"vmxhal-go/types"

	"github.com/edaniels/golog"
	"github.com/go-errors/errors"
	"gopkg.in/yaml.v3"
)

const (
	serviceName  = "config"
	configPrefix = "config"
	CtxBoardKey  = "board" // context key used for the board id
)

//go:embed boards/vmx-pi.yaml
var cfgVMXPi []byte

var embeddedConfigs = map[string][]byte{
	"vmx-pi": cfgVMXPi,
}

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(board string) ([]byte, bool) {
	b, ok := embeddedConfigs[board]
	return b, ok
}

// Parse decodes a YAML board description. Unknown keys are rejected.
func Parse(raw []byte) (types.BoardConfig, error) {
	var cfg types.BoardConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return types.BoardConfig{}, errors.WrapPrefix(err, "config: decode board", 0)
	}
	seen := make(map[string]bool, len(cfg.HAL.Ports))
	for _, p := range cfg.HAL.Ports {
		if p.Name == "" {
			return types.BoardConfig{}, errors.Errorf("config: port on channel %d has no name", p.Channel)
		}
		if seen[p.Name] {
			return types.BoardConfig{}, errors.Errorf("config: duplicate port name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return cfg, nil
}

// LoadFile reads a board description from disk.
func LoadFile(path string) (types.BoardConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.BoardConfig{}, errors.WrapPrefix(err, "config: read "+path, 0)
	}
	return Parse(raw)
}

// Embedded returns the built-in description for board.
func Embedded(board string) (types.BoardConfig, error) {
	raw, ok := EmbeddedConfigLookup(board)
	if !ok || len(raw) == 0 {
		return types.BoardConfig{}, errors.Errorf("config: no embedded config for board %q", board)
	}
	return Parse(raw)
}

// Publish sends each section of cfg as a retained message under config/.
func Publish(conn *bus.Connection, cfg types.BoardConfig) {
	conn.Publish(conn.NewMessage(bus.T(configPrefix, "hal"), cfg.HAL, true))
	conn.Publish(conn.NewMessage(bus.T(configPrefix, "heartbeat"), cfg.Heartbeat, true))
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type ConfigService struct {
	Name string
	log  golog.Logger
}

func NewConfigService(logger golog.Logger) *ConfigService {
	if logger == nil {
		logger = golog.Global()
	}
	return &ConfigService{Name: serviceName, log: logger}
}

// publishConfig resolves the embedded config for the board named in ctx and
// publishes it as retained messages.
func (s *ConfigService) publishConfig(ctx context.Context, conn *bus.Connection) error {
	board, _ := ctx.Value(CtxBoardKey).(string)
	if board == "" {
		return errors.New("config: missing board id in context")
	}
	cfg, err := Embedded(board)
	if err != nil {
		return err
	}
	Publish(conn, cfg)
	s.log.Infow("[config] published", "board", board, "ports", len(cfg.HAL.Ports))
	return nil
}

// Start launches the config publisher in a goroutine.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		if err := s.publishConfig(ctx, conn); err != nil {
			s.log.Errorw("[config] publish failed", "error", err)
		}
	}()
}

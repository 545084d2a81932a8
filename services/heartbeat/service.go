// Package heartbeat feeds the HAL safety watchdog on hal/feed.
package heartbeat

import (
	"context"
	"time"

	"vmxhal-go/bus"
	"vmxhal-go/services/hal"
	"vmxhal-go/types"
	"vmxhal-go/x/timex"

	"github.com/edaniels/golog"
)

const DefaultInterval = 100 * time.Millisecond

var topicConfigHeartbeat = bus.T("config", "heartbeat")

type Service struct {
	log golog.Logger
}

func New(logger golog.Logger) *Service {
	if logger == nil {
		logger = golog.Global()
	}
	return &Service{log: logger}
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)

	interval := DefaultInterval
	enabled := true
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Infow("[heartbeat] stopping")
			return
		case <-tick.C:
			if enabled {
				conn.Publish(conn.NewMessage(hal.FeedTopic(), types.Feed{TS: timex.NowNs()}, false))
			}
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			cfg, ok := msg.Payload.(types.HeartbeatConfig)
			if !ok {
				s.log.Warnw("[heartbeat] ignoring config", "payload", msg.Payload)
				continue
			}
			enabled = cfg.Enabled == nil || *cfg.Enabled
			if iv := timex.Ms(cfg.IntervalMs, DefaultInterval); iv != interval {
				interval = iv
				tick.Reset(interval)
			}
			s.log.Infow("[heartbeat] configured", "interval", interval, "enabled", enabled)
		}
	}
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) {
	go s.serviceLoop(ctx, conn)
}

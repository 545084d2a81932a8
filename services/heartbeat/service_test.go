package heartbeat

import (
	"context"
	"testing"
	"time"

	"vmxhal-go/bus"
	"vmxhal-go/services/hal"
	"vmxhal-go/types"

	"github.com/edaniels/golog"
)

func countFeeds(sub *bus.Subscription, window time.Duration) int {
	n := 0
	deadline := time.After(window)
	for {
		select {
		case m := <-sub.Channel():
			if _, ok := m.Payload.(types.Feed); ok {
				n++
			}
		case <-deadline:
			return n
		}
	}
}

func TestHeartbeatFeedsAndPauses(t *testing.T) {
	b := bus.NewBus(64)
	conn := b.NewConnection("heartbeat")
	watch := b.NewConnection("watch")
	feeds := watch.Subscribe(hal.FeedTopic())

	watch.Publish(watch.NewMessage(topicConfigHeartbeat, types.HeartbeatConfig{IntervalMs: 10}, true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	svc := New(golog.NewTestLogger(t))
	go func() {
		defer close(done)
		svc.serviceLoop(ctx, conn)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if n := countFeeds(feeds, 200*time.Millisecond); n < 5 {
		t.Fatalf("expected steady feeds at 10ms, got %d in 200ms", n)
	}

	off := false
	watch.Publish(watch.NewMessage(topicConfigHeartbeat, types.HeartbeatConfig{IntervalMs: 10, Enabled: &off}, true))
	time.Sleep(50 * time.Millisecond)
	countFeeds(feeds, 10*time.Millisecond) // drain
	if n := countFeeds(feeds, 100*time.Millisecond); n != 0 {
		t.Fatalf("disabled heartbeat still fed %d times", n)
	}
}

func TestHeartbeatIgnoresForeignConfig(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("heartbeat")
	conn.Publish(conn.NewMessage(topicConfigHeartbeat, map[string]any{"interval": 2}, true))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	New(golog.NewTestLogger(t)).serviceLoop(ctx, conn)
}

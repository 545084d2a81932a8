package hal

import (
	"context"
	"math"
	"testing"
	"time"

	"vmxhal-go/bus"
	"vmxhal-go/drivers/vmx/simio"
	"vmxhal-go/errcode"
	"vmxhal-go/types"

	"github.com/edaniels/golog"
)

type harness struct {
	t     *testing.T
	bus   *bus.Bus
	conn  *bus.Connection
	board *simio.Board
	svc   *Service
}

func start(t *testing.T, cfg *types.HALConfig) *harness {
	t.Helper()
	logger := golog.NewTestLogger(t)
	b := bus.NewBus(32)
	board := simio.New(simio.DefaultLayout(), logger)
	svc := New(b.NewConnection("hal"), board, WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := &harness{t: t, bus: b, conn: b.NewConnection("test"), board: board, svc: svc}
	h.waitState("idle")
	if cfg != nil {
		h.conn.Publish(h.conn.NewMessage(topicConfigHAL(), *cfg, true))
		h.waitState("ready")
	}
	return h
}

func (h *harness) waitState(level string) types.HALState {
	h.t.Helper()
	sub := h.conn.Subscribe(StateTopic())
	defer h.conn.Unsubscribe(sub)
	deadline := time.After(time.Second)
	for {
		select {
		case m := <-sub.Channel():
			if st, ok := m.Payload.(types.HALState); ok && st.Level == level {
				return st
			}
		case <-deadline:
			h.t.Fatalf("timeout waiting for hal state %q", level)
		}
	}
}

func (h *harness) request(name, verb string, payload any) any {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := h.conn.RequestWait(ctx, h.conn.NewMessage(ControlTopic(name, verb), payload, false))
	if err != nil {
		h.t.Fatalf("%s/%s: %v", name, verb, err)
	}
	return reply.Payload
}

func (h *harness) expectOK(name, verb string, payload any) {
	h.t.Helper()
	if r, ok := h.request(name, verb, payload).(types.OKReply); !ok || !r.OK {
		h.t.Fatalf("%s/%s: expected ok, got %#v", name, verb, r)
	}
}

func (h *harness) expectErr(name, verb string, payload any, want errcode.Code) {
	h.t.Helper()
	r, ok := h.request(name, verb, payload).(types.ErrorReply)
	if !ok || r.Error != string(want) {
		h.t.Fatalf("%s/%s: expected %s, got %#v", name, verb, want, r)
	}
}

func (h *harness) get(name string) types.PWMValue {
	h.t.Helper()
	v, ok := h.request(name, VerbGet, nil).(types.PWMValue)
	if !ok {
		h.t.Fatalf("get %s: unexpected reply", name)
	}
	return v
}

func (h *harness) retained(topic bus.Topic) any {
	h.t.Helper()
	sub := h.conn.Subscribe(topic)
	defer h.conn.Unsubscribe(sub)
	select {
	case m := <-sub.Channel():
		return m.Payload
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

func twoPorts() *types.HALConfig {
	stop := 0.0
	return &types.HALConfig{Ports: []types.PWMPortConfig{
		{Name: "left", Channel: 0, InitialSpeed: &stop},
		{Name: "right", Channel: 1},
	}}
}

func TestControlsRejectedBeforeConfig(t *testing.T) {
	h := start(t, nil)
	h.expectErr("left", VerbSetSpeed, types.PWMSetSpeed{Speed: 1}, errcode.HALNotReady)
}

func TestConfigPublishesCapabilities(t *testing.T) {
	h := start(t, twoPorts())

	info, ok := h.retained(InfoTopic("left")).(types.Info)
	if !ok {
		t.Fatal("no retained info for left")
	}
	detail := info.Detail.(types.PWMInfo)
	if detail.BoardChannel != 12 || detail.Port != 0 || detail.FreqHz != 200 {
		t.Fatalf("left info %+v", detail)
	}
	right, _ := h.retained(InfoTopic("right")).(types.Info)
	if right.Detail.(types.PWMInfo).Resource != detail.Resource {
		t.Fatal("left and right should share a generator")
	}

	if v, _ := h.retained(ValueTopic("left")).(types.PWMValue); v.Raw != 1500 {
		t.Fatalf("left initial value %+v", v)
	}
	if v, _ := h.retained(ValueTopic("right")).(types.PWMValue); v.Raw != 0 || !v.Disabled {
		t.Fatalf("right should start disabled, got %+v", v)
	}
	if st, _ := h.retained(StatusTopic("left")).(types.CapabilityStatus); st.Link != types.LinkUp {
		t.Fatalf("left status %+v", st)
	}
}

func TestConfigFailuresReported(t *testing.T) {
	h := start(t, &types.HALConfig{Ports: []types.PWMPortConfig{
		{Name: "far", Channel: 30},
		{Name: "odd_scale", Channel: 4, PeriodScale: 2},
		{Name: "ok", Channel: 5},
	}})

	if st, _ := h.retained(StatusTopic("far")).(types.CapabilityStatus); st.Link != types.LinkDegraded || st.Error != string(errcode.ParameterOutOfRange) {
		t.Fatalf("far status %+v", st)
	}
	st, _ := h.retained(StatusTopic("odd_scale")).(types.CapabilityStatus)
	if st.Link != types.LinkDegraded || st.Error != string(errcode.ParameterOutOfRange) {
		t.Fatalf("odd_scale status %+v", st)
	}
	h.expectErr("far", VerbGet, nil, errcode.UnknownCapability)
	h.expectOK("ok", VerbSetRaw, types.PWMSetRaw{Value: 1600})
}

func TestSpeedPositionAndGet(t *testing.T) {
	h := start(t, twoPorts())

	h.expectOK("left", VerbSetSpeed, types.PWMSetSpeed{Speed: 0.5})
	v := h.get("left")
	if v.Raw != 1750 || math.Abs(v.Speed-0.5) > 1e-9 {
		t.Fatalf("after speed 0.5: %+v", v)
	}

	h.expectOK("right", VerbSetPosition, types.PWMSetPosition{Position: 0.25})
	if v := h.get("right"); v.Raw != 1250 || math.Abs(v.Position-0.25) > 1e-9 {
		t.Fatalf("after position 0.25: %+v", v)
	}

	h.expectOK("left", VerbDisable, nil)
	if v := h.get("left"); v.Raw != 0 || v.Speed != 0 {
		t.Fatalf("after disable: %+v", v)
	}

	h.expectOK("left", VerbSetConfig, types.PWMBounds{Max: 2.5, DeadbandMax: 1.51, Center: 1.5, DeadbandMin: 1.49, Min: 0.5})
	h.expectOK("left", VerbSetSpeed, types.PWMSetSpeed{Speed: 1})
	if v := h.get("left"); v.Raw != 2500 {
		t.Fatalf("after widened bounds: %+v", v)
	}
	h.expectOK("left", VerbSetEliminateDeadband, types.PWMSetEliminateDeadband{Enabled: true})
	h.expectOK("left", VerbLatchZero, nil)
}

func TestControlErrors(t *testing.T) {
	h := start(t, twoPorts())

	h.expectErr("nope", VerbGet, nil, errcode.UnknownCapability)
	h.expectErr("left", VerbSetSpeed, "fast", errcode.InvalidPayload)
	h.expectErr("left", "explode", nil, errcode.Unsupported)
	h.expectErr("left", VerbSetRaw, types.PWMSetRaw{Value: -5}, errcode.ParameterOutOfRange)
	h.expectErr("left", VerbSetPeriodScale, types.PWMSetPeriodScale{Mask: 1}, errcode.Conflict)
	h.expectErr("left", VerbRamp, types.PWMRamp{To: 10, Mode: 7}, errcode.Unsupported)

	h.expectOK("right", VerbFree, nil)
	h.expectErr("right", VerbGet, nil, errcode.UnknownCapability)
	if st, _ := h.retained(StatusTopic("right")).(types.CapabilityStatus); st.Link != types.LinkDown {
		t.Fatalf("freed port status %+v", st)
	}
	// With right gone, left owns the generator and may rescale.
	h.expectOK("left", VerbSetPeriodScale, types.PWMSetPeriodScale{Mask: 3})
	info, _ := h.retained(InfoTopic("left")).(types.Info)
	if f := info.Detail.(types.PWMInfo).FreqHz; f != 50 {
		t.Fatalf("rescaled frequency=%d", f)
	}
}

func TestRampReachesTarget(t *testing.T) {
	h := start(t, twoPorts())
	h.expectOK("left", VerbSetRaw, types.PWMSetRaw{Value: 1000})
	h.expectOK("left", VerbRamp, types.PWMRamp{To: 2000, DurationMs: 40, Steps: 4})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.get("left").Raw == 2000 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ramp never reached 2000, at %d", h.get("left").Raw)
}

func TestSetCancelsRamp(t *testing.T) {
	h := start(t, twoPorts())
	h.expectOK("left", VerbSetRaw, types.PWMSetRaw{Value: 1000})
	h.expectOK("left", VerbRamp, types.PWMRamp{To: 2000, DurationMs: 2000, Steps: 100})
	time.Sleep(50 * time.Millisecond)
	h.expectOK("left", VerbSetRaw, types.PWMSetRaw{Value: 1200})
	time.Sleep(80 * time.Millisecond)
	if v := h.get("left"); v.Raw != 1200 {
		t.Fatalf("ramp kept writing after set: raw=%d", v.Raw)
	}

	h.expectOK("left", VerbRamp, types.PWMRamp{To: 2000, DurationMs: 2000, Steps: 100})
	h.expectOK("left", VerbStopRamp, nil)
	before := h.get("left").Raw
	time.Sleep(60 * time.Millisecond)
	if after := h.get("left").Raw; after != before {
		t.Fatalf("stopped ramp moved %d -> %d", before, after)
	}
}

func TestSafetyWatchdog(t *testing.T) {
	cfg := twoPorts()
	cfg.SafetyTimeoutMs = 150
	h := start(t, cfg)

	h.expectOK("left", VerbSetSpeed, types.PWMSetSpeed{Speed: 1})
	h.waitState("disabled")
	if v := h.get("left"); v.Raw != 0 {
		t.Fatalf("watchdog left output at %d", v.Raw)
	}
	h.expectErr("left", VerbSetSpeed, types.PWMSetSpeed{Speed: 1}, errcode.IncompatibleState)

	h.conn.Publish(h.conn.NewMessage(FeedTopic(), types.Feed{}, false))
	h.waitState("ready")
	h.expectOK("left", VerbSetSpeed, types.PWMSetSpeed{Speed: -1})
	if v := h.get("left"); v.Raw != 1000 {
		t.Fatalf("after feed raw=%d", v.Raw)
	}
}

func TestFeedKeepsOutputsAlive(t *testing.T) {
	cfg := twoPorts()
	cfg.SafetyTimeoutMs = 100
	h := start(t, cfg)
	h.expectOK("left", VerbSetSpeed, types.PWMSetSpeed{Speed: 1})

	for i := 0; i < 6; i++ {
		time.Sleep(30 * time.Millisecond)
		h.conn.Publish(h.conn.NewMessage(FeedTopic(), types.Feed{}, false))
	}
	if v := h.get("left"); v.Raw != 2000 {
		t.Fatalf("fed outputs must stay driven, raw=%d", v.Raw)
	}
}

func TestShutdownReleasesEverything(t *testing.T) {
	logger := golog.NewTestLogger(t)
	b := bus.NewBus(32)
	board := simio.New(simio.DefaultLayout(), logger)
	svc := New(b.NewConnection("hal"), board, WithLogger(logger))
	conn := b.NewConnection("test")
	conn.Publish(conn.NewMessage(topicConfigHAL(), *twoPorts(), true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()

	h := &harness{t: t, bus: b, conn: conn, board: board, svc: svc}
	h.waitState("ready")
	cancel()
	<-done

	st, _ := h.retained(StateTopic()).(types.HALState)
	if st.Level != "stopped" {
		t.Fatalf("final state %+v", st)
	}
	if g, _ := board.Generator(6); g.Allocated {
		t.Fatalf("generator still allocated after shutdown: %+v", g)
	}
	if len(svc.Manager().Handles()) != 0 {
		t.Fatal("handles survive shutdown")
	}
}

package cangw

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// fakeIfaceManager is a test double for [IfaceManager] that never touches
// netlink, so BringUp/BringDown/InterfaceStates are testable without a real
// CAN interface.
type fakeIfaceManager struct {
	upErr, downErr, stateErr error
	states                   map[string]InterfaceState
	bitrates                 map[string]int
}

func newFakeIfaceManager() *fakeIfaceManager {
	return &fakeIfaceManager{
		states:   map[string]InterfaceState{},
		bitrates: map[string]int{},
	}
}

func (m *fakeIfaceManager) BringUp(name string, bitrateBPS int) error {
	if m.upErr != nil {
		return m.upErr
	}
	m.states[name] = InterfaceStateUp
	m.bitrates[name] = bitrateBPS
	return nil
}

func (m *fakeIfaceManager) BringDown(name string) error {
	if m.downErr != nil {
		return m.downErr
	}
	m.states[name] = InterfaceStateDown
	return nil
}

func (m *fakeIfaceManager) State(name string) (InterfaceState, int, error) {
	if m.stateErr != nil {
		return InterfaceStateUnknown, 0, m.stateErr
	}
	return m.states[name], m.bitrates[name], nil
}

func newLoopbackGateway(t *testing.T) (*Gateway, *Loopback, *Loopback) {
	t.Helper()
	a, b := NewLoopbackPair("iface0", "iface1")
	factory := LoopbackFactory(map[string]*Loopback{"iface0": a, "iface1": b})
	gw := NewGateway("iface0", "iface1", factory, NullLogger{})
	return gw, a, b
}

func recvWithTimeout(t *testing.T, h *Loopback, timeout time.Duration) (Frame, bool) {
	t.Helper()
	frame, _, err := h.Recv(timeout)
	if err != nil {
		return Frame{}, false
	}
	return frame, true
}

// TestScenarioPassThrough is end-to-end scenario 1: zero delay/jitter/loss,
// no rules, a frame sent on iface0 arrives unmodified on iface1.
func TestScenarioPassThrough(t *testing.T) {
	gw, a, b := newLoopbackGateway(t)
	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	defer gw.Stop()

	sent := Frame{ArbitrationID: 0x123, Payload: []byte{0x11, 0x22, 0x33, 0x44}}
	if err := a.Send(sent); err != nil {
		t.Fatal(err)
	}

	got, ok := recvWithTimeout(t, b, 2*time.Second)
	if !ok {
		t.Fatal("expected a frame on iface1")
	}
	if diff := cmp.Diff(sent, got); diff != "" {
		t.Fatal(diff)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		stats := gw.GetStats(DirectionZeroToOne)
		if stats.Received == 1 && stats.Forwarded == 1 && stats.Dropped == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stats did not converge: %+v", gw.GetStats(DirectionZeroToOne))
}

// TestScenarioDelayEmulation is end-to-end scenario 2.
func TestScenarioDelayEmulation(t *testing.T) {
	gw, a, b := newLoopbackGateway(t)
	delay := 50.0
	gw.UpdateSettings(&delay, nil, nil)
	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	defer gw.Stop()

	t0 := time.Now()
	if err := a.Send(Frame{ArbitrationID: 0x111, Payload: []byte{0x00}}); err != nil {
		t.Fatal(err)
	}
	if _, ok := recvWithTimeout(t, b, 2*time.Second); !ok {
		t.Fatal("expected a frame on iface1")
	}
	elapsed := time.Since(t0)
	if elapsed < 40*time.Millisecond {
		t.Fatalf("expected at least 40ms of latency, got %v", elapsed)
	}
}

// TestScenarioFullLoss is end-to-end scenario 3.
func TestScenarioFullLoss(t *testing.T) {
	gw, a, b := newLoopbackGateway(t)
	loss := 100.0
	gw.UpdateSettings(nil, &loss, nil)
	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	defer gw.Stop()

	for i := 0; i < 5; i++ {
		if err := a.Send(Frame{ArbitrationID: uint32(i), Payload: []byte{byte(i)}}); err != nil {
			t.Fatal(err)
		}
	}

	if _, ok := recvWithTimeout(t, b, 500*time.Millisecond); ok {
		t.Fatal("expected no frame to arrive under 100% loss")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		stats := gw.GetStats(DirectionZeroToOne)
		if stats.Dropped >= 5 && stats.Forwarded == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stats did not converge: %+v", gw.GetStats(DirectionZeroToOne))
}

// TestScenarioDropRule is end-to-end scenario 4.
func TestScenarioDropRule(t *testing.T) {
	gw, a, b := newLoopbackGateway(t)
	drop := NewManipulationRule("drop-0x123", 0x123)
	drop.Direction = RuleDirectionZeroToOne
	drop.Action = ActionDrop
	gw.AddRule(drop)

	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	defer gw.Stop()

	if err := a.Send(Frame{ArbitrationID: 0x123, Payload: []byte{0x01}}); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(Frame{ArbitrationID: 0x456, Payload: []byte{0x02}}); err != nil {
		t.Fatal(err)
	}

	got, ok := recvWithTimeout(t, b, 2*time.Second)
	if !ok {
		t.Fatal("expected the 0x456 frame to arrive")
	}
	if got.ArbitrationID != 0x456 {
		t.Fatalf("expected only 0x456 to arrive, got 0x%X", got.ArbitrationID)
	}
	if _, ok := recvWithTimeout(t, b, 200*time.Millisecond); ok {
		t.Fatal("expected no second frame")
	}
}

// TestScenarioByteRewrite is end-to-end scenario 5.
func TestScenarioByteRewrite(t *testing.T) {
	gw, a, b := newLoopbackGateway(t)
	rewrite := NewManipulationRule("rewrite-0x100", 0x100)
	rewrite.Direction = RuleDirectionZeroToOne
	rewrite.ByteOps = []ByteOp{
		{Index: 0, Op: OpSet, Value: 0xFF},
		{Index: 1, Op: OpSet, Value: 0xAA},
	}
	gw.AddRule(rewrite)

	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	defer gw.Stop()

	if err := a.Send(Frame{ArbitrationID: 0x100, Payload: []byte{0x01, 0x02}}); err != nil {
		t.Fatal(err)
	}

	got, ok := recvWithTimeout(t, b, 2*time.Second)
	if !ok {
		t.Fatal("expected a frame on iface1")
	}
	if diff := cmp.Diff([]byte{0xFF, 0xAA}, got.Payload); diff != "" {
		t.Fatal(diff)
	}
}

// TestStopDiscardsQueuedFrames exercises the Open Question decision: frames
// still queued when Stop is called are discarded, never transmitted, and
// P3's accounting invariant (received == forwarded + dropped) holds at the
// stop boundary with no third "still queued" bucket.
func TestStopDiscardsQueuedFrames(t *testing.T) {
	gw, a, _ := newLoopbackGateway(t)
	delay := 5000.0 // 5s: guarantees the frame is still queued when Stop runs
	gw.UpdateSettings(&delay, nil, nil)
	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}

	if err := a.Send(Frame{ArbitrationID: 0x1, Payload: []byte{0x01}}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && gw.GetStats(DirectionZeroToOne).Received == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if gw.GetStats(DirectionZeroToOne).QueueSize == 0 {
		t.Fatal("expected the frame to still be queued before Stop")
	}

	if err := gw.Stop(); err != nil {
		t.Fatal(err)
	}

	stats := gw.GetStats(DirectionZeroToOne)
	if stats.Received != stats.Forwarded+stats.Dropped {
		t.Fatalf("P3 accounting violated after stop: %+v", stats)
	}
	if stats.Forwarded != 0 {
		t.Fatalf("expected the queued frame to never be transmitted, got %+v", stats)
	}
	if stats.QueueSize != 0 {
		t.Fatalf("expected the heap to be drained by stop, got %+v", stats)
	}
}

func TestUpdateSettingsClampsNegativeJitter(t *testing.T) {
	gw, _, _ := newLoopbackGateway(t)
	negative := -10.0
	gw.UpdateSettings(nil, nil, &negative)
	snap := gw.settings.Load()
	if snap.JitterMs != 0 {
		t.Fatalf("expected jitter clamped to 0, got %v", snap.JitterMs)
	}
}

func TestUpdateSettingsPartial(t *testing.T) {
	gw, _, _ := newLoopbackGateway(t)
	delay := 10.0
	gw.UpdateSettings(&delay, nil, nil)
	loss := 5.0
	gw.UpdateSettings(nil, &loss, nil)

	snap := gw.settings.Load()
	if snap.DelayMs != 10 || snap.LossPct != 5 {
		t.Fatalf("expected partial updates to preserve prior fields, got %+v", snap)
	}
}

func TestStartTwiceReturnsAlreadyRunning(t *testing.T) {
	gw, _, _ := newLoopbackGateway(t)
	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	defer gw.Stop()
	if err := gw.Start(); err == nil {
		t.Fatal("expected the second Start to fail")
	}
}

func TestStopWhileIdleIsNoOp(t *testing.T) {
	gw, _, _ := newLoopbackGateway(t)
	if err := gw.Stop(); err != nil {
		t.Fatalf("expected Stop on an idle gateway to be a no-op, got %v", err)
	}
}

func TestDirectionDisabledDropsSilently(t *testing.T) {
	gw, a, b := newLoopbackGateway(t)
	gw.SetDirectionEnabled(DirectionZeroToOne, false)
	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	defer gw.Stop()

	if err := a.Send(Frame{ArbitrationID: 1, Payload: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if _, ok := recvWithTimeout(t, b, 300*time.Millisecond); ok {
		t.Fatal("expected no frame when the direction is disabled")
	}
	if gw.GetStats(DirectionZeroToOne).Received != 0 {
		t.Fatal("a disabled direction must not even count the frame as received")
	}
}

func TestBringUpPublishesInterfaceStateChangedOnSuccess(t *testing.T) {
	gw, _, _ := newLoopbackGateway(t)
	mgr := newFakeIfaceManager()
	gw.SetIfaceManager(mgr)

	var got InterfaceStateChangedEvent
	received := make(chan struct{}, 1)
	unsubscribe := gw.Subscribe(func(eventType EventType, payload any) {
		if eventType != EventInterfaceStateChanged {
			return
		}
		got = payload.(InterfaceStateChangedEvent)
		received <- struct{}{}
	})
	defer unsubscribe()

	if err := gw.BringUp("iface0", 500000); err != nil {
		t.Fatalf("expected BringUp to succeed, got %v", err)
	}
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected an INTERFACE_STATE_CHANGED event")
	}
	if got.Iface != "iface0" || got.State != InterfaceStateUp || got.Err != nil {
		t.Fatalf("unexpected event payload: %+v", got)
	}
}

func TestBringUpPublishesInterfaceStateChangedOnFailure(t *testing.T) {
	gw, _, _ := newLoopbackGateway(t)
	mgr := newFakeIfaceManager()
	mgr.upErr = errors.New("netlink: permission denied")
	gw.SetIfaceManager(mgr)

	var got InterfaceStateChangedEvent
	received := make(chan struct{}, 1)
	unsubscribe := gw.Subscribe(func(eventType EventType, payload any) {
		if eventType != EventInterfaceStateChanged {
			return
		}
		got = payload.(InterfaceStateChangedEvent)
		received <- struct{}{}
	})
	defer unsubscribe()

	if err := gw.BringUp("iface0", 500000); err == nil {
		t.Fatal("expected BringUp to surface the manager's error")
	}
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected INTERFACE_STATE_CHANGED to publish even on failure")
	}
	if got.Iface != "iface0" || got.Err == nil {
		t.Fatalf("expected the event to carry the failure, got %+v", got)
	}
}

func TestBringDownPublishesInterfaceStateChangedOnSuccessAndFailure(t *testing.T) {
	gw, _, _ := newLoopbackGateway(t)
	mgr := newFakeIfaceManager()
	mgr.states["iface1"] = InterfaceStateUp
	gw.SetIfaceManager(mgr)

	events := make(chan InterfaceStateChangedEvent, 2)
	unsubscribe := gw.Subscribe(func(eventType EventType, payload any) {
		if eventType == EventInterfaceStateChanged {
			events <- payload.(InterfaceStateChangedEvent)
		}
	})
	defer unsubscribe()

	if err := gw.BringDown("iface1"); err != nil {
		t.Fatalf("expected BringDown to succeed, got %v", err)
	}
	select {
	case ev := <-events:
		if ev.State != InterfaceStateDown || ev.Err != nil {
			t.Fatalf("unexpected success event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event for the successful BringDown")
	}

	mgr.downErr = errors.New("netlink: device busy")
	if err := gw.BringDown("iface1"); err == nil {
		t.Fatal("expected BringDown to surface the manager's error")
	}
	select {
	case ev := <-events:
		if ev.Err == nil {
			t.Fatalf("expected the second event to carry the failure, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected INTERFACE_STATE_CHANGED to publish even on BringDown failure")
	}
}

func TestBringUpWithoutIfaceManagerReturnsError(t *testing.T) {
	gw, _, _ := newLoopbackGateway(t)
	if err := gw.BringUp("iface0", 500000); err == nil {
		t.Fatal("expected BringUp without a configured IfaceManager to fail")
	}
}

func TestInterfaceStatesReportsBothInterfaces(t *testing.T) {
	gw, _, _ := newLoopbackGateway(t)
	mgr := newFakeIfaceManager()
	mgr.states["iface0"] = InterfaceStateUp
	mgr.states["iface1"] = InterfaceStateDown
	gw.SetIfaceManager(mgr)

	states, err := gw.InterfaceStates()
	if err != nil {
		t.Fatal(err)
	}
	if states["iface0"] != InterfaceStateUp || states["iface1"] != InterfaceStateDown {
		t.Fatalf("unexpected states: %+v", states)
	}
}

func TestInterfaceStatesWithoutIfaceManagerReturnsError(t *testing.T) {
	gw, _, _ := newLoopbackGateway(t)
	if _, err := gw.InterfaceStates(); err == nil {
		t.Fatal("expected InterfaceStates without a configured IfaceManager to fail")
	}
}

func TestInterfaceStatesPropagatesManagerError(t *testing.T) {
	gw, _, _ := newLoopbackGateway(t)
	mgr := newFakeIfaceManager()
	mgr.stateErr = errors.New("netlink: no such device")
	gw.SetIfaceManager(mgr)

	if _, err := gw.InterfaceStates(); err == nil {
		t.Fatal("expected InterfaceStates to propagate the manager's error")
	}
}

func TestLatencyStatsReflectsRecordedSamples(t *testing.T) {
	gw, a, b := newLoopbackGateway(t)
	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	defer gw.Stop()

	if err := a.Send(Frame{ArbitrationID: 1, Payload: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if _, ok := recvWithTimeout(t, b, time.Second); !ok {
		t.Fatal("expected the frame to be forwarded")
	}

	stats, ok := gw.LatencyStats(DirectionZeroToOne)
	if !ok {
		t.Fatal("expected a latency sample after a forwarded frame")
	}
	if stats.Count != 1 || stats.Min <= 0 {
		t.Fatalf("unexpected latency stats: %+v", stats)
	}
}

func TestLatencyStatsEmptyBeforeAnyForward(t *testing.T) {
	gw, _, _ := newLoopbackGateway(t)
	if _, ok := gw.LatencyStats(DirectionZeroToOne); ok {
		t.Fatal("expected no latency stats before any frame is forwarded")
	}
}

func TestClearLatencySamplesEmptiesWindowWithoutTouchingCounters(t *testing.T) {
	gw, a, b := newLoopbackGateway(t)
	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	defer gw.Stop()

	if err := a.Send(Frame{ArbitrationID: 1, Payload: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if _, ok := recvWithTimeout(t, b, time.Second); !ok {
		t.Fatal("expected the frame to be forwarded")
	}
	if _, ok := gw.LatencyStats(DirectionZeroToOne); !ok {
		t.Fatal("expected a latency sample before clearing")
	}

	gw.ClearLatencySamples(DirectionZeroToOne)

	if _, ok := gw.LatencyStats(DirectionZeroToOne); ok {
		t.Fatal("expected no latency stats after ClearLatencySamples")
	}
	if gw.GetStats(DirectionZeroToOne).Forwarded != 1 {
		t.Fatal("ClearLatencySamples must not touch the forwarded counter")
	}
}

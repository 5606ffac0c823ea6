package cangw

//
// Gateway (C4 scheduler + C6 facade): the system's keystone. Owns two
// [direction] workers, a [ManipulationEngine] and an [EventBus], and runs
// the four hot-path goroutines described by the scheduler's receiver/sender
// pseudocode. Grounded on the teacher's link.go state-machine shape
// (Idle/Running/Stopping guarded by a mutex, Start/Stop spawning and joining
// a fixed goroutine set via sync.WaitGroup) generalized from a single
// forwarding loop to the two-direction, rule-evaluating, capture-logging
// pipeline this system requires.
//

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// gatewayState is the C4 state machine: {Idle -> Running -> Stopping -> Idle}.
type gatewayState int

const (
	stateIdle gatewayState = iota
	stateRunning
	stateStopping
)

// SettingsSnapshot is the consistent (delay, jitter, loss) triple read by
// the receiver path. It is swapped as a whole via [Gateway.settings], never
// mutated in place, so a single frame's scheduling computation always sees
// values that were set together (spec §5 "consistent triple").
type SettingsSnapshot struct {
	DelayMs  float64
	JitterMs float64
	LossPct  float64
}

// Stats is a point-in-time read-out of one direction's counters and queue
// depth (spec §4.6 get_stats).
type Stats struct {
	Received  int64
	Forwarded int64
	Dropped   int64
	QueueSize int
}

// CaptureSink receives forwarded/dropped events for durable logging (C5).
// [Gateway] holds one behind a pointer that may be swapped at runtime;
// implementations live in the capturelog package and are wired in via
// [Gateway.SetCaptureSink] to avoid an import cycle between this package and
// capturelog (which itself imports cangw for [Frame]/[Direction]).
type CaptureSink interface {
	RecordForwarded(dir Direction, rxTs, txTs time.Time, frame Frame, latencyUs float64, cfg SettingsSnapshot)
	RecordDropped(dir Direction, rxTs time.Time, frame Frame, cfg SettingsSnapshot)
	Flush() error
	Close() error
}

// IfaceManager wraps OS-level interface lifecycle control (spec §6 "opaque
// external collaborator"): bring an interface up or down, optionally with a
// bitrate, and query its state. Implemented by the canif package on top of
// netlink; defined here so [Gateway] can depend on the capability without
// importing netlink directly.
type IfaceManager interface {
	BringUp(name string, bitrateBPS int) error
	BringDown(name string) error
	State(name string) (InterfaceState, int, error)
}

// Gateway is the C6 facade: the entry-point object external callers own.
// The zero value is not usable; construct with [NewGateway].
type Gateway struct {
	iface0, iface1 string
	ioFactory      Factory

	logger Logger
	engine *ManipulationEngine
	events *EventBus
	ifaces IfaceManager

	dir01 *direction // DirectionZeroToOne: recv on iface0, send on iface1
	dir10 *direction // DirectionOneToZero: recv on iface1, send on iface0

	settings atomic.Pointer[SettingsSnapshot]

	captureMu sync.RWMutex
	capture   CaptureSink

	stateMu sync.Mutex
	state   gatewayState
	running atomic.Bool

	handle0, handle1 Handle
	wg               sync.WaitGroup
}

// NewGateway constructs a facade for the pair (iface0, iface1). ioFactory
// defaults to [OpenSocketCAN] if nil; logger defaults to [NullLogger].
func NewGateway(iface0, iface1 string, ioFactory Factory, logger Logger) *Gateway {
	if ioFactory == nil {
		ioFactory = OpenSocketCAN
	}
	if logger == nil {
		logger = NullLogger{}
	}
	g := &Gateway{
		iface0:    iface0,
		iface1:    iface1,
		ioFactory: ioFactory,
		logger:    logger,
		engine:    NewManipulationEngine(),
		events:    NewEventBus(logger),
		dir01:     newDirection(DirectionZeroToOne),
		dir10:     newDirection(DirectionOneToZero),
	}
	g.settings.Store(&SettingsSnapshot{})
	return g
}

// SetIOFactory overrides the bus factory used by the next Start call
// (supplemented "bus-factory-style construction", spec §9 REDESIGN FLAGS).
// It is a no-op, by design, once the gateway is running.
func (g *Gateway) SetIOFactory(f Factory) {
	if f == nil {
		return
	}
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if g.state == stateIdle {
		g.ioFactory = f
	}
}

// SetIfaceManager wires the interface-lifecycle collaborator used by
// [Gateway.BringUp] / [Gateway.BringDown] / [Gateway.InterfaceStates].
func (g *Gateway) SetIfaceManager(m IfaceManager) {
	g.stateMu.Lock()
	g.ifaces = m
	g.stateMu.Unlock()
}

// SetCaptureSink installs sink as the active capture logger, first stopping
// and flushing whatever writer was previously installed (spec §4.5 "the
// gateway's log path mutator"). Passing nil disables capture logging.
func (g *Gateway) SetCaptureSink(sink CaptureSink) error {
	g.captureMu.Lock()
	defer g.captureMu.Unlock()

	var closeErr error
	if g.capture != nil {
		closeErr = g.capture.Close()
	}
	g.capture = sink
	if closeErr != nil {
		return fmt.Errorf("cangw: closing previous capture sink: %w", closeErr)
	}
	return nil
}

func (g *Gateway) captureSink() CaptureSink {
	g.captureMu.RLock()
	defer g.captureMu.RUnlock()
	return g.capture
}

// IsRunning reports whether the gateway is accepting and forwarding frames.
func (g *Gateway) IsRunning() bool {
	return g.running.Load()
}

// Start allocates both I/O handles, resets both Direction States, and spawns
// the four hot-path goroutines (spec §4.4). Calling Start while already
// running is a no-op that returns [ErrAlreadyRunning].
func (g *Gateway) Start() error {
	g.stateMu.Lock()
	if g.state != stateIdle {
		g.stateMu.Unlock()
		return ErrAlreadyRunning
	}
	g.state = stateRunning
	g.stateMu.Unlock()

	h0, err := g.ioFactory(g.iface0)
	if err != nil {
		g.revertToIdle()
		return fmt.Errorf("cangw: opening %s: %w", g.iface0, err)
	}
	h1, err := g.ioFactory(g.iface1)
	if err != nil {
		_ = h0.Close()
		g.revertToIdle()
		return fmt.Errorf("cangw: opening %s: %w", g.iface1, err)
	}

	g.handle0, g.handle1 = h0, h1
	g.dir01.resetAll()
	g.dir10.resetAll()
	g.running.Store(true)

	g.wg.Add(4)
	go g.receiveLoop(g.dir01, h0)
	go g.receiveLoop(g.dir10, h1)
	go g.sendLoop(g.dir01, h1)
	go g.sendLoop(g.dir10, h0)

	snap := g.settings.Load()
	g.events.Publish(EventGatewayStarted, GatewayStartedEvent{
		Iface0: g.iface0, Iface1: g.iface1,
		DelayMs: snap.DelayMs, LossPct: snap.LossPct, JitterMs: snap.JitterMs,
	})
	g.logger.Infof("cangw: gateway started (%s <-> %s)", g.iface0, g.iface1)
	return nil
}

func (g *Gateway) revertToIdle() {
	g.stateMu.Lock()
	g.state = stateIdle
	g.stateMu.Unlock()
}

// Stop sets the running flag, broadcasts both directions' condition
// variables, joins all four goroutines, then closes the I/O handles.
//
// Queued-but-unsent frames are never transmitted: this gateway stops the
// senders immediately rather than flushing the heap, matching the original
// reference implementation. They are not silently discarded, though —
// invariant P3 (received == forwarded + dropped, with no third "still
// queued" bucket surviving past the stop boundary) requires every frame
// still in a direction's heap at the stop boundary to be counted as
// dropped, so Stop drains both heaps and accounts each remaining entry that
// way before returning. Calling Stop while idle is a no-op.
func (g *Gateway) Stop() error {
	g.stateMu.Lock()
	if g.state != stateRunning {
		g.stateMu.Unlock()
		return nil
	}
	g.state = stateStopping
	g.stateMu.Unlock()

	g.running.Store(false)
	g.dir01.notifyAll()
	g.dir10.notifyAll()

	joined := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		g.logger.Warnf("cangw: stop timed out waiting for workers; closing handles anyway")
	}

	g.discardQueued(g.dir01)
	g.discardQueued(g.dir10)

	if g.handle0 != nil {
		_ = g.handle0.Close()
	}
	if g.handle1 != nil {
		_ = g.handle1.Close()
	}

	if sink := g.captureSink(); sink != nil {
		_ = sink.Flush()
	}

	g.stateMu.Lock()
	g.state = stateIdle
	g.stateMu.Unlock()

	g.events.Publish(EventGatewayStopped, GatewayStoppedEvent{Iface0: g.iface0, Iface1: g.iface1})
	g.logger.Infof("cangw: gateway stopped (%s <-> %s)", g.iface0, g.iface1)
	return nil
}

// UpdateSettings applies a partial update: nil fields are left unchanged.
// jitterMs below zero is clamped to zero (spec §4.6, §7). Every call emits
// SETTINGS_CHANGED and is pushed into the active capture sink's live
// snapshot via the per-frame settings read, not a separate push call, since
// this implementation's sink reads the same [SettingsSnapshot] the receive
// path does.
func (g *Gateway) UpdateSettings(delayMs, lossPct, jitterMs *float64) {
	prev := g.settings.Load()
	next := *prev

	if delayMs != nil {
		next.DelayMs = *delayMs
	}
	if lossPct != nil {
		next.LossPct = *lossPct
	}
	if jitterMs != nil {
		next.JitterMs = clampJitter(*jitterMs)
	}
	g.settings.Store(&next)

	g.events.Publish(EventSettingsChanged, SettingsChangedEvent{
		DelayMs: delayMs, LossPct: lossPct, JitterMs: jitterMs,
	})
}

// SetDirectionEnabled toggles whether dir currently forwards frames; takes
// effect on the next received frame (spec §4.6).
func (g *Gateway) SetDirectionEnabled(dir Direction, enabled bool) {
	g.directionFor(dir).setEnabled(enabled)
}

func (g *Gateway) directionFor(dir Direction) *direction {
	if dir == DirectionZeroToOne {
		return g.dir01
	}
	return g.dir10
}

// AddRule, RemoveRule, ClearRules, GetRules, SetRules and
// SetManipulationEnabled delegate to the [ManipulationEngine] (spec §4.6).
func (g *Gateway) AddRule(rule *ManipulationRule)         { g.engine.AddRule(rule) }
func (g *Gateway) RemoveRule(name string) bool            { return g.engine.RemoveRule(name) }
func (g *Gateway) ClearRules()                            { g.engine.ClearRules() }
func (g *Gateway) GetRules() []*ManipulationRule          { return g.engine.GetRules() }
func (g *Gateway) SetRules(rules []*ManipulationRule)     { g.engine.SetRules(rules) }
func (g *Gateway) SetManipulationEnabled(enabled bool)    { g.engine.SetEnabled(enabled) }

// Subscribe registers h on the gateway's event bus (spec §4.6).
func (g *Gateway) Subscribe(h Handler) (unsubscribe func()) { return g.events.Subscribe(h) }

// GetStats returns a point-in-time snapshot of dir's counters and queue
// depth (spec §4.6 get_stats). The read is not transactional with
// concurrent pushes/pops, matching queue_size's documented semantics.
func (g *Gateway) GetStats(dir Direction) Stats {
	d := g.directionFor(dir)
	return Stats{
		Received:  d.received.Load(),
		Forwarded: d.forwarded.Load(),
		Dropped:   d.dropped.Load(),
		QueueSize: d.queueSize(),
	}
}

// GetLatencySamples returns a copy of dir's latency sample window, in
// microseconds.
func (g *Gateway) GetLatencySamples(dir Direction) []float64 {
	return g.directionFor(dir).latencySamples()
}

// LatencyStats returns dir's latency window summary statistics.
func (g *Gateway) LatencyStats(dir Direction) (LatencyStats, bool) {
	return g.directionFor(dir).latencyStatsSnapshot()
}

// ClearLatencySamples empties dir's latency window without touching its
// counters or queue, distinct from the full reset Start performs
// (supplemented feature, grounded on the original's clear_latency_samples).
func (g *Gateway) ClearLatencySamples(dir Direction) {
	g.directionFor(dir).clearLatencySamples()
}

// BringUp brings iface up with the given bitrate (ignored for virtual
// interfaces), publishing INTERFACE_STATE_CHANGED either way (supplemented
// feature, grounded on the original's InterfaceManager try/except +
// publish-always pattern).
func (g *Gateway) BringUp(iface string, bitrateBPS int) error {
	return g.toggleInterface(iface, bitrateBPS, true)
}

// BringDown brings iface down, publishing INTERFACE_STATE_CHANGED either
// way.
func (g *Gateway) BringDown(iface string) error {
	return g.toggleInterface(iface, 0, false)
}

func (g *Gateway) toggleInterface(iface string, bitrateBPS int, up bool) error {
	g.stateMu.Lock()
	mgr := g.ifaces
	g.stateMu.Unlock()
	if mgr == nil {
		return errors.New("cangw: no interface manager configured")
	}

	var err error
	if up {
		err = mgr.BringUp(iface, bitrateBPS)
	} else {
		err = mgr.BringDown(iface)
	}

	state, bitrate, stateErr := mgr.State(iface)
	if stateErr != nil && err == nil {
		err = stateErr
	}
	g.events.Publish(EventInterfaceStateChanged, InterfaceStateChangedEvent{
		Iface: iface, State: state, Bitrate: bitrate, Err: err,
	})
	return err
}

// InterfaceStates reports the current state of both gateway interfaces.
func (g *Gateway) InterfaceStates() (map[string]InterfaceState, error) {
	g.stateMu.Lock()
	mgr := g.ifaces
	g.stateMu.Unlock()
	if mgr == nil {
		return nil, errors.New("cangw: no interface manager configured")
	}
	out := map[string]InterfaceState{}
	for _, name := range []string{g.iface0, g.iface1} {
		state, _, err := mgr.State(name)
		if err != nil {
			return nil, fmt.Errorf("cangw: state of %s: %w", name, err)
		}
		out[name] = state
	}
	return out, nil
}

// receiveLoop implements the C4 receiver pseudocode for one direction
// (spec §4.4).
func (g *Gateway) receiveLoop(d *direction, src Handle) {
	defer g.wg.Done()

	for g.running.Load() {
		frame, recvT, err := src.Recv(RecvPollTimeout)
		if err != nil {
			if errors.Is(err, ErrNoFrame) {
				continue // heartbeat, re-check running
			}
			if !g.running.Load() {
				continue // expected during shutdown
			}
			g.logger.Debugf("cangw: recv error on %s: %s", src.Name(), err)
			continue
		}

		if !d.isEnabled() {
			continue
		}
		d.received.Add(1)

		action, payload, extraDelayMs := g.engine.Evaluate(frame.ArbitrationID, d.id, frame.Payload)
		if action == ActionDrop {
			d.dropped.Add(1)
			g.recordDrop(d, recvT, frame)
			continue
		}

		snap := g.settings.Load()
		if snap.LossPct > 0 && rand.Float64()*100 < snap.LossPct {
			d.dropped.Add(1)
			g.recordDrop(d, recvT, frame)
			continue
		}

		jitter := 0.0
		if snap.JitterMs > 0 {
			jitter = (rand.Float64()*2 - 1) * snap.JitterMs
		}
		delayTotal := time.Duration((snap.DelayMs+jitter+float64(extraDelayMs))*float64(time.Millisecond))
		sendT := recvT.Add(delayTotal)
		if sendT.Before(recvT) {
			sendT = recvT // invariant I1: send_t >= recv_t
		}

		outFrame := Frame{ArbitrationID: frame.ArbitrationID, Payload: payload, IsExtendedID: frame.IsExtendedID}
		evicted := d.push(sendT, recvT, outFrame)
		if evicted > 0 {
			d.dropped.Add(int64(evicted))
		}
		g.publishStats(d)
	}
}

// discardQueued empties d's pending-send heap at shutdown, counting every
// entry still queued as dropped so P3's accounting invariant holds at the
// stop boundary (spec §9).
func (g *Gateway) discardQueued(d *direction) {
	entries := d.drainAll()
	if len(entries) == 0 {
		return
	}
	d.dropped.Add(int64(len(entries)))
	sink := g.captureSink()
	for _, entry := range entries {
		if sink != nil {
			sink.RecordDropped(d.id, entry.recvTime, entry.frame, *g.settings.Load())
		}
	}
	g.publishStats(d)
}

func (g *Gateway) recordDrop(d *direction, recvT time.Time, frame Frame) {
	if sink := g.captureSink(); sink != nil {
		sink.RecordDropped(d.id, recvT, frame, *g.settings.Load())
	}
	g.publishStats(d)
}

// publishStats emits STATS_UPDATED with a fresh snapshot of d's counters
// (spec §6 event bus).
func (g *Gateway) publishStats(d *direction) {
	g.events.Publish(EventStatsUpdated, StatsUpdatedEvent{
		Direction: d.id,
		Received:  int(d.received.Load()),
		Forwarded: int(d.forwarded.Load()),
		Dropped:   int(d.dropped.Load()),
		QueueSize: d.queueSize(),
	})
}

// sendLoop implements the C4 sender pseudocode for one direction (spec
// §4.4), draining d's heap in send_time order onto dst.
func (g *Gateway) sendLoop(d *direction, dst Handle) {
	defer g.wg.Done()

	for {
		entry, ok := d.waitForDue(func() bool { return !g.running.Load() })
		if !ok {
			return
		}

		if err := dst.Send(entry.frame); err != nil {
			d.dropped.Add(1)
			g.logger.Debugf("cangw: send error on %s: %s", dst.Name(), err)
			g.publishStats(d)
			continue
		}

		actualSendT := time.Now()
		latencyUs := float64(actualSendT.Sub(entry.recvTime)) / float64(time.Microsecond)
		d.recordLatency(latencyUs)
		d.forwarded.Add(1)

		if sink := g.captureSink(); sink != nil {
			sink.RecordForwarded(d.id, entry.recvTime, actualSendT, entry.frame, latencyUs, *g.settings.Load())
		}
		g.publishStats(d)
	}
}

// clampJitter enforces the spec's "jitter below zero is clamped to zero"
// rule (§4.6, §7).
func clampJitter(j float64) float64 {
	return math.Max(0, j)
}

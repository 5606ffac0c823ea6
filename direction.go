package cangw

//
// Direction State (C2): per-direction counters, pending-send heap and
// latency window. A passive data container — all synchronization discipline
// is imposed by the scheduler (C4), per the lock table in spec §5.
//

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
)

// queuedEntry is one frame waiting to be sent, keyed by send_time primarily
// and recv_time (via seq, for FIFO among equal send_time values) secondarily.
type queuedEntry struct {
	sendTime time.Time
	recvTime time.Time
	frame    Frame
	seq      uint64
}

// entryHeap is a min-heap of queuedEntry ordered by (sendTime, seq), giving
// FIFO tie-break among frames scheduled for the same instant (spec §4.4).
type entryHeap []queuedEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].sendTime.Equal(h[j].sendTime) {
		return h[i].seq < h[j].seq
	}
	return h[i].sendTime.Before(h[j].sendTime)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(queuedEntry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// LatencyStats summarizes a direction's latency sample window, in
// microseconds. Zero means "no samples" unless Count > 0.
type LatencyStats struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
	P95   float64
	P99   float64
}

// direction is one direction's worth of state: C2. mu guards heap and seq
// (the heap lock from spec §5); the counters are atomics and enabled has its
// own enabledMu, and neither is touched while mu is held (push returns the
// eviction count for the caller to add to dropped after unlocking).
type direction struct {
	id Direction

	mu     sync.Mutex
	cond   *sync.Cond
	queue  entryHeap
	nextSeq uint64

	latencyMu sync.Mutex
	latency   []float64 // ring of up to LatencyWindowSize microsecond samples

	received atomic.Int64
	forwarded atomic.Int64
	dropped  atomic.Int64

	enabledMu sync.Mutex
	enabled   bool
}

func newDirection(id Direction) *direction {
	d := &direction{id: id, enabled: true}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// resetAll zeros counters, empties the heap and clears the latency window.
// Called by Gateway.Start (spec §4.2).
func (d *direction) resetAll() {
	d.received.Store(0)
	d.forwarded.Store(0)
	d.dropped.Store(0)

	d.mu.Lock()
	d.queue = nil
	d.nextSeq = 0
	d.mu.Unlock()

	d.latencyMu.Lock()
	d.latency = nil
	d.latencyMu.Unlock()
}

// isEnabled reports whether this direction currently forwards frames.
func (d *direction) isEnabled() bool {
	d.enabledMu.Lock()
	defer d.enabledMu.Unlock()
	return d.enabled
}

// setEnabled flips the direction's enable flag; effective on the next
// received frame (spec §4.6).
func (d *direction) setEnabled(v bool) {
	d.enabledMu.Lock()
	d.enabled = v
	d.enabledMu.Unlock()
}

// queueSize returns a snapshot count, not transactional with pop/push
// (spec §4.2).
func (d *direction) queueSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// push enqueues a frame, evicting the eldest-scheduled entry first if the
// heap is already at MaxQueueSize (spec §4.4 back-pressure). Returns the
// number of entries evicted, so the caller can account them as dropped.
func (d *direction) push(sendTime, recvTime time.Time, frame Frame) (evicted int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.queue) >= MaxQueueSize {
		heap.Pop(&d.queue)
		evicted++
	}

	seq := d.nextSeq
	d.nextSeq++
	heap.Push(&d.queue, queuedEntry{sendTime: sendTime, recvTime: recvTime, frame: frame, seq: seq})
	d.cond.Signal()
	return evicted
}

// waitForDue blocks until either the earliest-scheduled entry is due or
// shouldStop returns true, then pops and returns it. It returns ok=false
// only when shouldStop fired with an empty result (the sender should exit).
//
// This is the correctness-critical primitive spec §9 calls out: the timed
// wait must be interruptible by both a newer, earlier-scheduled push (via
// cond.Signal in push) and by shutdown.
func (d *direction) waitForDue(shouldStop func() bool) (queuedEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if shouldStop() {
			return queuedEntry{}, false
		}
		if len(d.queue) == 0 {
			d.condWaitTimeout(SenderIdleWait)
			continue
		}
		wait := time.Until(d.queue[0].sendTime)
		if wait <= 0 {
			entry := heap.Pop(&d.queue).(queuedEntry)
			return entry, true
		}
		d.condWaitTimeout(wait)
	}
}

// condWaitTimeout waits on d.cond for at most timeout, unlocking and
// relocking d.mu the way sync.Cond.Wait does. sync.Cond has no built-in
// timed wait, so this spins a timer goroutine that signals the condition
// when it fires; the extra spurious wakeup is harmless since waitForDue
// always re-checks its predicate in a loop.
func (d *direction) condWaitTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = time.Microsecond
	}
	timer := time.AfterFunc(timeout, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	d.cond.Wait()
	timer.Stop()
}

// notifyAll wakes every goroutine parked in waitForDue. Used by Stop.
func (d *direction) notifyAll() {
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// drainAll empties the heap and returns every entry still queued, in no
// particular order. Used by Gateway.Stop to account for frames discarded
// at the stop boundary (spec §9: queued frames are discarded, not
// transmitted, so invariant P3's received == forwarded + dropped only
// holds if the caller counts what drainAll returns as dropped).
func (d *direction) drainAll() []queuedEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]queuedEntry, len(d.queue))
	copy(out, d.queue)
	d.queue = nil
	return out
}

// recordLatency appends a microsecond sample, keeping only the most recent
// LatencyWindowSize entries (spec §3 latency window).
func (d *direction) recordLatency(us float64) {
	d.latencyMu.Lock()
	defer d.latencyMu.Unlock()
	d.latency = append(d.latency, us)
	if len(d.latency) > LatencyWindowSize {
		d.latency = d.latency[len(d.latency)-LatencyWindowSize:]
	}
}

// latencySamples returns a copy of the current latency window.
func (d *direction) latencySamples() []float64 {
	d.latencyMu.Lock()
	defer d.latencyMu.Unlock()
	out := make([]float64, len(d.latency))
	copy(out, d.latency)
	return out
}

// clearLatencySamples empties the latency window without touching counters
// or the queue (spec's supplemented clear_latency_samples, distinct from
// resetAll).
func (d *direction) clearLatencySamples() {
	d.latencyMu.Lock()
	d.latency = nil
	d.latencyMu.Unlock()
}

// latencyStatsSnapshot computes min/max/mean/p95/p99 over the window using
// nearest-rank percentiles on a sorted copy (spec §4.2).
func (d *direction) latencyStatsSnapshot() (LatencyStats, bool) {
	samples := d.latencySamples()
	if len(samples) == 0 {
		return LatencyStats{}, false
	}

	min, _ := stats.Min(samples)
	max, _ := stats.Max(samples)
	mean, _ := stats.Mean(samples)
	p95, _ := stats.PercentileNearestRank(samples, 95)
	p99, _ := stats.PercentileNearestRank(samples, 99)

	return LatencyStats{
		Count: len(samples),
		Min:   min,
		Max:   max,
		Mean:  mean,
		P95:   p95,
		P99:   p99,
	}, true
}

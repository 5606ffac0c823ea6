package cangw

//
// Loopback is an in-memory [Handle] used in tests and in the "--virtual"
// CLI mode, grounded on the teacher's NewStaticReadableNIC/
// NewStaticWriteableNIC test doubles (linkfwddelay_test.go): a channel
// stands in for the kernel socket buffer.
//

import (
	"sync"
	"time"
)

// Loopback is a [Handle] backed by a buffered channel. Two Loopback
// instances created by [NewLoopbackPair] exchange frames with each other,
// simulating two ends of a point-to-point CAN segment without requiring a
// real or virtual kernel interface.
type Loopback struct {
	name string
	rx   <-chan Frame
	tx   chan<- Frame

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Handle = (*Loopback)(nil)

// NewLoopbackPair returns two [Loopback] handles named nameA/nameB whose
// Send feeds the other's Recv, wired as a point-to-point segment.
func NewLoopbackPair(nameA, nameB string) (a, b *Loopback) {
	const bufSize = 1024
	abCh := make(chan Frame, bufSize)
	baCh := make(chan Frame, bufSize)

	a = &Loopback{name: nameA, rx: baCh, tx: abCh, closed: make(chan struct{})}
	b = &Loopback{name: nameB, rx: abCh, tx: baCh, closed: make(chan struct{})}
	return a, b
}

// Name implements Handle.
func (l *Loopback) Name() string { return l.name }

// Recv implements Handle.
func (l *Loopback) Recv(timeout time.Duration) (Frame, time.Time, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.closed:
		return Frame{}, time.Time{}, ErrStackClosed
	case frame := <-l.rx:
		return frame, time.Now(), nil
	case <-timer.C:
		return Frame{}, time.Time{}, ErrNoFrame
	}
}

// Send implements Handle.
func (l *Loopback) Send(frame Frame) error {
	select {
	case <-l.closed:
		return ErrStackClosed
	default:
	}
	select {
	case l.tx <- frame.Clone():
		return nil
	case <-l.closed:
		return ErrStackClosed
	}
}

// Close implements Handle idempotently.
func (l *Loopback) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
	return nil
}

// LoopbackFactory returns a [Factory] that hands out one half of pre-wired
// [Loopback] pairs, keyed by interface name, for tests and "--virtual" mode.
func LoopbackFactory(handles map[string]*Loopback) Factory {
	return func(name string) (Handle, error) {
		h, ok := handles[name]
		if !ok {
			return nil, ErrInterfaceNotFound
		}
		return h, nil
	}
}

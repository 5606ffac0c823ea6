// Package capturelog implements the Capture Logger (C5): a binary capture
// file plus a companion metadata CSV, one pair per session.
//
// BinaryWriter is grounded on the teacher's pcapDumperNIC (netem's
// PCAPDumper): a background goroutine owns the open file and drains a
// buffered channel of packet entries, so the hot path never blocks on file
// I/O. Frames are serialized into the classic Linux struct can_frame wire
// layout before being handed to pcapgo, so the resulting artifact is
// byte-compatible with what a SocketCAN capture tool would produce from the
// same bus traffic. A genuine BLF byte-level encoder is out of scope; the
// session file keeps the .blf suffix for downstream tooling naming
// conventions while pcapgo does the actual framing.
package capturelog

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hiltest/cangw"
)

// can.h flags, mirrored from the gateway's own socketcan.go encoder so the
// two stay byte-compatible without this package importing unexported
// internals.
const (
	canEFFFlag   = 0x80000000
	canSFFMask   = 0x000007FF
	canEFFMask   = 0x1FFFFFFF
	canFrameSize = 16
)

func encodeCANFrame(f cangw.Frame) []byte {
	buf := make([]byte, canFrameSize)
	id := f.ArbitrationID
	if f.IsExtendedID {
		id = (id & canEFFMask) | canEFFFlag
	} else {
		id &= canSFFMask
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)

	dlc := len(f.Payload)
	if dlc > 8 {
		dlc = 8
	}
	buf[4] = uint8(dlc)
	copy(buf[8:8+dlc], f.Payload)
	return buf
}

// binaryEntry is one RX/TX event queued for the background writer.
type binaryEntry struct {
	channel   int // 1 for 0->1, 2 for 1->0
	sessionTs time.Duration
	frame     []byte
}

// BinaryWriter appends frame events to a .blf-suffixed binary capture file.
// [CaptureSession] writes one entry per forwarded frame, stamped with its
// transmit time; receive events are not written as separate entries.
// QUEUE and DROP events are never written here (spec §4.5); only completed
// forwards land in the binary file. The zero value is invalid; use
// [NewBinaryWriter].
type BinaryWriter struct {
	logger    cangw.Logger
	startedAt time.Time

	cancel    context.CancelFunc
	closeOnce sync.Once
	joined    chan struct{}
	entries   chan binaryEntry
}

// NewBinaryWriter creates path and starts the background writer goroutine.
// startedAt anchors the session-relative timestamps written into the file.
func NewBinaryWriter(path string, startedAt time.Time, logger cangw.Logger) (*BinaryWriter, error) {
	if logger == nil {
		logger = cangw.NullLogger{}
	}
	filep, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	const manyEntries = 4096
	w := &BinaryWriter{
		logger:    logger,
		startedAt: startedAt,
		cancel:    cancel,
		joined:    make(chan struct{}),
		entries:   make(chan binaryEntry, manyEntries),
	}
	go w.loop(ctx, filep)
	return w, nil
}

func (w *BinaryWriter) loop(ctx context.Context, filep *os.File) {
	defer close(w.joined)
	defer func() {
		if err := filep.Close(); err != nil {
			w.logger.Warnf("capturelog: BinaryWriter: close: %s", err.Error())
		}
	}()

	pw := pcapgo.NewWriter(filep)
	const snapLen = 256
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		w.logger.Warnf("capturelog: BinaryWriter: file header: %s", err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-w.entries:
					w.writeOne(pw, e)
				default:
					return
				}
			}
		case e := <-w.entries:
			w.writeOne(pw, e)
		}
	}
}

func (w *BinaryWriter) writeOne(pw *pcapgo.Writer, e binaryEntry) {
	ci := gopacket.CaptureInfo{
		Timestamp:      w.startedAt.Add(e.sessionTs),
		CaptureLength:  len(e.frame),
		Length:         len(e.frame),
		InterfaceIndex: e.channel,
	}
	if err := pw.WritePacket(ci, e.frame); err != nil {
		w.logger.Warnf("capturelog: BinaryWriter: write: %s", err.Error())
	}
}

// Append queues one RX/TX event for the background writer. It never blocks
// the caller indefinitely: a full queue drops the entry, matching the
// binary file's documented best-effort durability (spec §4.5 — the CSV, not
// the binary file, is the durable artifact).
func (w *BinaryWriter) Append(dir cangw.Direction, sessionTs time.Duration, frame cangw.Frame) {
	channel := 1
	if dir == cangw.DirectionOneToZero {
		channel = 2
	}
	select {
	case w.entries <- binaryEntry{channel: channel, sessionTs: sessionTs, frame: encodeCANFrame(frame)}:
	default:
		w.logger.Debugf("capturelog: BinaryWriter: queue full, dropping entry")
	}
}

// Close stops the background writer and waits for it to drain and close
// the file.
func (w *BinaryWriter) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		<-w.joined
	})
	return nil
}

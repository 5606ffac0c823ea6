package cangw

//
// Frame I/O Binding (C1): a raw SocketCAN endpoint. Grounded line-for-line
// on the retrieved samsamfire/gocanopen socketcanv2 driver: AF_CAN/SOCK_RAW/
// CAN_RAW socket, bound to the named interface, SO_RCVTIMEO for the
// bounded recv, and CAN_RAW_RECV_OWN_MSGS left at its default-off value so
// frames this process transmits are never re-delivered to it.
//

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Linux struct can_frame flags and masks (linux/can.h).
const (
	canEFFFlag = 0x80000000 // extended frame format
	canRTRFlag = 0x40000000 // remote transmission request
	canERRFlag = 0x20000000 // error frame
	canSFFMask = 0x000007FF
	canEFFMask = 0x1FFFFFFF

	// canFrameSize is sizeof(struct can_frame): 4 (id) + 1 (dlc) + 3 (pad)
	// + 8 (data) bytes.
	canFrameSize = 16
)

// encodeCANFrame serializes a [Frame] into the classic Linux
// struct can_frame wire layout used by SocketCAN raw sockets.
func encodeCANFrame(f Frame) []byte {
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

// decodeCANFrame parses the wire layout written by [encodeCANFrame].
func decodeCANFrame(buf []byte) (Frame, error) {
	if len(buf) < canFrameSize {
		return Frame{}, fmt.Errorf("cangw: short can_frame: %d bytes", len(buf))
	}
	raw := binary.LittleEndian.Uint32(buf[0:4])
	isExtended := raw&canEFFFlag != 0
	var id uint32
	if isExtended {
		id = raw & canEFFMask
	} else {
		id = raw & canSFFMask
	}
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}
	payload := make([]byte, dlc)
	copy(payload, buf[8:8+dlc])
	return Frame{ArbitrationID: id, Payload: payload, IsExtendedID: isExtended}, nil
}

// socketCANHandle is a [Handle] backed by a raw CAN_RAW socket.
type socketCANHandle struct {
	name string
	fd   int

	closeOnce sync.Once
}

var _ Handle = (*socketCANHandle)(nil)

// OpenSocketCAN opens name (e.g. "can0", "vcan0") as a raw CAN_RAW socket
// with self-reception disabled (spec §4.1). It is the default [Factory].
func OpenSocketCAN(name string) (Handle, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInterfaceNotFound, name, err.Error())
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, err.Error())
		}
		return nil, fmt.Errorf("cangw: socket: %w", err)
	}

	// CAN_RAW_RECV_OWN_MSGS is intentionally left unset (defaults to off):
	// this is the mechanism that disables self-reception.
	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, unix.EADDRINUSE) || errors.Is(err, unix.EBUSY) {
			return nil, fmt.Errorf("%w: %s", ErrInterfaceBusy, err.Error())
		}
		return nil, fmt.Errorf("cangw: bind: %w", err)
	}

	return &socketCANHandle{name: name, fd: fd}, nil
}

// Name implements Handle.
func (h *socketCANHandle) Name() string { return h.name }

// Recv implements Handle: it sets SO_RCVTIMEO to the requested timeout and
// issues a blocking read of exactly one can_frame.
func (h *socketCANHandle) Recv(timeout time.Duration) (Frame, time.Time, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(h.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return Frame{}, time.Time{}, fmt.Errorf("cangw: setsockopt SO_RCVTIMEO: %w", err)
	}

	buf := make([]byte, canFrameSize)
	n, err := unix.Read(h.fd, buf)
	recvTime := time.Now()
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return Frame{}, time.Time{}, ErrNoFrame
		}
		if errors.Is(err, unix.EBADF) {
			return Frame{}, time.Time{}, ErrStackClosed
		}
		return Frame{}, time.Time{}, fmt.Errorf("cangw: read: %w", err)
	}
	if n != canFrameSize {
		return Frame{}, time.Time{}, fmt.Errorf("cangw: short read: %d bytes", n)
	}

	frame, err := decodeCANFrame(buf)
	if err != nil {
		return Frame{}, time.Time{}, err
	}
	return frame, recvTime, nil
}

// Send implements Handle with a single non-blocking write of one can_frame.
func (h *socketCANHandle) Send(frame Frame) error {
	buf := encodeCANFrame(frame)
	n, err := unix.Write(h.fd, buf)
	if err != nil {
		return fmt.Errorf("cangw: write: %w", err)
	}
	if n != canFrameSize {
		return fmt.Errorf("cangw: short write: %d bytes", n)
	}
	return nil
}

// Close implements Handle idempotently.
func (h *socketCANHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = unix.Close(h.fd)
	})
	return err
}

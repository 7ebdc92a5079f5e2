//go:build linux

// Package socketcan opens Linux raw CAN sockets as bus devices.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-udstp/internal/can"
)

// pollInterval bounds how long a blocked read takes to notice Close.
const pollInterval = 200 * time.Millisecond

type Device struct {
	fd     int
	iface  string
	closed atomic.Bool
}

func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option.
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	tv := unix.NsecToTimeval(pollInterval.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set rcvtimeo: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd, iface: iface}, nil
}

// Close releases the socket; a pending ReadFrame returns ErrClosed within pollInterval.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return unix.Close(d.fd)
}

// ReadFrame reads one classic CAN frame from the raw socket.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte
	for {
		if d.closed.Load() {
			return ErrClosed
		}
		n, err := unix.Read(d.fd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			if d.closed.Load() {
				return ErrClosed
			}
			return fmt.Errorf("read can@%s: %w", d.iface, err)
		}
		if n != unix.CAN_MTU {
			return fmt.Errorf("short read: %d", n)
		}
		return unpack(buf[:], fr)
	}
}

// WriteFrame writes one classic CAN frame to the raw socket.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	pack(buf[:], fr)
	_, err := unix.Write(d.fd, buf[:])
	return err
}

// struct can_frame (linux/can.h), host byte order (little-endian on the
// supported targets):
//
//	can_id  u32 [0:4] (includes EFF/RTR/ERR flags)
//	can_dlc u8  [4]
//	pad     3B  [5:8]
//	data    8B  [8:16]
func unpack(buf []byte, fr *can.Frame) error {
	dlc := int(buf[4])
	if dlc > can.MaxLen {
		return fmt.Errorf("%w: dlc %d", can.ErrInvalidLen, dlc)
	}
	*fr = can.Frame{CANID: binary.LittleEndian.Uint32(buf[0:4]), Len: uint8(dlc)}
	copy(fr.Data[:], buf[8:8+dlc])
	return nil
}

func pack(buf []byte, fr can.Frame) {
	n := min(int(fr.Len), can.MaxLen)
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = byte(n)
	copy(buf[8:], fr.Data[:n])
}

package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/go-udstp/internal/can"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// ErrClosed is returned by ReadFrame after Close.
var ErrClosed = errors.New("serial: device closed")

// openPort is replaced in tests.
var openPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Device exposes an adapter on a serial port as a CAN device.
type Device struct {
	port  Port
	codec Codec

	rbuf    bytes.Buffer
	chunk   []byte
	pending []can.Frame

	wmu    sync.Mutex
	closed atomic.Bool
}

// Open opens the serial port. A non-zero readTimeout lets ReadFrame notice
// Close between reads.
func Open(name string, baud int, readTimeout time.Duration) (*Device, error) {
	p, err := openPort(name, baud, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return NewDevice(p), nil
}

// NewDevice wraps an already open port.
func NewDevice(p Port) *Device {
	return &Device{port: p, chunk: make([]byte, 256)}
}

// ReadFrame blocks until the next complete frame is decoded. Read timeouts
// from the port are absorbed.
func (d *Device) ReadFrame(fr *can.Frame) error {
	for len(d.pending) == 0 {
		if d.closed.Load() {
			return ErrClosed
		}
		n, err := d.port.Read(d.chunk)
		if n > 0 {
			d.rbuf.Write(d.chunk[:n])
			d.codec.DecodeStream(&d.rbuf, func(f can.Frame) { d.pending = append(d.pending, f) })
		}
		if err != nil {
			if d.closed.Load() {
				return ErrClosed
			}
			if errors.Is(err, io.EOF) { // read timeout
				continue
			}
			return err
		}
	}
	*fr = d.pending[0]
	d.pending = d.pending[1:]
	return nil
}

// WriteFrame writes one frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	_, err := d.port.Write(d.codec.Encode(fr))
	return err
}

// Close closes the port (idempotent).
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.port.Close()
}

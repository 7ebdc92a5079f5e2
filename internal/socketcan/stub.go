//go:build !linux

package socketcan

import "github.com/kstaniek/go-udstp/internal/can"

type Device struct{}

func Open(iface string) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Close() error { return nil }

func (d *Device) ReadFrame(*can.Frame) error { return ErrUnsupported }

func (d *Device) WriteFrame(can.Frame) error { return ErrUnsupported }

package socketcan

import "errors"

// ErrClosed is returned by ReadFrame once the device has been closed.
var ErrClosed = errors.New("socketcan: device closed")

// ErrUnsupported is returned by Open on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan: not supported on this platform")

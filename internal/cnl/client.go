package cnl

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/logging"
	"github.com/kstaniek/go-udstp/internal/metrics"
)

// DefaultHandshakeTimeout bounds the greeting exchange after connect.
const DefaultHandshakeTimeout = 3 * time.Second

// Conn is a cannelloni TCP connection to a remote broker. It satisfies the
// broker's device interface: one reader goroutine calls ReadFrame while a
// single writer calls WriteFrame.
type Conn struct {
	c     net.Conn
	br    *bufio.Reader
	codec Codec

	wmu  sync.Mutex
	wbuf []byte

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to addr (host:port) and performs the handshake.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	d := net.Dialer{KeepAlive: 30 * time.Second}
	c, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	conn, err := NewConn(ctx, c, timeout)
	if err != nil {
		_ = c.Close()
		metrics.IncError(metrics.ErrHandshake)
		return nil, err
	}
	logging.L().Info("cannelloni_connected", "addr", addr)
	return conn, nil
}

// NewConn performs the handshake over an established connection.
func NewConn(ctx context.Context, c net.Conn, timeout time.Duration) (*Conn, error) {
	if err := Handshake(ctx, c, timeout); err != nil {
		return nil, err
	}
	return &Conn{c: c, br: bufio.NewReaderSize(c, 4096), wbuf: make([]byte, 0, maxWireFrame)}, nil
}

// ReadFrame blocks for the next frame from the remote broker.
func (c *Conn) ReadFrame(fr *can.Frame) error {
	f, err := c.codec.Decode(c.br)
	if err != nil {
		return err
	}
	*fr = f
	return nil
}

// WriteFrame sends one frame to the remote broker.
func (c *Conn) WriteFrame(fr can.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.wbuf = c.codec.Append(c.wbuf[:0], fr)
	if _, err := c.c.Write(c.wbuf); err != nil {
		return fmt.Errorf("cannelloni write: %w", err)
	}
	return nil
}

// Close closes the connection (idempotent).
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.c.Close() })
	return c.closeErr
}

// RemoteAddr returns the broker address.
func (c *Conn) RemoteAddr() net.Addr { return c.c.RemoteAddr() }

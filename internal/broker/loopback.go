package broker

import (
	"context"
	"io"
	"sync"

	"github.com/kstaniek/go-udstp/internal/can"
)

// nullBus is a device with no wire behind it: writes succeed, reads block
// until Close. With echo enabled every sent frame still reaches local
// subscribers, which is all a simulated ECU needs.
type nullBus struct {
	once   sync.Once
	closed chan struct{}
}

func (n *nullBus) ReadFrame(*can.Frame) error {
	<-n.closed
	return io.EOF
}

func (n *nullBus) WriteFrame(can.Frame) error {
	select {
	case <-n.closed:
		return io.ErrClosedPipe
	default:
		return nil
	}
}

func (n *nullBus) Close() error {
	n.once.Do(func() { close(n.closed) })
	return nil
}

// NewLoopback returns a broker on a virtual bus where every sent frame is
// delivered back to subscribers.
func NewLoopback(parent context.Context, opts ...Option) *Broker {
	opts = append(opts, WithEcho(true))
	return New(parent, &nullBus{closed: make(chan struct{})}, opts...)
}

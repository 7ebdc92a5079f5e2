// Package broker owns one bus device: it stamps and fans received frames out
// to subscribers and serializes every transmit through a single writer.
package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/hub"
	"github.com/kstaniek/go-udstp/internal/logging"
	"github.com/kstaniek/go-udstp/internal/metrics"
	"github.com/kstaniek/go-udstp/internal/transport"
)

const (
	DefaultTxQueue = 1024
	rxBackoffMin   = 20 * time.Millisecond
	rxBackoffMax   = 500 * time.Millisecond
)

var (
	// ErrTxOverflow is returned by SendFrame when the transmit queue is full.
	ErrTxOverflow = errors.New("broker: tx queue overflow")
	// ErrClosed is returned by SendFrame after Close.
	ErrClosed = errors.New("broker: closed")
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

type Broker struct {
	dev transport.Device
	hub *hub.Hub
	tx  *transport.AsyncTx
	log *slog.Logger

	txQueue int
	echo    bool
	now     func() time.Time

	// deliverMu keeps Seq order equal to broadcast order across the RX and
	// TX-echo paths.
	deliverMu sync.Mutex
	seq       uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	rxAlive   atomic.Bool
	closeOnce sync.Once
}

type Option func(*Broker)

// WithLogger sets the logger (default: logging.L()).
func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.log = l } }

// WithTxQueue sets the transmit queue capacity.
func WithTxQueue(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.txQueue = n
		}
	}
}

// WithHubBuffer sets the per-subscriber queue capacity.
func WithHubBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.hub.OutBufSize = n
		}
	}
}

// WithEcho controls whether successfully written frames are delivered to
// local subscribers (default true). Devices that already loop back their own
// traffic should disable it.
func WithEcho(on bool) Option { return func(b *Broker) { b.echo = on } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(b *Broker) { b.now = now } }

// New starts the RX loop and TX worker for dev. Close stops both and closes dev.
func New(parent context.Context, dev transport.Device, opts ...Option) *Broker {
	ctx, cancel := context.WithCancel(parent)
	b := &Broker{
		dev:     dev,
		hub:     hub.New(),
		txQueue: DefaultTxQueue,
		echo:    true,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(b)
	}
	b.log = logging.Or(b.log)
	b.tx = transport.NewAsyncTx(ctx, b.txQueue, dev.WriteFrame, transport.Hooks{
		OnError: func(fr can.Frame, err error) {
			metrics.IncError(metrics.ErrBusWrite)
			b.log.Error("bus_write_error", "frame", fr.String(), "error", err)
		},
		OnAfter: func(fr can.Frame) {
			metrics.IncBusTx()
			if b.echo {
				b.deliver(fr)
			}
		},
		OnDrop: func(fr can.Frame) error {
			metrics.IncError(metrics.ErrBusOverflow)
			return ErrTxOverflow
		},
	})
	b.rxAlive.Store(true)
	b.wg.Add(1)
	go b.rxLoop()
	return b
}

func (b *Broker) rxLoop() {
	defer b.wg.Done()
	defer b.rxAlive.Store(false)
	defer b.log.Debug("bus_rx_end")
	backoff := rxBackoffMin
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}
		var fr can.Frame
		if err := b.dev.ReadFrame(&fr); err != nil {
			if b.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				b.log.Warn("bus_rx_closed", "error", err)
				return
			}
			metrics.IncError(metrics.ErrBusRead)
			b.log.Warn("bus_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = min(backoff*2, rxBackoffMax)
			continue
		}
		metrics.IncBusRx()
		b.deliver(fr)
		backoff = rxBackoffMin
	}
}

func (b *Broker) deliver(fr can.Frame) {
	b.deliverMu.Lock()
	b.seq++
	fr.Seq = b.seq
	fr.Timestamp = b.now()
	b.hub.Broadcast(fr)
	b.deliverMu.Unlock()
}

// SendFrame queues fr for transmission. It never blocks.
func (b *Broker) SendFrame(fr can.Frame) error {
	if err := b.tx.SendFrame(fr); err != nil {
		if errors.Is(err, transport.ErrAsyncTxClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Attach subscribes to frames accepted by filter. buf <= 0 uses the hub default.
func (b *Broker) Attach(filter hub.Filter, buf int) *hub.Client {
	if buf <= 0 {
		return b.hub.Attach(filter)
	}
	c := hub.NewClient(buf, filter)
	b.hub.Add(c)
	return c
}

// Detach removes a subscriber; safe to call more than once.
func (b *Broker) Detach(c *hub.Client) { b.hub.Remove(c) }

// Subscribers returns the number of attached clients.
func (b *Broker) Subscribers() int { return b.hub.Count() }

// Ready reports whether the RX loop is still running.
func (b *Broker) Ready() bool { return b.rxAlive.Load() }

// Close stops the RX loop and TX worker, closes the device and all subscribers.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		err = b.dev.Close()
		b.tx.Close()
		b.wg.Wait()
		b.hub.Close()
	})
	return err
}

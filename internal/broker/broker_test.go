package broker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/hub"
	"github.com/kstaniek/go-udstp/internal/logging"
	"github.com/kstaniek/go-udstp/internal/metrics"
)

type fakeDev struct {
	rx      chan can.Frame
	rxErr   chan error
	mu      sync.Mutex
	written []can.Frame
	block   chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newFakeDev() *fakeDev {
	return &fakeDev{rx: make(chan can.Frame, 16), rxErr: make(chan error, 16), closed: make(chan struct{})}
}

func (d *fakeDev) ReadFrame(fr *can.Frame) error {
	select {
	case f := <-d.rx:
		*fr = f
		return nil
	case err := <-d.rxErr:
		return err
	case <-d.closed:
		return io.EOF
	}
}

func (d *fakeDev) WriteFrame(fr can.Frame) error {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	d.written = append(d.written, fr)
	d.mu.Unlock()
	return nil
}

func (d *fakeDev) Close() error { d.once.Do(func() { close(d.closed) }); return nil }

func recv(t *testing.T, c *hub.Client) can.Frame {
	t.Helper()
	select {
	case f := <-c.Out:
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return can.Frame{}
	}
}

func TestBrokerDeliversRxWithSeq(t *testing.T) {
	dev := newFakeDev()
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(context.Background(), dev, WithLogger(logging.Discard()), WithClock(func() time.Time { return stamp }))
	defer b.Close()
	sub := b.Attach(hub.ByID(0x7E8), 0)

	other, _ := can.New(0x123, []byte{1})
	resp, _ := can.New(0x7E8, []byte{0x02, 0x50, 0x03})
	dev.rx <- other
	dev.rx <- resp
	dev.rx <- resp

	f1 := recv(t, sub)
	f2 := recv(t, sub)
	assert.Equal(t, uint32(0x7E8), f1.ID())
	assert.Greater(t, f2.Seq, f1.Seq)
	assert.Equal(t, stamp, f1.Timestamp)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBrokerEchoesSentFrames(t *testing.T) {
	dev := newFakeDev()
	b := New(context.Background(), dev, WithLogger(logging.Discard()))
	defer b.Close()
	sub := b.Attach(nil, 4)

	req, _ := can.New(0x7E0, []byte{0x02, 0x10, 0x03})
	require.NoError(t, b.SendFrame(req))
	got := recv(t, sub)
	assert.Equal(t, "7E0#021003", got.String())
	dev.mu.Lock()
	assert.Len(t, dev.written, 1)
	dev.mu.Unlock()
}

func TestBrokerWithoutEcho(t *testing.T) {
	dev := newFakeDev()
	b := New(context.Background(), dev, WithEcho(false), WithLogger(logging.Discard()))
	defer b.Close()
	sub := b.Attach(nil, 4)
	req, _ := can.New(0x7E0, []byte{0x01, 0x3E})
	require.NoError(t, b.SendFrame(req))
	select {
	case f := <-sub.Out:
		t.Fatalf("unexpected echo %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerTxOverflow(t *testing.T) {
	dev := newFakeDev()
	dev.block = make(chan struct{})
	b := New(context.Background(), dev, WithTxQueue(2), WithLogger(logging.Discard()))
	defer b.Close()
	defer close(dev.block)
	before := metrics.Snap().Errors

	var overflow error
	for i := 0; i < 5; i++ {
		if err := b.SendFrame(can.Frame{CANID: uint32(i)}); err != nil && overflow == nil {
			overflow = err
		}
	}
	assert.ErrorIs(t, overflow, ErrTxOverflow)
	assert.Greater(t, metrics.Snap().Errors, before)
}

func TestBrokerBackoffProgression(t *testing.T) {
	dev := newFakeDev()
	for i := 0; i < 8; i++ {
		dev.rxErr <- errors.New("bus off")
	}
	var mu sync.Mutex
	var seen []time.Duration
	done := make(chan struct{})
	sleepFn = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, d)
		if len(seen) == 6 {
			close(done)
		}
	}
	defer func() { sleepFn = time.Sleep }()

	b := New(context.Background(), dev, WithLogger(logging.Discard()))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("backoff not observed")
	}
	require.NoError(t, b.Close())

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 6)
	assert.Equal(t, rxBackoffMin, seen[0])
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
		assert.LessOrEqual(t, seen[i], rxBackoffMax)
	}
	assert.Equal(t, rxBackoffMax, seen[5])
}

func TestBrokerCloseIdempotent(t *testing.T) {
	b := NewLoopback(context.Background(), WithLogger(logging.Discard()))
	sub := b.Attach(nil, 1)
	assert.True(t, b.Ready())
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.False(t, b.Ready())
	select {
	case <-sub.Closed:
	default:
		t.Fatal("subscriber not closed")
	}
	assert.ErrorIs(t, b.SendFrame(can.Frame{}), ErrClosed)
}

func TestLoopbackOrdering(t *testing.T) {
	b := NewLoopback(context.Background(), WithLogger(logging.Discard()))
	defer b.Close()
	sub := b.Attach(hub.ByID(0x7E0), 32)
	for i := 0; i < 10; i++ {
		f, _ := can.New(0x7E0, []byte{byte(0x20 | i)})
		require.NoError(t, b.SendFrame(f))
	}
	var last uint64
	for i := 0; i < 10; i++ {
		f := recv(t, sub)
		assert.Equal(t, byte(0x20|i), f.Data[0])
		assert.Greater(t, f.Seq, last)
		last = f.Seq
	}
}

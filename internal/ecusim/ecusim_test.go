package ecusim

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-udstp/internal/broker"
	"github.com/kstaniek/go-udstp/internal/hub"
	"github.com/kstaniek/go-udstp/internal/isotp"
	"github.com/kstaniek/go-udstp/internal/logging"
	"github.com/kstaniek/go-udstp/internal/signals"
)

var testCh = signals.Channel{
	Send:    signals.Signal{Namespace: "Body", Name: "DiagReq", ID: 0x7E0},
	Receive: signals.Signal{Namespace: "Body", Name: "DiagResp", ID: 0x7E8},
}

func longReply() []byte {
	resp := []byte{0x62, 0xF1, 0x90}
	resp = append(resp, bytes.Repeat([]byte{0xAB}, 77)...)
	return resp
}

func setup(t *testing.T, h Handler, opts ...Option) (*broker.Broker, *ECU) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := broker.NewLoopback(ctx, broker.WithLogger(logging.Discard()))
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	e := New(b, testCh, h, opts...)
	done := e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-done
		_ = b.Close()
	})
	return b, e
}

func send(t *testing.T, b *broker.Broker, sig signals.Signal, data []byte) {
	t.Helper()
	fr, err := sig.Frame(data)
	require.NoError(t, err)
	require.NoError(t, b.SendFrame(fr))
}

func next(t *testing.T, c *hub.Client) []byte {
	t.Helper()
	select {
	case fr := <-c.Out:
		return fr.Payload()
	case <-time.After(time.Second):
		t.Fatal("no frame from ecu")
		return nil
	}
}

func TestStatic(t *testing.T) {
	h, err := Static(map[string]string{"22 F1 90": "62F19001"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x62, 0xF1, 0x90, 0x01}, h([]byte{0x22, 0xF1, 0x90}))
	assert.Nil(t, h([]byte{0x10, 0x03}))

	_, err = Static(map[string]string{"zz": "00"})
	assert.Error(t, err)
}

func TestSingleFrameReply(t *testing.T) {
	h, err := Static(map[string]string{"1003": "5003003201F4"})
	require.NoError(t, err)
	b, _ := setup(t, h)
	c := b.Attach(testCh.Receive.Matches, 16)
	defer b.Detach(c)

	send(t, b, testCh.Send, []byte{0x02, 0x10, 0x03, 0, 0, 0, 0, 0})
	got := next(t, c)
	assert.Equal(t, []byte{0x06, 0x50, 0x03, 0x00, 0x32, 0x01, 0xF4, 0x00}, got)
}

func TestSegmentedReplyHonoursFlowControl(t *testing.T) {
	b, e := setup(t, func([]byte) []byte { return longReply() })
	c := b.Attach(testCh.Receive.Matches, 64)
	defer b.Detach(c)

	send(t, b, testCh.Send, []byte{0x03, 0x22, 0xF1, 0x90, 0, 0, 0, 0})
	frames := [][]byte{next(t, c)}
	assert.Equal(t, byte(0x10), frames[0][0])
	assert.Equal(t, byte(80), frames[0][1])

	// block size 4: two flow-control rounds of 4, then the last 3
	fc := isotp.FlowControlParams{Flag: isotp.FlowContinue, BlockSize: 4}
	for len(frames) < 12 {
		send(t, b, testCh.Send, fc.Frame(0))
		for i := 0; i < 4 && len(frames) < 12; i++ {
			frames = append(frames, next(t, c))
		}
	}
	payload, err := isotp.Decode(frames)
	require.NoError(t, err)
	assert.Equal(t, longReply(), payload)

	require.Eventually(t, func() bool { s, _ := e.Stats(); return s == 1 }, time.Second, 5*time.Millisecond)
}

func TestSegmentedReplyAbortsWithoutFlowControl(t *testing.T) {
	b, e := setup(t, func([]byte) []byte { return longReply() }, WithBlockTimeout(50*time.Millisecond))
	c := b.Attach(testCh.Receive.Matches, 64)
	defer b.Detach(c)

	send(t, b, testCh.Send, []byte{0x03, 0x22, 0xF1, 0x90, 0, 0, 0, 0})
	assert.Equal(t, byte(0x10), next(t, c)[0])
	require.Eventually(t, func() bool { _, a := e.Stats(); return a == 1 }, time.Second, 5*time.Millisecond)

	// a late flow control does not resume the aborted transfer
	send(t, b, testCh.Send, isotp.DefaultFlowControl().Frame(0))
	select {
	case fr := <-c.Out:
		t.Fatalf("unexpected frame after abort: %s", fr.String())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOverflowAbortsReply(t *testing.T) {
	b, e := setup(t, func([]byte) []byte { return longReply() })
	c := b.Attach(testCh.Receive.Matches, 64)
	defer b.Detach(c)

	send(t, b, testCh.Send, []byte{0x03, 0x22, 0xF1, 0x90, 0, 0, 0, 0})
	next(t, c)
	send(t, b, testCh.Send, isotp.FlowControlParams{Flag: isotp.FlowOverflow}.Frame(0))
	require.Eventually(t, func() bool { _, a := e.Stats(); return a == 1 }, time.Second, 5*time.Millisecond)
}

func TestSegmentedRequest(t *testing.T) {
	got := make(chan []byte, 1)
	b, _ := setup(t, func(req []byte) []byte {
		got <- req
		return []byte{0x6E, 0xF1, 0x90}
	}, WithFlowControl(0, 0))
	c := b.Attach(testCh.Receive.Matches, 64)
	defer b.Detach(c)

	req := append([]byte{0x2E, 0xF1, 0x90}, bytes.Repeat([]byte{0x11}, 17)...)
	frames, err := isotp.Encode(req)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	send(t, b, testCh.Send, frames[0])
	fc := next(t, c)
	assert.Equal(t, byte(0x30), fc[0])
	for _, f := range frames[1:] {
		send(t, b, testCh.Send, f)
	}
	select {
	case r := <-got:
		assert.Equal(t, req, r)
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
	assert.Equal(t, []byte{0x03, 0x6E, 0xF1, 0x90, 0, 0, 0, 0}, next(t, c))
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := broker.NewLoopback(ctx, broker.WithLogger(logging.Discard()))
	defer b.Close()
	e := New(b, testCh, func([]byte) []byte { return nil }, WithLogger(logging.Discard()))
	done := make(chan struct{})
	go func() { e.Run(ctx); close(done) }()
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 0, b.Subscribers())
}

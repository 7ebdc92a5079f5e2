package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-udstp/internal/broker"
	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/capture"
	"github.com/kstaniek/go-udstp/internal/ecusim"
	"github.com/kstaniek/go-udstp/internal/hub"
	"github.com/kstaniek/go-udstp/internal/isotp"
	"github.com/kstaniek/go-udstp/internal/logging"
	"github.com/kstaniek/go-udstp/internal/signals"
	"github.com/kstaniek/go-udstp/internal/uds"
)

var diag = signals.Channel{
	Send:    signals.Signal{Namespace: "ChassisCANhs", Name: "DiagReqBody", ID: 0x735},
	Receive: signals.Signal{Namespace: "ChassisCANhs", Name: "DiagResBody", ID: 0x73D},
}

var vinRequest = []byte{0x22, 0xF1, 0x90}

func vinReply() []byte {
	return append([]byte{0x62, 0xF1, 0x90}, bytes.Repeat([]byte{0x56}, 77)...)
}

type rig struct {
	b   *broker.Broker
	s   *Session
	ecu *ecusim.ECU
}

func newRig(t *testing.T, withECU bool, opts ...Option) *rig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &rig{b: broker.NewLoopback(ctx, broker.WithLogger(logging.Discard()))}
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	r.s = New(r.b, opts...)
	var done <-chan struct{}
	if withECU {
		h, err := ecusim.Static(map[string]string{
			"22F190": uds.Hex(vinReply()),
			"1003":   "5003003201F4",
		})
		require.NoError(t, err)
		r.ecu = ecusim.New(r.b, diag, h, ecusim.WithLogger(logging.Discard()))
		done = r.ecu.Start(ctx)
	}
	t.Cleanup(func() {
		_ = r.s.Close()
		cancel()
		if done != nil {
			<-done
		}
		_ = r.b.Close()
	})
	return r
}

func (r *rig) raw(t *testing.T, sig signals.Signal) *hub.Client {
	t.Helper()
	c := r.b.Attach(sig.Matches, 256)
	t.Cleanup(func() { r.b.Detach(c) })
	return c
}

func (r *rig) inject(t *testing.T, sig signals.Signal, data []byte) {
	t.Helper()
	fr, err := sig.Frame(data)
	require.NoError(t, err)
	require.NoError(t, r.b.SendFrame(fr))
}

func drain(c *hub.Client, d time.Duration) [][]byte {
	var out [][]byte
	deadline := time.After(d)
	for {
		select {
		case fr := <-c.Out:
			out = append(out, fr.Payload())
		case <-deadline:
			return out
		}
	}
}

func TestFlowControlDelayAgainstBlockTimeout(t *testing.T) {
	cases := []struct {
		name   string
		delay  time.Duration
		frames int
	}{
		{"within N_Bs", 950 * time.Millisecond, 12},
		{"after N_Bs", 1050 * time.Millisecond, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newRig(t, true)
			require.NoError(t, r.s.Configure(diag, isotp.FlowControlParams{
				Flag:  isotp.FlowContinue,
				Delay: tc.delay,
				Auto:  true,
			}))
			_, err := r.s.Subscribe(diag.Receive, 0)
			require.NoError(t, err)

			require.NoError(t, r.s.Send(context.Background(), diag, vinRequest))
			time.Sleep(1500 * time.Millisecond)

			assert.Equal(t, tc.frames, r.s.FrameCount(diag.Receive))
			msgs := r.s.Update(diag.Receive)
			if tc.frames == 12 {
				require.Len(t, msgs, 1)
				assert.Equal(t, vinReply(), msgs[0].Payload)
			} else {
				assert.Empty(t, msgs)
				_, aborted := r.ecu.Stats()
				assert.Equal(t, 1, aborted)
			}
		})
	}
}

func TestRequestSegmentedReply(t *testing.T) {
	r := newRig(t, true)
	require.NoError(t, r.s.Configure(diag, isotp.FlowControlParams{Flag: isotp.FlowContinue, BlockSize: 2, Auto: true}))
	tester := r.raw(t, diag.Send)

	msgs, err := r.s.Request(context.Background(), diag, vinRequest, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, vinReply(), msgs[0].Payload)
	assert.Equal(t, diag.Receive, msgs[0].Signal)

	// request SF, then one flow control after the FF and after every 2 CFs
	// until the last block: 11 CFs -> FC after CF 2,4,6,8,10
	sent := drain(tester, 100*time.Millisecond)
	var fcs int
	for _, f := range sent {
		if f[0]>>4 == byte(isotp.PCIFlowControl) {
			fcs++
			assert.Equal(t, []byte{0x30, 0x02, 0x00}, f[:3])
		}
	}
	assert.Equal(t, 6, fcs)
}

func TestRequestSegmentedReplyDefaultFlowControl(t *testing.T) {
	r := newRig(t, true)
	tester := r.raw(t, diag.Send)

	// no Configure: the ECU only sends its CFs after an automatic FC
	msgs, err := r.s.Request(context.Background(), diag, vinRequest, 1500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, vinReply(), msgs[0].Payload)
	assert.True(t, r.s.FlowControl(diag).Auto)

	var fcs int
	for _, f := range drain(tester, 100*time.Millisecond) {
		if f[0]>>4 == byte(isotp.PCIFlowControl) {
			fcs++
			assert.Equal(t, []byte{0x30, 0x00, 0x00}, f[:3])
		}
	}
	assert.Equal(t, 1, fcs)
	assert.Eventually(t, func() bool {
		served, aborted := r.ecu.Stats()
		return served == 1 && aborted == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBufferKeepsLateFrameFromSlowListener(t *testing.T) {
	b := newBuffer(diag.Receive)
	frame := func(seq uint64, first byte) can.Frame {
		fr, err := diag.Receive.Frame([]byte{first, 0xAA})
		require.NoError(t, err)
		fr.Seq = seq
		return fr
	}
	assert.True(t, b.append(frame(2, 0x01)))
	assert.True(t, b.append(frame(1, 0x02)))
	assert.False(t, b.append(frame(2, 0x01)))
	assert.False(t, b.append(frame(1, 0x02)))
	assert.True(t, b.append(frame(3, 0x01)))

	var seqs []uint64
	for _, f := range b.snapshot() {
		seqs = append(seqs, f.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestBufferForgetsOldSequenceNumbers(t *testing.T) {
	b := newBuffer(diag.Receive)
	fr, err := diag.Receive.Frame([]byte{0x01, 0xAA})
	require.NoError(t, err)
	for seq := uint64(1); seq <= seenWindow+1; seq++ {
		fr.Seq = seq
		require.True(t, b.append(fr))
	}
	assert.Len(t, b.seen, seenWindow)
	_, kept := b.seen[1]
	assert.False(t, kept)
}

func TestRequestSingleFrame(t *testing.T) {
	r := newRig(t, true)
	msgs, err := r.s.Request(context.Background(), diag, []byte{0x10, 0x03}, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "5003003201F4", msgs[0].Hex())
}

func TestRequestNoResponse(t *testing.T) {
	r := newRig(t, false)
	_, err := r.s.Request(context.Background(), diag, []byte{0x3E, 0x00}, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestSendSegmentedRequest(t *testing.T) {
	r := newRig(t, false)
	got := make(chan []byte, 1)
	e := ecusim.New(r.b, diag, func(req []byte) []byte { got <- req; return nil },
		ecusim.WithFlowControl(2, 2*time.Millisecond), ecusim.WithLogger(logging.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	done := e.Start(ctx)
	defer func() { cancel(); <-done }()

	req := append([]byte{0x2E, 0xF1, 0x90}, bytes.Repeat([]byte{0x42}, 40)...)
	require.NoError(t, r.s.Send(context.Background(), diag, req))
	select {
	case p := <-got:
		assert.Equal(t, req, p)
	case <-time.After(time.Second):
		t.Fatal("ecu did not receive the request")
	}
}

// answerFirstFrame replies to the tester's first frame with the given flow
// control frames.
func answerFirstFrame(t *testing.T, r *rig, replies ...[]byte) {
	t.Helper()
	c := r.raw(t, diag.Send)
	go func() {
		for fr := range c.Out {
			if fr.Data[0]>>4 != byte(isotp.PCIFirst) {
				continue
			}
			for _, p := range replies {
				f, _ := diag.Receive.Frame(p)
				_ = r.b.SendFrame(f)
			}
			return
		}
	}()
}

func TestSendOverflow(t *testing.T) {
	r := newRig(t, false)
	answerFirstFrame(t, r, []byte{0x32, 0, 0, 0, 0, 0, 0, 0})
	err := r.s.Send(context.Background(), diag, bytes.Repeat([]byte{1}, 20))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestSendFlowControlTimeout(t *testing.T) {
	r := newRig(t, false, WithFlowControlTimeout(50*time.Millisecond))
	start := time.Now()
	err := r.s.Send(context.Background(), diag, bytes.Repeat([]byte{1}, 20))
	assert.ErrorIs(t, err, ErrFlowControlTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSendTooManyWaits(t *testing.T) {
	r := newRig(t, false, WithMaxWaitFrames(2))
	wait := []byte{0x31, 0, 0, 0, 0, 0, 0, 0}
	answerFirstFrame(t, r, wait, wait, wait)
	err := r.s.Send(context.Background(), diag, bytes.Repeat([]byte{1}, 20))
	assert.ErrorIs(t, err, ErrTooManyWaits)
}

func TestSendRejectsBadPayload(t *testing.T) {
	r := newRig(t, false)
	assert.ErrorIs(t, r.s.Send(context.Background(), diag, nil), isotp.ErrEmptyPayload)
	assert.ErrorIs(t, r.s.Send(context.Background(), diag, make([]byte, 5000)), isotp.ErrPayloadTooLong)
}

func TestConfigureRejectsInvalidParams(t *testing.T) {
	r := newRig(t, false)
	err := r.s.Configure(diag, isotp.FlowControlParams{Flag: isotp.FlowContinue, SeparationTime: 200 * time.Millisecond})
	var ce *isotp.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "separation_time", ce.Field)
	assert.ErrorIs(t, err, isotp.ErrConfiguration)

	err = r.s.Configure(diag, isotp.FlowControlParams{Flag: 7})
	assert.ErrorIs(t, err, isotp.ErrConfiguration)

	// rejected parameters leave the defaults in place
	assert.Equal(t, isotp.DefaultFlowControl(), r.s.FlowControl(diag))
}

func TestManualFlowControl(t *testing.T) {
	r := newRig(t, false)
	p := isotp.FlowControlParams{Flag: isotp.FlowContinue, BlockSize: 2, SeparationTime: 5 * time.Millisecond}
	require.NoError(t, r.s.Configure(diag, p))
	tester := r.raw(t, diag.Send)
	_, err := r.s.Subscribe(diag.Receive, 0)
	require.NoError(t, err)

	// Auto is off: a first frame is buffered but not answered
	r.inject(t, diag.Receive, []byte{0x10, 0x14, 1, 2, 3, 4, 5, 6})
	require.NoError(t, r.s.WaitFrames(context.Background(), diag.Receive, 1))
	assert.Empty(t, drain(tester, 50*time.Millisecond))

	require.NoError(t, r.s.SendFlowControl(diag))
	sent := drain(tester, 100*time.Millisecond)
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{0x30, 0x02, 0x05, 0, 0, 0, 0, 0}, sent[0])
}

func TestPeriodicStartStopImmediately(t *testing.T) {
	r := newRig(t, false)
	hb := signals.Signal{Namespace: "ChassisCANhs", Name: "NMHeartbeat", ID: 0x51F}
	c := r.raw(t, hb)
	require.NoError(t, r.s.StartHeartbeat(hb, []byte{0x01, 0x00}, 100*time.Millisecond))
	assert.True(t, r.s.StopHeartbeat())
	assert.Empty(t, drain(c, 250*time.Millisecond))
	assert.False(t, r.s.StopHeartbeat())
}

func TestPeriodicSends(t *testing.T) {
	r := newRig(t, false)
	sig := signals.Signal{Namespace: "ChassisCANhs", Name: "Ping", ID: 0x100}
	c := r.raw(t, sig)
	require.NoError(t, r.s.StartPeriodic("ping", sig, []byte{0xAA}, 10*time.Millisecond))
	assert.ErrorIs(t, r.s.StartPeriodic("ping", sig, []byte{0xAA}, 10*time.Millisecond), ErrTaskExists)
	assert.Equal(t, []string{"ping"}, r.s.Periodic())

	var n int
	for n < 3 {
		select {
		case fr := <-c.Out:
			assert.Equal(t, []byte{0xAA}, fr.Payload())
			n++
		case <-time.After(time.Second):
			t.Fatal("periodic frames missing")
		}
	}
	r.s.StopPeriodicAll()
	assert.Empty(t, r.s.Periodic())
}

func TestPeriodicRejectsInvalidConfig(t *testing.T) {
	r := newRig(t, false)
	sig := signals.Signal{Name: "Ping", ID: 0x100}
	var ce *isotp.ConfigError
	assert.ErrorAs(t, r.s.StartPeriodic("a", sig, []byte{1}, 0), &ce)
	assert.ErrorAs(t, r.s.StartPeriodic("b", sig, make([]byte, 9), time.Second), &ce)
	assert.ErrorAs(t, r.s.StartPeriodic("c", sig, nil, time.Second), &ce)
	assert.Empty(t, r.s.Periodic())
}

func TestTesterPresent(t *testing.T) {
	r := newRig(t, false)
	c := r.raw(t, diag.Send)
	require.NoError(t, r.s.StartTesterPresent(diag, 10*time.Millisecond))
	select {
	case fr := <-c.Out:
		assert.Equal(t, []byte{0x02, 0x3E, 0x80, 0, 0, 0, 0, 0}, fr.Payload())
	case <-time.After(time.Second):
		t.Fatal("no tester present")
	}
	assert.True(t, r.s.StopTesterPresent(diag))
}

func TestSubscriptionTimeout(t *testing.T) {
	r := newRig(t, false)
	sub, err := r.s.Subscribe(diag.Receive, 30*time.Millisecond)
	require.NoError(t, err)
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not expire")
	}
	assert.ErrorIs(t, sub.Err(), context.DeadlineExceeded)
	assert.Equal(t, 0, r.s.Subscriptions())

	// the listener is gone: later traffic is not buffered
	r.inject(t, diag.Receive, []byte{0x02, 0x7E, 0x00})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, r.s.FrameCount(diag.Receive))
}

func TestUnsubscribeAllIdempotent(t *testing.T) {
	r := newRig(t, false)
	_, err := r.s.Subscribe(diag.Receive, 0)
	require.NoError(t, err)
	sub, err := r.s.Subscribe(diag.Send, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, r.s.Subscriptions())

	r.s.UnsubscribeAll()
	r.s.UnsubscribeAll()
	assert.Equal(t, 0, r.s.Subscriptions())
	assert.ErrorIs(t, sub.Err(), context.Canceled)
	r.s.Unsubscribe(sub)
}

func TestDuplicateSubscriptionsBufferOnce(t *testing.T) {
	r := newRig(t, false)
	for i := 0; i < 3; i++ {
		_, err := r.s.Subscribe(diag.Receive, 0)
		require.NoError(t, err)
	}
	for i := byte(1); i <= 3; i++ {
		r.inject(t, diag.Receive, []byte{0x01, i})
	}
	require.NoError(t, r.s.WaitFrames(context.Background(), diag.Receive, 3))
	time.Sleep(50 * time.Millisecond)
	frames := r.s.Frames(diag.Receive)
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, byte(i+1), f.Data[1])
	}
	msgs := r.s.Update(diag.Receive)
	assert.Len(t, msgs, 3)
	assert.Equal(t, msgs, r.s.Messages(diag.Receive))

	r.s.Clear(diag.Receive)
	assert.Equal(t, 0, r.s.FrameCount(diag.Receive))
}

func TestWaitFramesContext(t *testing.T) {
	r := newRig(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.s.WaitFrames(ctx, diag.Receive, 1), context.DeadlineExceeded)
}

func TestCloseStopsEverything(t *testing.T) {
	r := newRig(t, false)
	sub, err := r.s.Subscribe(diag.Receive, 0)
	require.NoError(t, err)
	r.inject(t, diag.Receive, []byte{0x01, 0x7F})
	require.NoError(t, r.s.WaitFrames(context.Background(), diag.Receive, 1))
	require.NoError(t, r.s.StartPeriodic("p", diag.Send, []byte{1}, time.Millisecond))

	require.NoError(t, r.s.Close())
	require.NoError(t, r.s.Close())
	<-sub.Done()
	assert.True(t, errors.Is(sub.Err(), context.Canceled))

	assert.ErrorIs(t, r.s.Send(context.Background(), diag, []byte{1}), ErrClosed)
	assert.ErrorIs(t, r.s.StartPeriodic("q", diag.Send, []byte{1}, time.Second), ErrClosed)
	_, err = r.s.Subscribe(diag.Receive, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.s.SendFlowControl(diag), ErrClosed)
	assert.Equal(t, 1, r.s.FrameCount(diag.Receive))
}

func TestDump(t *testing.T) {
	r := newRig(t, true)
	_, err := r.s.Subscribe(diag.Send, 0)
	require.NoError(t, err)
	_, err = r.s.Request(context.Background(), diag, []byte{0x10, 0x03}, time.Second)
	require.NoError(t, err)
	require.NoError(t, r.s.WaitFrames(context.Background(), diag.Send, 1))

	var buf bytes.Buffer
	n, err := r.s.Dump(&buf, "unit")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := capture.Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, r.s.ID().String(), rec.Header.SessionID)
	assert.Equal(t, "unit", rec.Header.Note)
	require.Len(t, rec.Frames, 2)
	assert.Equal(t, diag.Send.Key(), rec.Frames[0].Signal)
	assert.Equal(t, diag.Receive.Key(), rec.Frames[1].Signal)
	assert.Less(t, rec.Frames[0].Seq, rec.Frames[1].Seq)
}

// Package ecusim is a minimal ISO-TP responder used to exercise sessions
// without hardware. It answers requests on a channel's send signal with a
// handler's reply on the receive signal, segmenting long replies and
// honouring the tester's flow control with an N_Bs deadline.
package ecusim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/hub"
	"github.com/kstaniek/go-udstp/internal/isotp"
	"github.com/kstaniek/go-udstp/internal/logging"
	"github.com/kstaniek/go-udstp/internal/metrics"
	"github.com/kstaniek/go-udstp/internal/signals"
	"github.com/kstaniek/go-udstp/internal/uds"
)

// Bus is what the simulator needs from the broker.
type Bus interface {
	SendFrame(can.Frame) error
	Attach(filter hub.Filter, buf int) *hub.Client
	Detach(*hub.Client)
}

// Handler maps a reassembled request to its reply. A nil reply sends nothing.
type Handler func(req []byte) []byte

// Static answers requests found in m (hex request -> hex reply) and ignores
// everything else.
func Static(m map[string]string) (Handler, error) {
	table := make(map[string][]byte, len(m))
	for req, resp := range m {
		k, err := uds.ParseHex(req)
		if err != nil {
			return nil, fmt.Errorf("ecusim: request %q: %w", req, err)
		}
		v, err := uds.ParseHex(resp)
		if err != nil {
			return nil, fmt.Errorf("ecusim: reply to %q: %w", req, err)
		}
		table[uds.Hex(k)] = v
	}
	return func(req []byte) []byte { return table[uds.Hex(req)] }, nil
}

var (
	ErrAborted = errors.New("ecusim: transfer aborted")
	ErrTimeout = errors.New("ecusim: no flow control within N_Bs")
)

type ECU struct {
	bus     Bus
	ch      signals.Channel
	handler Handler
	log     *slog.Logger

	blockTimeout time.Duration
	stmin        time.Duration
	blockSize    uint8
	padding      byte

	rx    isotp.RxTracker
	fc    chan isotp.PCI
	reply chan []byte
	wg    sync.WaitGroup

	mu      sync.Mutex
	aborted int
	served  int
}

type Option func(*ECU)

// WithBlockTimeout sets how long a segmented reply waits for flow control.
func WithBlockTimeout(d time.Duration) Option {
	return func(e *ECU) {
		if d > 0 {
			e.blockTimeout = d
		}
	}
}

// WithFlowControl sets the block size and separation time the ECU asks of a
// tester sending it a segmented request.
func WithFlowControl(bs uint8, st time.Duration) Option {
	return func(e *ECU) { e.blockSize, e.stmin = bs, st }
}

func WithPadding(b byte) Option { return func(e *ECU) { e.padding = b } }

func WithLogger(l *slog.Logger) Option { return func(e *ECU) { e.log = l } }

// New returns an ECU for ch. Call Run to start it.
func New(bus Bus, ch signals.Channel, h Handler, opts ...Option) *ECU {
	e := &ECU{
		bus:          bus,
		ch:           ch,
		handler:      h,
		blockTimeout: isotp.DefaultBlockTimeout,
		fc:           make(chan isotp.PCI, 8),
		reply:        make(chan []byte, 4),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = logging.Or(e.log).With("ecu", ch.Receive.Key())
	return e
}

// Run serves requests until ctx ends.
func (e *ECU) Run(ctx context.Context) {
	e.serve(ctx, e.bus.Attach(e.ch.Send.Matches, 256))
}

// Start attaches to the bus before returning and serves in the background.
// The returned channel is closed once serving stopped.
func (e *ECU) Start(ctx context.Context) <-chan struct{} {
	client := e.bus.Attach(e.ch.Send.Matches, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.serve(ctx, client)
	}()
	return done
}

func (e *ECU) serve(ctx context.Context, client *hub.Client) {
	defer e.bus.Detach(client)

	ctx, cancel := context.WithCancel(ctx)
	e.wg.Add(1)
	go e.replyLoop(ctx)
	defer func() {
		cancel()
		e.wg.Wait()
	}()

	var (
		pending []byte
		want    int
		expect  uint8
	)
	for {
		var fr can.Frame
		select {
		case <-ctx.Done():
			return
		case <-client.Closed:
			return
		case fr = <-client.Out:
		}
		data := fr.Payload()
		pci, err := isotp.ParsePCI(data)
		if err != nil {
			e.log.Debug("ecu_bad_frame", "frame", fr.String(), "error", err)
			continue
		}
		switch pci.Type {
		case isotp.PCIFlowControl:
			select {
			case e.fc <- pci:
			default:
			}
		case isotp.PCISingle:
			pending = nil
			e.rx.Reset()
			e.handle(ctx, data[1:1+pci.Length])
		case isotp.PCIFirst:
			pending = append(make([]byte, 0, pci.Length), data[2:]...)
			want, expect = pci.Length, 1
			e.flowControl(data)
		case isotp.PCIConsecutive:
			if pending == nil {
				continue
			}
			if pci.Seq != expect {
				e.log.Debug("ecu_wrong_sequence", "got", pci.Seq, "want", expect)
				pending = nil
				e.rx.Reset()
				continue
			}
			expect = (expect + 1) & 0x0F
			e.flowControl(data)
			pending = append(pending, data[1:min(len(data), 1+want-len(pending))]...)
			if len(pending) >= want {
				req := pending
				pending = nil
				e.handle(ctx, req)
			}
		}
	}
}

// flowControl answers a segmented request once per block.
func (e *ECU) flowControl(data []byte) {
	p := isotp.FlowControlParams{Flag: isotp.FlowContinue, BlockSize: e.blockSize, SeparationTime: e.stmin}
	if action, err := e.rx.Observe(data, p); err == nil && action == isotp.ActionContinue {
		_ = e.send(p.Frame(e.padding))
	}
}

func (e *ECU) handle(ctx context.Context, req []byte) {
	resp := e.handler(req)
	if len(resp) == 0 {
		return
	}
	select {
	case e.reply <- resp:
	case <-ctx.Done():
	}
}

func (e *ECU) replyLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-e.reply:
			err := e.transmit(ctx, resp)
			e.mu.Lock()
			if err != nil {
				e.aborted++
			} else {
				e.served++
			}
			e.mu.Unlock()
			if err != nil && ctx.Err() == nil {
				e.log.Info("ecu_reply_aborted", "bytes", len(resp), "error", err)
			}
		}
	}
}

// transmit sends one reply, segmented when needed.
func (e *ECU) transmit(ctx context.Context, resp []byte) error {
	frames, err := isotp.EncodePadded(resp, e.padding)
	if err != nil {
		return err
	}
	// Stale flow control belongs to an earlier transfer.
	for len(e.fc) > 0 {
		<-e.fc
	}
	if err := e.send(frames[0]); err != nil {
		return err
	}
	next := 1
	timer := time.NewTimer(e.blockTimeout)
	defer timer.Stop()
	for next < len(frames) {
		var pci isotp.PCI
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrTimeout
		case pci = <-e.fc:
		}
		switch pci.Status {
		case isotp.FlowWait:
			timer.Reset(e.blockTimeout)
			continue
		case isotp.FlowOverflow:
			return ErrAborted
		}
		n := len(frames) - next
		if pci.BlockSize > 0 {
			n = min(n, int(pci.BlockSize))
		}
		st := pci.SeparationTime()
		for i := 0; i < n; i++ {
			if i > 0 && st > 0 {
				select {
				case <-time.After(st):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := e.send(frames[next]); err != nil {
				return err
			}
			next++
		}
		timer.Reset(e.blockTimeout)
	}
	return nil
}

func (e *ECU) send(data []byte) error {
	fr, err := e.ch.Receive.Frame(data)
	if err == nil {
		err = e.bus.SendFrame(fr)
	}
	if err != nil {
		metrics.IncError(metrics.ErrSimulatorSend)
		e.log.Warn("ecu_send_error", "error", err)
	}
	return err
}

// Stats returns how many replies were completed and how many were aborted.
func (e *ECU) Stats() (served, aborted int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.served, e.aborted
}

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/hub"
	"github.com/kstaniek/go-udstp/internal/isotp"
	"github.com/kstaniek/go-udstp/internal/metrics"
	"github.com/kstaniek/go-udstp/internal/signals"
	"github.com/kstaniek/go-udstp/internal/uds"
)

// Send transmits payload on ch.Send. Single frames are written directly. For
// segmented payloads the first frame is written and the receiver's flow
// control awaited on ch.Receive for up to N_Bs before each block; its block
// size, separation time and WAIT frames are honoured.
func (s *Session) Send(ctx context.Context, ch signals.Channel, payload []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	frames, err := isotp.EncodePadded(payload, s.opts.padding)
	if err != nil {
		return err
	}
	if len(frames) == 1 {
		return s.sendFrame(ch, frames[0])
	}

	fcClient := s.tr.Attach(func(fr can.Frame) bool {
		return ch.Receive.Matches(fr) && fr.Len > 0 && isotp.PCIType(fr.Data[0]>>4) == isotp.PCIFlowControl
	}, 16)
	defer s.tr.Detach(fcClient)

	if err := s.sendFrame(ch, frames[0]); err != nil {
		return err
	}
	next := 1
	for next < len(frames) {
		fc, err := s.awaitFlowControl(ctx, ch, fcClient)
		if err != nil {
			return err
		}
		n := len(frames) - next
		if fc.BlockSize > 0 {
			n = min(n, int(fc.BlockSize))
		}
		st := fc.SeparationTime()
		for i := 0; i < n; i++ {
			if i > 0 {
				if err := sleepCtx(ctx, st); err != nil {
					return err
				}
			}
			if err := s.sendFrame(ch, frames[next]); err != nil {
				return err
			}
			next++
		}
	}
	s.log.Debug("message_sent", "channel", ch.String(), "bytes", len(payload), "frames", len(frames))
	return nil
}

func (s *Session) sendFrame(ch signals.Channel, data []byte) error {
	if err := s.writeFrame(ch.Send, data); err != nil {
		metrics.IncError(metrics.ErrSessionSend)
		return fmt.Errorf("send on %s: %w", ch.Send.Key(), err)
	}
	return nil
}

func (s *Session) awaitFlowControl(ctx context.Context, ch signals.Channel, c *hub.Client) (isotp.PCI, error) {
	timer := time.NewTimer(s.opts.fcTimeout)
	defer timer.Stop()
	waits := 0
	for {
		select {
		case <-ctx.Done():
			return isotp.PCI{}, ctx.Err()
		case <-s.ctx.Done():
			return isotp.PCI{}, ErrClosed
		case <-c.Closed:
			return isotp.PCI{}, ErrTransportClosed
		case <-timer.C:
			metrics.IncError(metrics.ErrFlowTimeout)
			s.log.Warn("flow_control_timeout", "channel", ch.String(), "timeout", s.opts.fcTimeout)
			return isotp.PCI{}, ErrFlowControlTimeout
		case fr := <-c.Out:
			pci, err := isotp.ParsePCI(fr.Payload())
			if err != nil {
				metrics.IncMalformed()
				continue
			}
			switch pci.Status {
			case isotp.FlowContinue:
				return pci, nil
			case isotp.FlowWait:
				waits++
				if waits > s.opts.maxWaitFrames {
					return pci, ErrTooManyWaits
				}
				timer.Reset(s.opts.fcTimeout)
			default:
				metrics.IncError(metrics.ErrFlowControl)
				return pci, ErrOverflow
			}
		}
	}
}

// Request runs one request/response step: subscribe the receive signal
// (binding default flow control when ch has none),
// clear it, send payload and poll for up to wait. It returns early on the
// first complete message that is not a "response pending" answer, otherwise
// whatever messages arrived by the deadline. ErrNoResponse means none did.
func (s *Session) Request(ctx context.Context, ch signals.Channel, payload []byte, wait time.Duration) ([]MessageRecord, error) {
	sub, err := s.SubscribeChannel(ch, 0)
	if err != nil {
		return nil, err
	}
	defer s.Unsubscribe(sub)
	s.Clear(ch.Receive)

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := s.Send(ctx, ch, payload); err != nil {
		return nil, err
	}
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		msgs := s.Update(ch.Receive)
		if final(msgs) {
			return msgs, nil
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			msgs = s.Update(ch.Receive)
			if len(msgs) == 0 {
				return nil, fmt.Errorf("%w on %s within %v", ErrNoResponse, ch.Receive.Key(), wait)
			}
			return msgs, nil
		}
	}
}

func final(msgs []MessageRecord) bool {
	for _, m := range msgs {
		r, err := uds.Classify(m.Payload)
		if err != nil || !r.Pending() {
			return true
		}
	}
	return false
}

package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/isotp"
	"github.com/kstaniek/go-udstp/internal/metrics"
	"github.com/kstaniek/go-udstp/internal/signals"
)

// flowBinding ties flow-control parameters to the channel whose receive
// signal they answer.
type flowBinding struct {
	ch signals.Channel

	mu     sync.Mutex
	policy *isotp.Policy
}

// Configure validates p and binds it to ch, replacing earlier parameters for
// the channel's receive signal. Invalid parameters are rejected here with an
// *isotp.ConfigError and never reach the bus.
func (s *Session) Configure(ch signals.Channel, p isotp.FlowControlParams) error {
	if _, err := signals.NewChannel(ch.Send, ch.Receive); err != nil {
		return err
	}
	pol, err := isotp.NewPolicy(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.flows[ch.Receive.Key()] = &flowBinding{ch: ch, policy: pol}
	s.log.Debug("flow_control_configured", "channel", ch.String(), "block_size", p.BlockSize,
		"separation_time", p.SeparationTime, "delay", p.Delay, "flag", p.Flag.String(), "auto", p.Auto)
	return nil
}

// bindDefault binds DefaultFlowControl to ch unless its receive signal
// already has parameters, so a channel used without Configure still answers
// first frames automatically.
func (s *Session) bindDefault(ch signals.Channel) error {
	if _, err := signals.NewChannel(ch.Send, ch.Receive); err != nil {
		return err
	}
	pol, err := isotp.NewPolicy(isotp.DefaultFlowControl())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	key := ch.Receive.Key()
	if _, ok := s.flows[key]; ok {
		return nil
	}
	s.flows[key] = &flowBinding{ch: ch, policy: pol}
	s.log.Debug("flow_control_default", "channel", ch.String())
	return nil
}

// FlowControl returns the parameters bound to ch, or the defaults.
func (s *Session) FlowControl(ch signals.Channel) isotp.FlowControlParams {
	if fb := s.flowFor(ch.Receive); fb != nil && fb.ch.Send.Key() == ch.Send.Key() {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return fb.policy.Params
	}
	return isotp.DefaultFlowControl()
}

func (s *Session) flowFor(recv signals.Signal) *flowBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flows[recv.Key()]
}

// SendFlowControl writes ch's flow-control frame now. It is how a step
// answers a first frame when automatic flow control is off.
func (s *Session) SendFlowControl(ch signals.Channel) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.emitFlowControl(ch, s.FlowControl(ch))
}

func (s *Session) emitFlowControl(ch signals.Channel, p isotp.FlowControlParams) error {
	if err := s.writeFrame(ch.Send, p.Frame(s.opts.padding)); err != nil {
		metrics.IncError(metrics.ErrFlowControl)
		s.log.Warn("flow_control_send_error", "channel", ch.String(), "error", err)
		return fmt.Errorf("flow control on %s: %w", ch.Send.Key(), err)
	}
	metrics.IncFlowControl()
	s.log.Debug("flow_control_sent", "channel", ch.String(), "flag", p.Flag.String())
	return nil
}

// observe runs the receiver-side policy for a freshly buffered frame and
// schedules the owed flow-control frame at blockStart+Delay.
func (s *Session) observe(sig signals.Signal, fr can.Frame) {
	fb := s.flowFor(sig)
	if fb == nil {
		return
	}
	fb.mu.Lock()
	if !fb.policy.Params.Auto {
		fb.mu.Unlock()
		return
	}
	action, due, err := fb.policy.ObserveAt(fr.Payload(), frameTime(fr))
	params := fb.policy.Params
	fb.mu.Unlock()
	if err != nil {
		s.log.Debug("flow_control_observe", "signal", sig.Key(), "error", err)
		return
	}
	if action == isotp.ActionNone {
		return
	}
	ch := fb.ch
	s.after(time.Until(due), func() {
		_ = s.emitFlowControl(ch, params)
	})
}

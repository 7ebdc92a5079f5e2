package session

import (
	"context"
	"time"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/isotp"
	"github.com/kstaniek/go-udstp/internal/metrics"
	"github.com/kstaniek/go-udstp/internal/signals"
	"github.com/kstaniek/go-udstp/internal/uds"
)

// HeartbeatTask is the name StartHeartbeat runs under.
const HeartbeatTask = "heartbeat"

type task struct {
	name     string
	sig      signals.Signal
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// StartPeriodic sends payload as one raw frame on sig every interval until
// stopped. The first frame goes out one interval after the start. Send
// failures are logged and the task carries on with the next tick.
func (s *Session) StartPeriodic(name string, sig signals.Signal, payload []byte, interval time.Duration) error {
	if interval <= 0 {
		return &isotp.ConfigError{Field: "interval", Reason: "must be positive, got " + interval.String()}
	}
	if len(payload) == 0 || len(payload) > can.MaxLen {
		return &isotp.ConfigError{Field: "payload", Reason: "periodic payload must be 1..8 bytes, got " + uds.Hex(payload)}
	}
	fr, err := sig.Frame(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{name: name, sig: sig, interval: interval, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrClosed
	}
	if _, exists := s.tasks[name]; exists {
		s.mu.Unlock()
		cancel()
		return ErrTaskExists
	}
	s.tasks[name] = t
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.AddPeriodic(1)
	s.log.Info("periodic_started", "task", name, "signal", sig.Key(), "interval", interval, "payload", uds.Hex(payload))
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer metrics.AddPeriodic(-1)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			if ctx.Err() != nil {
				return
			}
			if err := s.tr.SendFrame(fr); err != nil {
				metrics.IncError(metrics.ErrPeriodicSend)
				s.log.Warn("periodic_send_error", "task", name, "signal", sig.Key(), "error", err)
				continue
			}
			metrics.IncPeriodicTx()
		}
	}()
	return nil
}

// StopPeriodic cancels the named task without waiting for an in-flight send.
// It reports whether the task was running.
func (s *Session) StopPeriodic(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	s.log.Info("periodic_stopped", "task", name)
	return true
}

// StopPeriodicAll cancels every periodic task.
func (s *Session) StopPeriodicAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		names = append(names, n)
	}
	s.mu.Unlock()
	for _, n := range names {
		s.StopPeriodic(n)
	}
}

// Periodic returns the names of running tasks.
func (s *Session) Periodic() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		out = append(out, n)
	}
	return out
}

// StartHeartbeat runs the network-management keep-alive task.
func (s *Session) StartHeartbeat(sig signals.Signal, payload []byte, interval time.Duration) error {
	return s.StartPeriodic(HeartbeatTask, sig, payload, interval)
}

// StopHeartbeat stops the keep-alive task.
func (s *Session) StopHeartbeat() bool { return s.StopPeriodic(HeartbeatTask) }

func testerPresentTask(ch signals.Channel) string { return "tester_present:" + ch.String() }

// StartTesterPresent keeps the ECU's diagnostic session open by sending a
// suppressed-response TesterPresent (3E 80) on ch every interval.
func (s *Session) StartTesterPresent(ch signals.Channel, interval time.Duration) error {
	frames, err := isotp.EncodePadded(uds.TesterPresent.Request(0x80), s.opts.padding)
	if err != nil {
		return err
	}
	return s.StartPeriodic(testerPresentTask(ch), ch.Send, frames[0], interval)
}

// StopTesterPresent stops the TesterPresent task on ch.
func (s *Session) StopTesterPresent(ch signals.Channel) bool {
	return s.StopPeriodic(testerPresentTask(ch))
}

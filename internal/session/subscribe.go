package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/metrics"
	"github.com/kstaniek/go-udstp/internal/signals"
)

// ErrTransportClosed is reported by a subscription whose transport went away.
var ErrTransportClosed = errors.New("session: transport closed")

// Subscription is a live listener appending one signal's frames to its buffer.
type Subscription struct {
	sig    signals.Signal
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Signal returns the subscribed signal.
func (sub *Subscription) Signal() signals.Signal { return sub.sig }

// Done is closed once the listener has exited.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Err is nil while the listener runs. Afterwards it reports why it stopped:
// context.DeadlineExceeded for timeout expiry, context.Canceled for
// Unsubscribe or session close, ErrTransportClosed when the transport
// dropped the subscriber.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

func (sub *Subscription) finish(err error) {
	sub.mu.Lock()
	sub.err = err
	sub.mu.Unlock()
	close(sub.done)
}

// Subscribe starts buffering frames on sig until timeout elapses (timeout <= 0:
// until Unsubscribe or Close). Several subscriptions on one signal may be
// live at once; each frame is still buffered once.
func (s *Session) Subscribe(sig signals.Signal, timeout time.Duration) (*Subscription, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	sub := &Subscription{sig: sig, cancel: cancel, done: make(chan struct{})}
	buf := s.bufferFor(sig)
	client := s.tr.Attach(sig.Matches, s.opts.subBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		s.tr.Detach(client)
		return nil, ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.AddSubscriptions(1)
	s.log.Debug("subscribed", "signal", sig.Key(), "timeout", timeout)
	go func() {
		defer s.wg.Done()
		defer metrics.AddSubscriptions(-1)
		defer s.tr.Detach(client)
		defer func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				err := ctx.Err()
				if errors.Is(err, context.DeadlineExceeded) {
					s.log.Debug("subscription_expired", "signal", sig.Key())
				}
				sub.finish(err)
				return
			case <-client.Closed:
				metrics.IncError(metrics.ErrSubscription)
				s.log.Warn("subscription_transport_closed", "signal", sig.Key())
				sub.finish(ErrTransportClosed)
				return
			case fr := <-client.Out:
				if buf.append(fr) {
					s.observe(sig, fr)
				}
			}
		}
	}()
	return sub, nil
}

// SubscribeChannel subscribes the channel's receive signal. A channel without
// configured flow control gets the defaults.
func (s *Session) SubscribeChannel(ch signals.Channel, timeout time.Duration) (*Subscription, error) {
	if err := s.bindDefault(ch); err != nil {
		return nil, err
	}
	return s.Subscribe(ch.Receive, timeout)
}

// Unsubscribe stops sub and waits for its listener to exit.
func (s *Session) Unsubscribe(sub *Subscription) {
	sub.cancel()
	<-sub.done
}

// UnsubscribeAll stops every live subscription. Calling it again, or after
// some subscriptions expired, is harmless.
func (s *Session) UnsubscribeAll() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		s.Unsubscribe(sub)
	}
}

// Subscriptions returns the number of live subscriptions.
func (s *Session) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func frameTime(fr can.Frame) time.Time {
	if fr.Timestamp.IsZero() {
		return time.Now()
	}
	return fr.Timestamp
}

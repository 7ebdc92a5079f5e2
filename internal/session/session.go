// Package session is the transport layer a diagnostic test step works
// through: it buffers frames per signal, reassembles ISO-TP messages, answers
// and honours flow control and runs periodic senders, all owned by one
// Session that joins its goroutines on Close.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/hub"
	"github.com/kstaniek/go-udstp/internal/isotp"
	"github.com/kstaniek/go-udstp/internal/logging"
	"github.com/kstaniek/go-udstp/internal/signals"
)

// Transport is the signal broker boundary: send a frame, and subscribe to the
// stream of received frames. *broker.Broker implements it.
type Transport interface {
	SendFrame(can.Frame) error
	Attach(filter hub.Filter, buf int) *hub.Client
	Detach(*hub.Client)
}

var (
	ErrClosed             = errors.New("session: closed")
	ErrTaskExists         = errors.New("session: periodic task already running")
	ErrOverflow           = errors.New("session: receiver reported overflow")
	ErrFlowControlTimeout = errors.New("session: no flow control within N_Bs")
	ErrTooManyWaits       = errors.New("session: too many flow control wait frames")
	ErrNoResponse         = errors.New("session: no response")
)

const (
	DefaultMaxWaitFrames    = 10
	DefaultSubscriberBuffer = 256
)

type options struct {
	log           *slog.Logger
	fcTimeout     time.Duration
	maxWaitFrames int
	padding       byte
	subBuffer     int
}

type Option func(*options)

// WithLogger sets the session logger (default: logging.L()).
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithFlowControlTimeout sets N_Bs, how long Send waits for the receiver's
// flow control after a first frame or block.
func WithFlowControlTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fcTimeout = d
		}
	}
}

// WithMaxWaitFrames bounds consecutive WAIT flow-control frames accepted per block.
func WithMaxWaitFrames(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxWaitFrames = n
		}
	}
}

// WithPadding sets the byte unused frame bytes are filled with.
func WithPadding(b byte) Option { return func(o *options) { o.padding = b } }

// WithSubscriberBuffer sets the per-subscription queue size.
func WithSubscriberBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.subBuffer = n
		}
	}
}

// Session owns the buffers, subscriptions, flow-control bindings and
// periodic tasks of one test run.
type Session struct {
	id   uuid.UUID
	tr   Transport
	opts options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	buffers map[string]*buffer
	subs    map[*Subscription]struct{}
	tasks   map[string]*task
	flows   map[string]*flowBinding // keyed by receive signal
	started time.Time
}

// New creates a session on tr.
func New(tr Transport, opts ...Option) *Session {
	o := options{
		fcTimeout:     isotp.DefaultBlockTimeout,
		maxWaitFrames: DefaultMaxWaitFrames,
		subBuffer:     DefaultSubscriberBuffer,
	}
	for _, fn := range opts {
		fn(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.New(),
		tr:      tr,
		opts:    o,
		ctx:     ctx,
		cancel:  cancel,
		buffers: make(map[string]*buffer),
		subs:    make(map[*Subscription]struct{}),
		tasks:   make(map[string]*task),
		flows:   make(map[string]*flowBinding),
		started: time.Now(),
	}
	s.log = logging.Or(o.log).With("session", s.id.String())
	return s
}

// ID identifies the session in logs and captures.
func (s *Session) ID() uuid.UUID { return s.id }

// spawn runs fn on a goroutine joined by Close. It returns false once the
// session is closed.
func (s *Session) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// after runs fn once d has elapsed unless the session closes first.
func (s *Session) after(d time.Duration, fn func()) bool {
	return s.spawn(func() {
		if d <= 0 {
			fn()
			return
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			fn()
		case <-s.ctx.Done():
		}
	})
}

// Close cancels every subscription, periodic task and pending flow-control
// timer and waits for their goroutines to exit. Buffers stay readable.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	s.log.Debug("session_closed")
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) writeFrame(sig signals.Signal, data []byte) error {
	fr, err := sig.Frame(data)
	if err != nil {
		return err
	}
	return s.tr.SendFrame(fr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

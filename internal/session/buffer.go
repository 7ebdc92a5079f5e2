package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/isotp"
	"github.com/kstaniek/go-udstp/internal/metrics"
	"github.com/kstaniek/go-udstp/internal/signals"
	"github.com/kstaniek/go-udstp/internal/uds"
)

// FrameRecord is one buffered frame. Records are never changed after append.
type FrameRecord struct {
	Time   time.Time
	Seq    uint64
	Signal signals.Signal
	Data   []byte
}

// Hex renders the frame data in upper-case hex.
func (f FrameRecord) Hex() string { return uds.Hex(f.Data) }

// MessageRecord is a reassembled payload stamped with its first frame's time.
type MessageRecord struct {
	Time    time.Time
	Signal  signals.Signal
	Payload []byte
}

// Hex renders the payload in upper-case hex.
func (m MessageRecord) Hex() string { return uds.Hex(m.Payload) }

type buffer struct {
	sig signals.Signal

	mu       sync.Mutex
	frames   []FrameRecord
	messages []MessageRecord
	notify   chan struct{}

	// broker sequence numbers recently stored, for duplicate subscriptions
	seen map[uint64]struct{}
	ring []uint64
	next int
}

// seenWindow bounds how many sequence numbers a buffer remembers. A frame
// delivered to one listener more than seenWindow frames after another
// listener stored it would be stored twice.
const seenWindow = 1024

func newBuffer(sig signals.Signal) *buffer {
	return &buffer{sig: sig, notify: make(chan struct{})}
}

// append stores fr unless a frame with the same broker sequence number was
// stored recently. A frame that arrives late through a slower listener is
// placed by sequence number, so the buffer stays in arrival order. It
// reports whether fr was stored.
func (b *buffer) append(fr can.Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fr.Seq != 0 {
		if _, dup := b.seen[fr.Seq]; dup {
			return false
		}
		b.remember(fr.Seq)
	}
	ts := fr.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := FrameRecord{Time: ts, Seq: fr.Seq, Signal: b.sig, Data: fr.Payload()}
	i := len(b.frames)
	if fr.Seq != 0 {
		for i > 0 && b.frames[i-1].Seq > fr.Seq {
			i--
		}
	}
	b.frames = slices.Insert(b.frames, i, rec)
	close(b.notify)
	b.notify = make(chan struct{})
	metrics.IncBuffered()
	return true
}

func (b *buffer) remember(seq uint64) {
	if b.seen == nil {
		b.seen = make(map[uint64]struct{}, seenWindow)
		b.ring = make([]uint64, seenWindow)
	}
	if old := b.ring[b.next]; old != 0 {
		delete(b.seen, old)
	}
	b.ring[b.next] = seq
	b.next = (b.next + 1) % seenWindow
	b.seen[seq] = struct{}{}
}

func (b *buffer) snapshot() []FrameRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]FrameRecord(nil), b.frames...)
}

func (b *buffer) count() (int, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames), b.notify
}

func (b *buffer) clear() {
	b.mu.Lock()
	b.frames = nil
	b.messages = nil
	b.mu.Unlock()
}

// update recomputes the message list from the raw frames.
func (b *buffer) update() ([]MessageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw := make([][]byte, len(b.frames))
	for i, f := range b.frames {
		raw[i] = f.Data
	}
	msgs, err := isotp.Reassemble(raw)
	out := make([]MessageRecord, len(msgs))
	for i, m := range msgs {
		out[i] = MessageRecord{Time: b.frames[m.First].Time, Signal: b.sig, Payload: m.Payload}
	}
	metrics.AddMessages(len(out) - len(b.messages))
	b.messages = out
	return append([]MessageRecord(nil), out...), err
}

func (b *buffer) lastMessages() []MessageRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MessageRecord(nil), b.messages...)
}

func (s *Session) bufferFor(sig signals.Signal) *buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[sig.Key()]
	if !ok {
		b = newBuffer(sig)
		s.buffers[sig.Key()] = b
	}
	return b
}

func (s *Session) lookupBuffer(sig signals.Signal) *buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers[sig.Key()]
}

// Update recomputes sig's messages from its buffered frames and returns them.
// A trailing incomplete message is not an error: it is simply not returned
// until its remaining frames arrive.
func (s *Session) Update(sig signals.Signal) []MessageRecord {
	b := s.lookupBuffer(sig)
	if b == nil {
		return nil
	}
	msgs, err := b.update()
	if err != nil {
		metrics.IncIncomplete()
		s.log.Debug("message_incomplete", "signal", sig.Key(), "error", err)
	}
	return msgs
}

// Frames returns a copy of sig's buffered frames in arrival order.
func (s *Session) Frames(sig signals.Signal) []FrameRecord {
	if b := s.lookupBuffer(sig); b != nil {
		return b.snapshot()
	}
	return nil
}

// Messages returns the messages computed by the last Update of sig.
func (s *Session) Messages(sig signals.Signal) []MessageRecord {
	if b := s.lookupBuffer(sig); b != nil {
		return b.lastMessages()
	}
	return nil
}

// FrameCount returns the number of buffered frames on sig.
func (s *Session) FrameCount(sig signals.Signal) int {
	if b := s.lookupBuffer(sig); b != nil {
		n, _ := b.count()
		return n
	}
	return 0
}

// WaitFrames blocks until sig holds at least n frames or ctx ends.
func (s *Session) WaitFrames(ctx context.Context, sig signals.Signal, n int) error {
	b := s.bufferFor(sig)
	for {
		have, ch := b.count()
		if have >= n {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrClosed
		}
	}
}

// Clear drops sig's frames and messages. Frames delivered again by a
// duplicate subscription after Clear are still recognised and skipped.
func (s *Session) Clear(sig signals.Signal) {
	if b := s.lookupBuffer(sig); b != nil {
		b.clear()
	}
}

// ClearAll clears every buffer.
func (s *Session) ClearAll() {
	s.mu.Lock()
	bufs := make([]*buffer, 0, len(s.buffers))
	for _, b := range s.buffers {
		bufs = append(bufs, b)
	}
	s.mu.Unlock()
	for _, b := range bufs {
		b.clear()
	}
}

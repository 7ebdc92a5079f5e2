// Package capture records bus traffic as a stream of CBOR items: one Header
// followed by any number of Frame items. Files can be appended to while a
// session runs and read back item by item.
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// FormatVersion is written into every header.
const FormatVersion = 1

var ErrBadHeader = errors.New("capture: missing or unsupported header")

type Header struct {
	Version   int       `cbor:"v"`
	SessionID string    `cbor:"sid"`
	Started   time.Time `cbor:"t"`
	Note      string    `cbor:"note,omitempty"`
}

type Frame struct {
	Time     time.Time `cbor:"t"`
	Seq      uint64    `cbor:"q"`
	Signal   string    `cbor:"s"`
	ID       uint32    `cbor:"id"`
	Extended bool      `cbor:"x,omitempty"`
	Data     []byte    `cbor:"d"`
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("capture: cbor enc mode: %v", err))
	}
	encMode = m
}

// Writer appends items to w. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	n   int
}

// NewWriter writes h and returns a writer for the frames that follow.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	if h.Version == 0 {
		h.Version = FormatVersion
	}
	enc := encMode.NewEncoder(w)
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("capture: write header: %w", err)
	}
	return &Writer{enc: enc}, nil
}

// Write appends one frame.
func (w *Writer) Write(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(f); err != nil {
		return fmt.Errorf("capture: write frame: %w", err)
	}
	w.n++
	return nil
}

// Count returns the number of frames written.
func (w *Writer) Count() int { w.mu.Lock(); defer w.mu.Unlock(); return w.n }

// Recording is a fully read capture.
type Recording struct {
	Header Header
	Frames []Frame
}

// Read decodes a whole capture. A capture cut short mid-item returns the
// frames read so far together with the error.
func Read(r io.Reader) (Recording, error) {
	var rec Recording
	dec := cbor.NewDecoder(r)
	if err := dec.Decode(&rec.Header); err != nil {
		return rec, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if rec.Header.Version != FormatVersion {
		return rec, fmt.Errorf("%w: version %d", ErrBadHeader, rec.Header.Version)
	}
	for {
		var f Frame
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			return rec, nil
		}
		if err != nil {
			return rec, fmt.Errorf("capture: frame %d: %w", len(rec.Frames), err)
		}
		rec.Frames = append(rec.Frames, f)
	}
}

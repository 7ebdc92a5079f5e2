package isotp

import (
	"errors"
	"fmt"
)

// Encode segments payload into zero padded 8 byte frames.
func Encode(payload []byte) ([][]byte, error) { return EncodePadded(payload, 0x00) }

// EncodePadded segments payload into 8 byte frames filled with pad.
//
// Up to 7 bytes go into one single frame. Longer payloads produce a first
// frame carrying the 12-bit length and 6 bytes, followed by consecutive
// frames of 7 bytes whose sequence number runs 1..15 and wraps to 0.
func EncodePadded(payload []byte, pad byte) ([][]byte, error) {
	n := len(payload)
	if n == 0 {
		return nil, ErrEmptyPayload
	}
	if n > MaxMessageLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, n)
	}
	if n <= SingleFrameMax {
		f := blank(pad)
		f[0] = byte(n)
		copy(f[1:], payload)
		return [][]byte{f}, nil
	}
	frames := make([][]byte, 0, 1+ConsecutiveFrames(n))
	ff := blank(pad)
	ff[0] = byte(PCIFirst)<<4 | byte(n>>8)
	ff[1] = byte(n)
	copy(ff[2:], payload[:FirstFrameData])
	frames = append(frames, ff)
	seq := uint8(1)
	for off := FirstFrameData; off < n; off += ConsecutiveFrameData {
		cf := blank(pad)
		cf[0] = byte(PCIConsecutive)<<4 | seq
		copy(cf[1:], payload[off:min(off+ConsecutiveFrameData, n)])
		frames = append(frames, cf)
		seq = (seq + 1) & 0x0F
	}
	return frames, nil
}

// ConsecutiveFrames returns how many consecutive frames follow the first
// frame of an n byte message (0 for single frame payloads).
func ConsecutiveFrames(n int) int {
	if n <= SingleFrameMax {
		return 0
	}
	rest := n - FirstFrameData
	return (rest + ConsecutiveFrameData - 1) / ConsecutiveFrameData
}

func blank(pad byte) []byte {
	f := make([]byte, FrameSize)
	if pad != 0 {
		for i := range f {
			f[i] = pad
		}
	}
	return f
}

// Decode reassembles the message starting at frames[0]. Flow-control frames
// between consecutive frames are skipped and trailing frames after completion
// are ignored.
func Decode(frames [][]byte) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames", ErrIncompleteMessage)
	}
	payload, _, err := decodeAt(frames, 0)
	return payload, err
}

// Message is one payload found by Reassemble.
type Message struct {
	Payload []byte
	// First is the index of the message's first frame in the input.
	First int
	// Count is the number of input frames the message spans.
	Count int
}

// Reassemble scans a frame sequence and returns every complete message in
// order. Stray consecutive frames, flow-control frames and undecodable frames
// are skipped. When any segmented message could not be completed the returned
// error wraps ErrIncompleteMessage; the complete messages are still returned.
func Reassemble(frames [][]byte) ([]Message, error) {
	var (
		msgs    []Message
		lastErr error
	)
	for i := 0; i < len(frames); {
		pci, err := ParsePCI(frames[i])
		if err != nil || pci.Type == PCIConsecutive || pci.Type == PCIFlowControl {
			i++
			continue
		}
		payload, next, err := decodeAt(frames, i)
		if err != nil {
			lastErr = err
			i = next
			continue
		}
		msgs = append(msgs, Message{Payload: payload, First: i, Count: next - i})
		i = next
	}
	return msgs, lastErr
}

// decodeAt decodes the message whose single or first frame is frames[start].
// next is the index of the first frame not consumed; it is always > start.
func decodeAt(frames [][]byte, start int) (payload []byte, next int, err error) {
	head := frames[start]
	pci, err := ParsePCI(head)
	if err != nil {
		return nil, start + 1, err
	}
	switch pci.Type {
	case PCISingle:
		out := make([]byte, pci.Length)
		copy(out, head[1:1+pci.Length])
		return out, start + 1, nil
	case PCIFirst:
	default:
		return nil, start + 1, fmt.Errorf("%w: %w: message starts with %s frame", ErrIncompleteMessage, ErrUnexpectedFrame, pci.Type)
	}

	out := make([]byte, 0, pci.Length)
	out = append(out, head[2:min(len(head), 2+pci.Length)]...)
	expect := uint8(1)
	i := start + 1
	for ; i < len(frames) && len(out) < pci.Length; i++ {
		p, perr := ParsePCI(frames[i])
		if perr != nil {
			return nil, i, fmt.Errorf("%w: %w", ErrIncompleteMessage, perr)
		}
		if p.Type == PCIFlowControl {
			continue
		}
		if p.Type != PCIConsecutive {
			return nil, i, fmt.Errorf("%w: %w: %s frame after %d of %d bytes", ErrIncompleteMessage, ErrUnexpectedFrame, p.Type, len(out), pci.Length)
		}
		if p.Seq != expect {
			return nil, i, fmt.Errorf("%w: %w: got %d, want %d", ErrIncompleteMessage, ErrWrongSequence, p.Seq, expect)
		}
		want := pci.Length - len(out)
		data := frames[i][1:]
		if len(data) > want {
			data = data[:want]
		}
		out = append(out, data...)
		expect = (expect + 1) & 0x0F
	}
	if len(out) < pci.Length {
		return nil, i, fmt.Errorf("%w: have %d of %d bytes", ErrIncompleteMessage, len(out), pci.Length)
	}
	return out, i, nil
}

// IsIncomplete reports whether err came from a reassembly that ran out of frames
// or was broken by an out-of-order frame.
func IsIncomplete(err error) bool { return errors.Is(err, ErrIncompleteMessage) }

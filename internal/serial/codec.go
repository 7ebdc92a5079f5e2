// Package serial drives USB-UART CAN adapters that wrap every frame in a
// short checksummed envelope:
//
//	2D D4 LEN FLAGS ID3 ID2 ID1 ID0 DATA... CHK
//
// LEN counts FLAGS, ID, DATA and CHK. FLAGS carries the DLC in its low nibble
// and 0x80 for 29-bit identifiers. CHK = 0x2D + LEN + sum(bytes after LEN).
package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/metrics"
)

const (
	pre0 = 0x2D
	pre1 = 0xD4

	flagExtended = 0x80

	minLn = 1 + 4 + 0 + 1
	maxLn = 1 + 4 + can.MaxLen + 1
)

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when the buffer grew large
// relative to unread bytes. It returns true if compaction occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0], out[1], out[2] = pre0, pre1, byte(n+1)
	sum := out[2] + pre0
	for i, b := range body {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode wraps one frame for the adapter.
func (Codec) Encode(f can.Frame) []byte {
	n := min(int(f.Len), can.MaxLen)
	body := make([]byte, 5+n)
	body[0] = byte(n)
	if f.Extended() {
		body[0] |= flagExtended
	}
	binary.BigEndian.PutUint32(body[1:5], f.ID())
	copy(body[5:], f.Data[:n])
	return envelope(body)
}

// DecodeStream consumes complete envelopes from in and emits their frames via
// out. Partial envelopes stay buffered; garbage and bad checksums are skipped
// one byte at a time until the preamble realigns.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) {
	header := []byte{pre0, pre1}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep the last byte in case it is the first preamble byte
			last := data[len(data)-1]
			in.Reset()
			if last == pre0 {
				_ = in.WriteByte(last)
			}
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		flags := data[3]
		dlc := int(flags & 0x0F)
		if byte(sum) != data[req-1] || dlc != ln-6 {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(data[4:8])
		var f can.Frame
		if flags&flagExtended != 0 {
			f.CANID = (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
		} else {
			f.CANID = id & can.CAN_SFF_MASK
		}
		f.Len = uint8(dlc)
		copy(f.Data[:], data[8:8+dlc])
		out(f)
		in.Next(req)
	}
}

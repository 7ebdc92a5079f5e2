// Package isotp implements ISO 15765-2 segmentation, reassembly and
// flow-control decisions for classic (8 byte) CAN frames.
package isotp

import (
	"fmt"
	"time"
)

// PCIType is the high nibble of the first frame byte.
type PCIType uint8

const (
	PCISingle      PCIType = 0
	PCIFirst       PCIType = 1
	PCIConsecutive PCIType = 2
	PCIFlowControl PCIType = 3
)

func (t PCIType) String() string {
	switch t {
	case PCISingle:
		return "single"
	case PCIFirst:
		return "first"
	case PCIConsecutive:
		return "consecutive"
	case PCIFlowControl:
		return "flow_control"
	default:
		return fmt.Sprintf("pci(%d)", uint8(t))
	}
}

// Frame layout limits for classic CAN.
const (
	FrameSize            = 8
	SingleFrameMax       = 7
	FirstFrameData       = 6
	ConsecutiveFrameData = 7
	MaxMessageLength     = 0xFFF
)

// PCI is the decoded protocol control information of one frame.
type PCI struct {
	Type PCIType
	// Length is the declared message length (single and first frames).
	Length int
	// Seq is the 4-bit sequence number of a consecutive frame.
	Seq uint8
	// Flow control fields.
	Status    FlowStatus
	BlockSize uint8
	STmin     byte
}

// SeparationTime decodes the STmin byte of a flow-control PCI.
func (p PCI) SeparationTime() time.Duration { return DecodeSTmin(p.STmin) }

// ParsePCI decodes the protocol control information at the start of frame.
func ParsePCI(frame []byte) (PCI, error) {
	var p PCI
	if len(frame) == 0 {
		return p, fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}
	p.Type = PCIType(frame[0] >> 4)
	switch p.Type {
	case PCISingle:
		p.Length = int(frame[0] & 0x0F)
		if p.Length == 0 || p.Length > SingleFrameMax || p.Length > len(frame)-1 {
			return p, fmt.Errorf("%w: single frame length %d in %d bytes", ErrInvalidFrame, p.Length, len(frame))
		}
	case PCIFirst:
		if len(frame) < 2 {
			return p, fmt.Errorf("%w: first frame too short", ErrInvalidFrame)
		}
		p.Length = int(frame[0]&0x0F)<<8 | int(frame[1])
		if p.Length <= SingleFrameMax {
			return p, fmt.Errorf("%w: first frame length %d fits a single frame", ErrInvalidFrame, p.Length)
		}
	case PCIConsecutive:
		p.Seq = frame[0] & 0x0F
	case PCIFlowControl:
		if len(frame) < 3 {
			return p, fmt.Errorf("%w: flow control too short", ErrInvalidFrame)
		}
		p.Status = FlowStatus(frame[0] & 0x0F)
		if p.Status > FlowOverflow {
			return p, fmt.Errorf("%w: flow status %d", ErrInvalidFrame, p.Status)
		}
		p.BlockSize = frame[1]
		p.STmin = frame[2]
	default:
		return p, fmt.Errorf("%w: pci type %d", ErrInvalidFrame, p.Type)
	}
	return p, nil
}

// EncodeSTmin converts a separation time into its STmin byte. Values of 1ms
// and above are truncated to whole milliseconds; sub-millisecond values must
// be a multiple of 100µs.
func EncodeSTmin(d time.Duration) (byte, error) {
	switch {
	case d < 0:
		return 0, configErr("separation_time", "negative (%v)", d)
	case d == 0:
		return 0, nil
	case d < time.Millisecond:
		if d%(100*time.Microsecond) != 0 {
			return 0, configErr("separation_time", "%v is not a multiple of 100µs", d)
		}
		return 0xF0 + byte(d/(100*time.Microsecond)), nil
	case d <= 127*time.Millisecond:
		return byte(d / time.Millisecond), nil
	default:
		return 0, configErr("separation_time", "%v exceeds 127ms", d)
	}
}

// DecodeSTmin converts an STmin byte into a duration. Reserved values are
// treated as the maximum 127ms.
func DecodeSTmin(b byte) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	default:
		return 127 * time.Millisecond
	}
}

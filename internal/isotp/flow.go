package isotp

import (
	"fmt"
	"time"
)

// FlowStatus is the low nibble of a flow-control frame's first byte.
type FlowStatus uint8

const (
	FlowContinue FlowStatus = 0 // first byte 0x30
	FlowWait     FlowStatus = 1 // first byte 0x31
	FlowOverflow FlowStatus = 2 // first byte 0x32
)

func (s FlowStatus) String() string {
	switch s {
	case FlowContinue:
		return "continue"
	case FlowWait:
		return "wait"
	case FlowOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("flow_status(%d)", uint8(s))
	}
}

// Byte returns the first byte of a flow-control frame carrying s.
func (s FlowStatus) Byte() byte { return byte(PCIFlowControl)<<4 | byte(s) }

// ParseFlowStatus accepts either a bare status (0..2) or a full first byte
// (0x30..0x32, the decimal 48 used by test scripts for "continue").
func ParseFlowStatus(v int) (FlowStatus, error) {
	switch {
	case v >= 0 && v <= int(FlowOverflow):
		return FlowStatus(v), nil
	case v >= int(FlowContinue.Byte()) && v <= int(FlowOverflow.Byte()):
		return FlowStatus(v & 0x0F), nil
	default:
		return 0, configErr("flag", "unsupported flow status %d", v)
	}
}

// DefaultBlockTimeout is how long a sender waits for flow control (N_Bs).
const DefaultBlockTimeout = 1000 * time.Millisecond

// FlowControlParams describes how the tester answers a segmented message on
// one channel.
type FlowControlParams struct {
	// BlockSize is the number of consecutive frames allowed between flow
	// control frames; 0 means the whole message.
	BlockSize uint8
	// SeparationTime is the minimum gap the sender must keep between
	// consecutive frames.
	SeparationTime time.Duration
	// Delay is how long after the first frame (or block start) the flow
	// control frame is emitted.
	Delay time.Duration
	// Flag is the flow status sent.
	Flag FlowStatus
	// Auto makes the session answer first frames on its own. Without it flow
	// control is only sent on explicit request.
	Auto bool
}

// DefaultFlowControl is continue, block size 0, no separation time, sent
// automatically without delay.
func DefaultFlowControl() FlowControlParams {
	return FlowControlParams{Flag: FlowContinue, Auto: true}
}

// Validate rejects parameters that cannot be put on the wire.
func (p FlowControlParams) Validate() error {
	if p.Flag > FlowOverflow {
		return configErr("flag", "unsupported flow status %d", p.Flag)
	}
	if p.Delay < 0 {
		return configErr("delay", "negative (%v)", p.Delay)
	}
	if _, err := EncodeSTmin(p.SeparationTime); err != nil {
		return err
	}
	return nil
}

// Frame builds the 8 byte flow-control frame for p, padded with pad.
// Callers must Validate first; an unencodable separation time is sent as 0.
func (p FlowControlParams) Frame(pad byte) []byte {
	st, _ := EncodeSTmin(p.SeparationTime)
	f := blank(pad)
	f[0] = p.Flag.Byte()
	f[1] = p.BlockSize
	f[2] = st
	return f
}

// Action is what the receiving side does after a frame of a segmented message.
type Action int

const (
	ActionNone Action = iota
	ActionContinue
	ActionWait
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionContinue:
		return "continue"
	case ActionWait:
		return "wait"
	case ActionAbort:
		return "abort"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// NextAction decides whether a flow-control frame is owed after
// receivedSoFar consecutive frames of the current message. One is owed right
// after the first frame and then after every BlockSize consecutive frames.
func NextAction(receivedSoFar int, p FlowControlParams) Action {
	due := receivedSoFar == 0 || (p.BlockSize > 0 && receivedSoFar%int(p.BlockSize) == 0)
	if !due {
		return ActionNone
	}
	switch p.Flag {
	case FlowContinue:
		return ActionContinue
	case FlowWait:
		return ActionWait
	default:
		return ActionAbort
	}
}

// RxTracker follows one incoming segmented message far enough to know when
// flow control is owed. The zero value is idle.
type RxTracker struct {
	active   bool
	length   int
	received int
	frames   int
	expect   uint8
}

// Active reports whether a segmented message is in progress.
func (r *RxTracker) Active() bool { return r.active }

// Reset drops any message in progress.
func (r *RxTracker) Reset() { *r = RxTracker{} }

// Observe feeds the next received frame and returns the action owed under p.
// A first frame always restarts tracking. Consecutive frames out of sequence
// end tracking and return an error wrapping ErrWrongSequence.
func (r *RxTracker) Observe(frame []byte, p FlowControlParams) (Action, error) {
	pci, err := ParsePCI(frame)
	if err != nil {
		return ActionNone, err
	}
	switch pci.Type {
	case PCIFirst:
		*r = RxTracker{active: true, length: pci.Length, received: FirstFrameData, expect: 1}
		return NextAction(0, p), nil
	case PCIConsecutive:
		if !r.active {
			return ActionNone, nil
		}
		if pci.Seq != r.expect {
			want := r.expect
			r.Reset()
			return ActionNone, fmt.Errorf("%w: got %d, want %d", ErrWrongSequence, pci.Seq, want)
		}
		r.expect = (r.expect + 1) & 0x0F
		r.frames++
		r.received += ConsecutiveFrameData
		if r.received >= r.length {
			r.Reset()
			return ActionNone, nil
		}
		if p.BlockSize == 0 {
			return ActionNone, nil
		}
		return NextAction(r.frames, p), nil
	case PCISingle:
		r.Reset()
	}
	return ActionNone, nil
}

// Policy applies one channel's flow-control parameters to the frames it
// receives. It is not safe for concurrent use.
type Policy struct {
	Params FlowControlParams
	rx     RxTracker

	blockStart time.Time
	nextBlock  bool
}

// NewPolicy validates p and returns a policy with no reception in progress.
func NewPolicy(p FlowControlParams) (*Policy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Policy{Params: p}, nil
}

// Observe feeds a received frame and returns the flow-control action owed.
func (p *Policy) Observe(frame []byte) (Action, error) { return p.rx.Observe(frame, p.Params) }

// ObserveAt is Observe for a frame received at at. It also returns when the
// owed flow control is due: Delay after the first frame of the current
// block, which is the first frame for block 0 and otherwise the first
// consecutive frame after the previous flow control.
func (p *Policy) ObserveAt(frame []byte, at time.Time) (Action, time.Time, error) {
	if len(frame) > 0 {
		switch PCIType(frame[0] >> 4) {
		case PCIFirst:
			p.blockStart, p.nextBlock = at, false
		case PCIConsecutive:
			if p.nextBlock && p.rx.Active() {
				p.blockStart, p.nextBlock = at, false
			}
		}
	}
	action, err := p.rx.Observe(frame, p.Params)
	if action != ActionNone {
		p.nextBlock = true
	}
	return action, p.Due(p.blockStart), err
}

// Receiving reports whether a segmented message is in progress.
func (p *Policy) Receiving() bool { return p.rx.Active() }

// Due returns when the flow-control frame for a block whose first frame
// arrived at blockStart should go out.
func (p *Policy) Due(blockStart time.Time) time.Time { return blockStart.Add(p.Params.Delay) }

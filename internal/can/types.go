package can

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxLen is the classic CAN payload limit.
const MaxLen = 8

var (
	ErrInvalidID  = errors.New("can: invalid identifier")
	ErrInvalidLen = errors.New("can: invalid data length")
)

// Frame is a classic CAN frame as it travels between the bus backends, the
// broker and the session layer.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN; only the
// first Len bytes of Data are valid.
//
// Timestamp and Seq are filled in by the broker on arrival. Seq is strictly
// increasing per broker and lets consumers drop frames they already stored.
type Frame struct {
	CANID     uint32
	Len       uint8
	Data      [MaxLen]byte
	Timestamp time.Time
	Seq       uint64
}

// New builds a frame for the given raw identifier. Identifiers above the
// 11-bit range are marked extended.
func New(id uint32, data []byte) (Frame, error) {
	var f Frame
	if len(data) > MaxLen {
		return f, fmt.Errorf("%w: %d", ErrInvalidLen, len(data))
	}
	if id > CAN_EFF_MASK {
		return f, fmt.Errorf("%w: 0x%X", ErrInvalidID, id)
	}
	f.CANID = id
	if id > CAN_SFF_MASK {
		f.CANID |= CAN_EFF_FLAG
	}
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f, nil
}

// ID returns the identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Extended reports whether the frame uses a 29-bit identifier.
func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// Payload returns a copy of the valid data bytes.
func (f Frame) Payload() []byte {
	n := min(int(f.Len), MaxLen)
	out := make([]byte, n)
	copy(out, f.Data[:n])
	return out
}

// Hex renders the valid payload as upper-case hex without separators.
func (f Frame) Hex() string {
	return strings.ToUpper(fmt.Sprintf("%x", f.Data[:min(int(f.Len), MaxLen)]))
}

func (f Frame) String() string {
	return fmt.Sprintf("%03X#%s", f.ID(), f.Hex())
}

// Package signals names the CAN identifiers a test script talks on and pairs
// them into request/response channels.
package signals

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kstaniek/go-udstp/internal/can"
)

var (
	ErrUnknownSignal = errors.New("signals: unknown signal")
	ErrInvalidSignal = errors.New("signals: invalid signal")
)

// Signal identifies one CAN frame stream on the broker, e.g.
// {Namespace: "ChassisCANhs", Name: "DiagReqBroadTx", ID: 0x7DF}.
type Signal struct {
	Namespace string
	Name      string
	ID        uint32
	Extended  bool
}

// Key is the unique "namespace/name" form used for buffers and logs.
func (s Signal) Key() string {
	if s.Namespace == "" {
		return s.Name
	}
	return s.Namespace + "/" + s.Name
}

func (s Signal) String() string { return fmt.Sprintf("%s(0x%X)", s.Key(), s.ID) }

// Validate checks the name and identifier range.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSignal)
	}
	limit := uint32(can.CAN_SFF_MASK)
	if s.Extended {
		limit = can.CAN_EFF_MASK
	}
	if s.ID > limit {
		return fmt.Errorf("%w: %s id 0x%X out of range", ErrInvalidSignal, s.Name, s.ID)
	}
	return nil
}

// Frame builds a frame carrying data on this signal.
func (s Signal) Frame(data []byte) (can.Frame, error) {
	f, err := can.New(s.ID, data)
	if err != nil {
		return f, fmt.Errorf("%s: %w", s.Key(), err)
	}
	if s.Extended {
		f.CANID |= can.CAN_EFF_FLAG
	}
	return f, nil
}

// Matches reports whether fr travels on this signal.
func (s Signal) Matches(fr can.Frame) bool {
	return fr.ID() == s.ID && fr.Extended() == (s.Extended || s.ID > can.CAN_SFF_MASK)
}

// Channel pairs the signal the tester sends on with the one the ECU answers on.
type Channel struct {
	Send    Signal
	Receive Signal
}

// NewChannel validates both signals, requires a shared namespace and rejects
// a channel that would answer itself.
func NewChannel(send, receive Signal) (Channel, error) {
	if err := send.Validate(); err != nil {
		return Channel{}, err
	}
	if err := receive.Validate(); err != nil {
		return Channel{}, err
	}
	if send.Namespace != receive.Namespace {
		return Channel{}, fmt.Errorf("%w: namespaces differ (%q, %q)", ErrInvalidSignal, send.Namespace, receive.Namespace)
	}
	if send.ID == receive.ID && send.Extended == receive.Extended {
		return Channel{}, fmt.Errorf("%w: send and receive share id 0x%X", ErrInvalidSignal, send.ID)
	}
	return Channel{Send: send, Receive: receive}, nil
}

func (c Channel) String() string { return c.Send.Key() + "->" + c.Receive.Key() }

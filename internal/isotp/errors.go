package isotp

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPayload is returned when asked to encode zero bytes.
	ErrEmptyPayload = errors.New("isotp: empty payload")
	// ErrPayloadTooLong is returned for payloads that do not fit a 12-bit first frame length.
	ErrPayloadTooLong = errors.New("isotp: payload too long")
	// ErrInvalidFrame is returned when a frame carries an unknown or inconsistent PCI.
	ErrInvalidFrame = errors.New("isotp: invalid frame")
	// ErrIncompleteMessage is returned when reassembly ends before the declared length.
	ErrIncompleteMessage = errors.New("isotp: incomplete message")
	// ErrWrongSequence is wrapped together with ErrIncompleteMessage when a
	// consecutive frame arrives out of order.
	ErrWrongSequence = errors.New("isotp: wrong sequence number")
	// ErrUnexpectedFrame is wrapped together with ErrIncompleteMessage when a
	// segmented message is interrupted by a frame of another type.
	ErrUnexpectedFrame = errors.New("isotp: unexpected frame")
	// ErrConfiguration is the sentinel behind every *ConfigError.
	ErrConfiguration = errors.New("isotp: invalid configuration")
)

// ConfigError reports an invalid flow-control or task parameter. It is raised
// when a channel is configured or a task is started, never later.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("isotp: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

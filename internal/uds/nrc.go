package uds

import "fmt"

// NRC is a negative response code.
type NRC byte

const (
	GeneralReject                  NRC = 0x10
	ServiceNotSupported            NRC = 0x11
	SubFunctionNotSupported        NRC = 0x12
	IncorrectMessageLength         NRC = 0x13
	ResponseTooLong                NRC = 0x14
	BusyRepeatRequest              NRC = 0x21
	ConditionsNotCorrect           NRC = 0x22
	RequestSequenceError           NRC = 0x24
	RequestOutOfRange              NRC = 0x31
	SecurityAccessDenied           NRC = 0x33
	InvalidKey                     NRC = 0x35
	ExceededNumberOfAttempts       NRC = 0x36
	RequiredTimeDelayNotExpired    NRC = 0x37
	GeneralProgrammingFailure      NRC = 0x72
	ResponsePending                NRC = 0x78
	SubFunctionNotSupportedSession NRC = 0x7E
	ServiceNotSupportedSession     NRC = 0x7F
)

var nrcNames = map[NRC]string{
	GeneralReject:                  "generalReject",
	ServiceNotSupported:            "serviceNotSupported",
	SubFunctionNotSupported:        "subFunctionNotSupported",
	IncorrectMessageLength:         "incorrectMessageLengthOrInvalidFormat",
	ResponseTooLong:                "responseTooLong",
	BusyRepeatRequest:              "busyRepeatRequest",
	ConditionsNotCorrect:           "conditionsNotCorrect",
	RequestSequenceError:           "requestSequenceError",
	RequestOutOfRange:              "requestOutOfRange",
	SecurityAccessDenied:           "securityAccessDenied",
	InvalidKey:                     "invalidKey",
	ExceededNumberOfAttempts:       "exceededNumberOfAttempts",
	RequiredTimeDelayNotExpired:    "requiredTimeDelayNotExpired",
	GeneralProgrammingFailure:      "generalProgrammingFailure",
	ResponsePending:                "requestCorrectlyReceived-ResponsePending",
	SubFunctionNotSupportedSession: "subFunctionNotSupportedInActiveSession",
	ServiceNotSupportedSession:     "serviceNotSupportedInActiveSession",
}

func (n NRC) String() string {
	if s, ok := nrcNames[n]; ok {
		return s
	}
	return fmt.Sprintf("nrc(0x%02X)", byte(n))
}

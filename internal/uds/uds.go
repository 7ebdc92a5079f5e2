// Package uds provides the ISO 14229 vocabulary test steps use to build and
// judge requests: service identifiers, negative response codes and the
// upper-case hex text form responses are compared in.
package uds

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ServiceID is a UDS request service identifier.
type ServiceID byte

const (
	DiagnosticSessionControl ServiceID = 0x10
	ECUReset                 ServiceID = 0x11
	ClearDiagnosticInfo      ServiceID = 0x14
	ReadDTCInformation       ServiceID = 0x19
	ReadDataByIdentifier     ServiceID = 0x22
	ReadMemoryByAddress      ServiceID = 0x23
	SecurityAccess           ServiceID = 0x27
	CommunicationControl     ServiceID = 0x28
	ReadDataByPeriodicID     ServiceID = 0x2A
	WriteDataByIdentifier    ServiceID = 0x2E
	IOControlByIdentifier    ServiceID = 0x2F
	RoutineControl           ServiceID = 0x31
	RequestDownload          ServiceID = 0x34
	RequestUpload            ServiceID = 0x35
	TransferData             ServiceID = 0x36
	RequestTransferExit      ServiceID = 0x37
	WriteMemoryByAddress     ServiceID = 0x3D
	TesterPresent            ServiceID = 0x3E
	ControlDTCSetting        ServiceID = 0x85

	// NegativeResponse is the first byte of every negative response.
	NegativeResponse byte = 0x7F

	positiveOffset = 0x40
)

var serviceNames = map[ServiceID]string{
	DiagnosticSessionControl: "DiagnosticSessionControl",
	ECUReset:                 "ECUReset",
	ClearDiagnosticInfo:      "ClearDiagnosticInformation",
	ReadDTCInformation:       "ReadDTCInformation",
	ReadDataByIdentifier:     "ReadDataByIdentifier",
	ReadMemoryByAddress:      "ReadMemoryByAddress",
	SecurityAccess:           "SecurityAccess",
	CommunicationControl:     "CommunicationControl",
	ReadDataByPeriodicID:     "ReadDataByPeriodicIdentifier",
	WriteDataByIdentifier:    "WriteDataByIdentifier",
	IOControlByIdentifier:    "InputOutputControlByIdentifier",
	RoutineControl:           "RoutineControl",
	RequestDownload:          "RequestDownload",
	RequestUpload:            "RequestUpload",
	TransferData:             "TransferData",
	RequestTransferExit:      "RequestTransferExit",
	WriteMemoryByAddress:     "WriteMemoryByAddress",
	TesterPresent:            "TesterPresent",
	ControlDTCSetting:        "ControlDTCSetting",
}

func (s ServiceID) String() string {
	if n, ok := serviceNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Service(0x%02X)", byte(s))
}

// Valid reports whether s is a known service.
func (s ServiceID) Valid() bool { _, ok := serviceNames[s]; return ok }

// PositiveResponse returns the first byte of a positive response to s.
func (s ServiceID) PositiveResponse() byte { return byte(s) + positiveOffset }

var ErrUnknownService = errors.New("uds: unknown service")

// ParseServiceID accepts a service name (case-insensitive) or a hex byte
// such as "22" or "0x22".
func ParseServiceID(v string) (ServiceID, error) {
	v = strings.TrimSpace(v)
	for id, n := range serviceNames {
		if strings.EqualFold(n, v) {
			return id, nil
		}
	}
	b, err := ParseHex(v)
	if err == nil && len(b) == 1 && ServiceID(b[0]).Valid() {
		return ServiceID(b[0]), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownService, v)
}

// Request prepends the service identifier to params.
func (s ServiceID) Request(params ...byte) []byte {
	return append([]byte{byte(s)}, params...)
}

// Response is the classification of one UDS response payload.
type Response struct {
	Service  ServiceID
	Positive bool
	// NRC is set for negative responses.
	NRC NRC
}

var ErrEmptyResponse = errors.New("uds: empty response")

// Classify decodes the service and polarity of a response payload.
// "7F sid nrc" is negative; any other first byte is taken as sid+0x40.
func Classify(payload []byte) (Response, error) {
	if len(payload) == 0 {
		return Response{}, ErrEmptyResponse
	}
	if payload[0] == NegativeResponse {
		if len(payload) < 3 {
			return Response{}, fmt.Errorf("uds: short negative response % X", payload)
		}
		return Response{Service: ServiceID(payload[1]), NRC: NRC(payload[2])}, nil
	}
	if payload[0] < positiveOffset {
		return Response{}, fmt.Errorf("uds: 0x%02X is not a response", payload[0])
	}
	return Response{Service: ServiceID(payload[0] - positiveOffset), Positive: true}, nil
}

func (r Response) String() string {
	if r.Positive {
		return r.Service.String() + " positive"
	}
	return fmt.Sprintf("%s negative (%s)", r.Service, r.NRC)
}

// Pending reports a 0x78 "response pending" negative response, after which
// the ECU sends the final answer later.
func (r Response) Pending() bool { return !r.Positive && r.NRC == ResponsePending }

// Hex renders b as upper-case hex without separators.
func Hex(b []byte) string { return strings.ToUpper(hex.EncodeToString(b)) }

// ParseHex decodes hex text, ignoring spaces, colons and an optional 0x prefix.
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("uds: parse hex: %w", err)
	}
	return b, nil
}

// Match reports whether the hex response text starts with expect; both sides
// are normalised to upper case without separators.
func Match(resp, expect string) bool {
	norm := strings.NewReplacer(" ", "", ":", "").Replace
	return strings.HasPrefix(strings.ToUpper(norm(resp)), strings.ToUpper(norm(expect)))
}

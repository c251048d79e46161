package cip

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedReply covers short buffers, bad extended-status sizes and
	// bad multiple service offset tables.
	ErrMalformedReply = errors.New("cip: malformed reply")

	// ErrUnexpectedFrameShape is returned when a common packet has the wrong
	// item count or item type codes.
	ErrUnexpectedFrameShape = errors.New("cip: unexpected frame shape")

	// ErrBatchTooLarge is returned by MultipleServicePacket.Call when the
	// encoded batch cannot be indexed with 16-bit offsets.
	ErrBatchTooLarge = errors.New("cip: multiple service packet too large")

	// ErrRequestTooLarge is returned by the routers when a request does not
	// fit the 16-bit length fields of its send envelope.
	ErrRequestTooLarge = errors.New("cip: request too large for its envelope")
)

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrMalformedReply}, args...)...)
}

func frameShape(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrUnexpectedFrameShape}, args...)...)
}

// ReplyServiceError reports a reply whose service code is not the echo of
// the request's service code.
type ReplyServiceError struct {
	Want byte
	Got  byte
}

func (e *ReplyServiceError) Error() string {
	return fmt.Sprintf("cip: unexpected reply service 0x%02X, want 0x%02X", e.Got, e.Want)
}

// StatusError is a reply with a nonzero general status. The reply payload is
// not kept.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "cip: " + e.Status.String()
}

// CheckReplyService verifies that reply echoes service with the reply bit set.
func CheckReplyService(service, reply byte) error {
	want := service | ReplyMask
	if reply != want {
		return &ReplyServiceError{Want: want, Got: reply}
	}
	return nil
}

// General status codes.
const (
	StatusSuccess           byte = 0x00
	StatusConnectionFailure byte = 0x01
	StatusPathSegmentError  byte = 0x04
	StatusPathUnknown       byte = 0x05
	StatusPartialTransfer   byte = 0x06
	StatusServiceNotSupport byte = 0x08
	StatusObjectNotExist    byte = 0x16
	StatusEmbeddedService   byte = 0x1E
	StatusGeneralError      byte = 0xFF
)

func statusName(status byte) string {
	switch status {
	case StatusSuccess:
		return "Success"
	case StatusConnectionFailure:
		return "Connection Failure"
	case 0x02:
		return "Resource Unavailable"
	case 0x03:
		return "Invalid Parameter"
	case StatusPathSegmentError:
		return "Path Segment Error"
	case StatusPathUnknown:
		return "Path Unknown"
	case StatusPartialTransfer:
		return "Partial Transfer"
	case 0x07:
		return "Connection Lost"
	case StatusServiceNotSupport:
		return "Service Not Supported"
	case 0x09:
		return "Invalid Attribute Value"
	case 0x0D:
		return "Object Already Exists"
	case 0x0E:
		return "Attribute Not Settable"
	case 0x0F:
		return "Privilege Violation"
	case 0x10:
		return "Device State Conflict"
	case 0x11:
		return "Reply Data Too Large"
	case 0x13:
		return "Not Enough Data"
	case 0x14:
		return "Attribute Not Supported"
	case 0x15:
		return "Too Much Data"
	case StatusObjectNotExist:
		return "Object Does Not Exist"
	case 0x1C:
		return "Not Enough Data Received"
	case StatusEmbeddedService:
		return "Embedded Service Error"
	case 0x20:
		return "Invalid Parameter Type"
	case 0x26:
		return "Invalid Path"
	case StatusGeneralError:
		return "General Error"
	default:
		return fmt.Sprintf("Status 0x%02X", status)
	}
}

func extStatusName(ext uint16) string {
	switch ext {
	case 0x0100:
		return "Connection In Use"
	case 0x0103:
		return "Transport Class Not Supported"
	case 0x0106:
		return "Ownership Conflict"
	case 0x0107:
		return "Connection Not Found"
	case 0x0108:
		return "Invalid Connection Type"
	case 0x0109:
		return "Invalid Connection Size"
	case 0x0111:
		return "Connection Request Refused"
	case 0x0203:
		return "Connection Timed Out"
	case 0x0204:
		return "Unconnected Send Timed Out"
	case 0x0205:
		return "Parameter Error"
	case 0x0311:
		return "Connection Request Failed"
	case 0x0312:
		return "Connection Request Rejected"
	case 0x2101:
		return "Illegal Data Type"
	case 0x2104:
		return "Tag Not Found"
	case 0x2105:
		return "Tag Read Only"
	case 0x2107:
		return "Size Too Small"
	case 0x2108:
		return "Size Too Large"
	case 0x2109:
		return "Offset Out of Range"
	default:
		return fmt.Sprintf("Extended Status 0x%04X", ext)
	}
}

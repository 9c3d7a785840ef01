// Package frame encodes and decodes the envelope carried by every transport
// message: requests and their responses matched by correlation id, and
// controller-pushed notifications addressed by topic.
//
// The envelope uses the protobuf wire format so that it is self-describing
// and tolerant of fields added later:
//
//	1  kind           varint
//	2  id             varint  (correlation id, 0 for notifications)
//	3  method         bytes
//	4  topic method   bytes
//	5  topic scope    bytes
//	6  payload        bytes
//	7  error code     bytes
//	8  error message  bytes
//	9  sequence       varint
//	10 timestamp      varint  (unix nanoseconds)
package frame

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind tags what a frame is.
type Kind uint8

const (
	KindRequest      Kind = 1
	KindResponse     Kind = 2
	KindError        Kind = 3
	KindNotification Kind = 4
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindError:
		return "Error"
	case KindNotification:
		return "Notification"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

const (
	fieldKind         protowire.Number = 1
	fieldID           protowire.Number = 2
	fieldMethod       protowire.Number = 3
	fieldTopicMethod  protowire.Number = 4
	fieldTopicScope   protowire.Number = 5
	fieldPayload      protowire.Number = 6
	fieldErrorCode    protowire.Number = 7
	fieldErrorMessage protowire.Number = 8
	fieldSequence     protowire.Number = 9
	fieldTimestamp    protowire.Number = 10
)

// ErrMalformed is matched (via errors.Is) by every DecodeError.
var ErrMalformed = errors.New("malformed frame")

// DecodeError describes why a frame could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

// Error implements error.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}

	return "malformed frame: " + e.Reason
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports ErrMalformed.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}

// Topic names a notification stream. Scope is an optional service-scoping
// key (a program handle, an I/O channel id, ...).
type Topic struct {
	Method string
	Scope  string
}

// String returns "method" or "method/scope".
func (t Topic) String() string {
	if t.Scope == "" {
		return t.Method
	}

	return t.Method + "/" + t.Scope
}

// Frame is one decoded envelope.
type Frame struct {
	Kind         Kind
	ID           uint32
	Method       string
	Topic        Topic
	Payload      []byte
	ErrorCode    string
	ErrorMessage string
	Sequence     uint64
	Timestamp    time.Time
}

// NewRequest builds a request frame.
func NewRequest(id uint32, method string, payload []byte) Frame {
	return Frame{Kind: KindRequest, ID: id, Method: method, Payload: payload}
}

// NewResponse builds a successful response to request id.
func NewResponse(id uint32, payload []byte) Frame {
	return Frame{Kind: KindResponse, ID: id, Payload: payload}
}

// NewError builds an error response to request id.
func NewError(id uint32, code, message string) Frame {
	return Frame{Kind: KindError, ID: id, ErrorCode: code, ErrorMessage: message}
}

// NewNotification builds a notification frame for topic.
func NewNotification(topic Topic, seq uint64, payload []byte) Frame {
	return Frame{Kind: KindNotification, Topic: topic, Sequence: seq, Payload: payload, Timestamp: time.Now()}
}

// Validate checks the per-kind invariants: requests, responses and errors
// carry a non-zero correlation id, requests name a method, and
// notifications carry a topic and no correlation id.
func (f Frame) Validate() error {
	switch f.Kind {
	case KindRequest:
		if f.ID == 0 {
			return &DecodeError{Reason: "request without correlation id"}
		}
		if f.Method == "" {
			return &DecodeError{Reason: "request without method"}
		}
	case KindResponse, KindError:
		if f.ID == 0 {
			return &DecodeError{Reason: f.Kind.String() + " without correlation id"}
		}
	case KindNotification:
		if f.ID != 0 {
			return &DecodeError{Reason: "notification with correlation id"}
		}
		if f.Topic.Method == "" {
			return &DecodeError{Reason: "notification without topic"}
		}
	default:
		return &DecodeError{Reason: fmt.Sprintf("unknown kind %d", uint8(f.Kind))}
	}

	return nil
}

// Marshal encodes f. It fails if f does not satisfy Validate.
func Marshal(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}

	b := make([]byte, 0, 32+len(f.Method)+len(f.Topic.Method)+len(f.Topic.Scope)+len(f.Payload))
	b = appendVarint(b, fieldKind, uint64(f.Kind))
	if f.ID != 0 {
		b = appendVarint(b, fieldID, uint64(f.ID))
	}
	b = appendString(b, fieldMethod, f.Method)
	b = appendString(b, fieldTopicMethod, f.Topic.Method)
	b = appendString(b, fieldTopicScope, f.Topic.Scope)
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	b = appendString(b, fieldErrorCode, f.ErrorCode)
	b = appendString(b, fieldErrorMessage, f.ErrorMessage)
	if f.Sequence != 0 {
		b = appendVarint(b, fieldSequence, f.Sequence)
	}
	if !f.Timestamp.IsZero() {
		b = appendVarint(b, fieldTimestamp, uint64(f.Timestamp.UnixNano()))
	}

	return b, nil
}

// Unmarshal decodes one frame. Truncated or garbage input, unknown kinds and
// per-kind violations return a *DecodeError. Unknown fields are skipped.
func Unmarshal(data []byte) (Frame, error) {
	var f Frame
	if len(data) == 0 {
		return f, &DecodeError{Reason: "empty frame"}
	}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Frame{}, &DecodeError{Reason: "bad tag", Err: protowire.ParseError(n)}
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Frame{}, &DecodeError{Reason: fmt.Sprintf("field %d", num), Err: protowire.ParseError(m)}
			}
			data = data[m:]
			if err := f.setVarint(num, v); err != nil {
				return Frame{}, err
			}
		case typ == protowire.BytesType && isBytesField(num):
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Frame{}, &DecodeError{Reason: fmt.Sprintf("field %d", num), Err: protowire.ParseError(m)}
			}
			data = data[m:]
			f.setBytes(num, v)
		case isVarintField(num) || isBytesField(num):
			return Frame{}, &DecodeError{Reason: fmt.Sprintf("field %d has wire type %d", num, typ)}
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return Frame{}, &DecodeError{Reason: fmt.Sprintf("unknown field %d", num), Err: protowire.ParseError(m)}
			}
			data = data[m:]
		}
	}

	if err := f.Validate(); err != nil {
		return Frame{}, err
	}

	return f, nil
}

func (f *Frame) setVarint(num protowire.Number, v uint64) error {
	switch num {
	case fieldKind:
		if v > 0xff {
			return &DecodeError{Reason: fmt.Sprintf("kind %d out of range", v)}
		}
		f.Kind = Kind(v)
	case fieldID:
		if v > 0xffffffff {
			return &DecodeError{Reason: fmt.Sprintf("correlation id %d out of range", v)}
		}
		f.ID = uint32(v)
	case fieldSequence:
		f.Sequence = v
	case fieldTimestamp:
		f.Timestamp = time.Unix(0, int64(v))
	}

	return nil
}

func (f *Frame) setBytes(num protowire.Number, v []byte) {
	switch num {
	case fieldMethod:
		f.Method = string(v)
	case fieldTopicMethod:
		f.Topic.Method = string(v)
	case fieldTopicScope:
		f.Topic.Scope = string(v)
	case fieldPayload:
		f.Payload = append([]byte(nil), v...)
	case fieldErrorCode:
		f.ErrorCode = string(v)
	case fieldErrorMessage:
		f.ErrorMessage = string(v)
	}
}

func isVarintField(num protowire.Number) bool {
	return num == fieldKind || num == fieldID || num == fieldSequence || num == fieldTimestamp
}

func isBytesField(num protowire.Number) bool {
	switch num {
	case fieldMethod, fieldTopicMethod, fieldTopicScope, fieldPayload, fieldErrorCode, fieldErrorMessage:
		return true
	}

	return false
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

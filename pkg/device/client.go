package device

import (
	"strings"
	"time"
)

// Client receives the data produced by a DataDevice. Implementations must be
// comparable, which in practice means pointer receivers.
//
// Deliver must return an error wrapping ErrClientUnreachable when the client
// is gone for good; the client is then removed from the device.
type Client interface {
	Deliver(data any, timestamp time.Time) error
}

// ClientFunc adapts a function to the Client interface. Being a func it is
// not comparable, so it must be wrapped in a pointer before use.
type ClientFunc func(data any, timestamp time.Time) error

func (f *ClientFunc) Deliver(data any, timestamp time.Time) error {
	return (*f)(data, timestamp)
}

// RemoteError is delivered to clients in place of data when the hardware
// reported a failure.
type RemoteError struct {
	Message string `json:"message" cbor:"message"`
}

// NewRemoteError wraps err with a message reduced to printable ASCII so any
// client can decode it.
func NewRemoteError(err error) *RemoteError {
	return &RemoteError{Message: asciiOnly(err.Error())}
}

func (e *RemoteError) Error() string { return e.Message }

func asciiOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		default:
			b.WriteByte('?')
		}
	}
	return b.String()
}

package deviceserver

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"microscope/pkg/device"
)

// frameEncMode encodes delivered frames with nanosecond timestamps.
var frameEncMode cbor.EncMode

var frameDecMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	frameEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create frame CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	frameDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create frame CBOR decoder mode: %v", err))
	}
}

// Frame is one delivery as received by a remote client. Exactly one of Data
// and Error is set.
type Frame struct {
	Timestamp time.Time       `cbor:"timestamp"`
	Data      cbor.RawMessage `cbor:"data,omitempty"`
	Error     string          `cbor:"error,omitempty"`
}

type wireFrame struct {
	Timestamp time.Time `cbor:"timestamp"`
	Data      any       `cbor:"data,omitempty"`
	Error     string    `cbor:"error,omitempty"`
}

// EncodeFrame encodes a delivery. Errors delivered in place of data travel in
// the error field.
func EncodeFrame(data any, timestamp time.Time) ([]byte, error) {
	f := wireFrame{Timestamp: timestamp}
	if re, ok := data.(*device.RemoteError); ok {
		f.Error = re.Message
	} else {
		f.Data = data
	}
	return frameEncMode.Marshal(f)
}

// DecodeFrame decodes a frame produced by EncodeFrame.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := frameDecMode.Unmarshal(b, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if f.Error != "" {
		return &device.RemoteError{Message: f.Error}
	}
	return frameDecMode.Unmarshal(f.Data, v)
}

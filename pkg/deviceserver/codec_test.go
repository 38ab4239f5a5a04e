package deviceserver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microscope/pkg/device"
)

func TestFrameImage(t *testing.T) {
	im := &device.Image{Width: 2, Height: 2, Pix: []uint16{1, 2, 3, 65535}}
	ts := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

	b, err := EncodeFrame(im, ts)
	require.NoError(t, err)

	f, err := DecodeFrame(b)
	require.NoError(t, err)
	assert.True(t, ts.Equal(f.Timestamp))
	assert.Empty(t, f.Error)

	var got device.Image
	require.NoError(t, f.Decode(&got))
	assert.Equal(t, *im, got)
}

func TestFrameError(t *testing.T) {
	b, err := EncodeFrame(device.NewRemoteError(errors.New("sensor overheated")), time.Now())
	require.NoError(t, err)

	f, err := DecodeFrame(b)
	require.NoError(t, err)
	assert.Nil(t, f.Data)

	var v any
	err = f.Decode(&v)
	var re *device.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "sensor overheated", re.Message)
}

func TestDecodeFrameGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte{0xff, 0x00})
	assert.Error(t, err)
}

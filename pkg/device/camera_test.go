package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageTransforms(t *testing.T) {
	// 1 2 3
	// 4 5 6
	im := &Image{Width: 3, Height: 2, Pix: []uint16{1, 2, 3, 4, 5, 6}}

	rot := im.Rot90()
	assert.Equal(t, 2, rot.Width)
	assert.Equal(t, 3, rot.Height)
	assert.Equal(t, []uint16{3, 6, 2, 5, 1, 4}, rot.Pix)

	assert.Equal(t, []uint16{3, 2, 1, 6, 5, 4}, im.FlipLR().Pix)
	assert.Equal(t, []uint16{4, 5, 6, 1, 2, 3}, im.FlipUD().Pix)
	assert.Equal(t, []uint16{1, 2, 3, 4, 5, 6}, im.Pix, "source untouched")
}

func TestCombineTransforms(t *testing.T) {
	tests := []struct {
		name    string
		readout Transform
		client  Transform
		want    Transform
	}{
		{name: "identity", want: Transform{}},
		{name: "client only", client: Transform{FlipLR: true}, want: Transform{FlipLR: true}},
		{name: "cancelling flips", readout: Transform{FlipUD: true}, client: Transform{FlipUD: true}, want: Transform{}},
		{
			name:    "double rotation is a half turn",
			readout: Transform{Rot90: true},
			client:  Transform{Rot90: true},
			want:    Transform{FlipLR: true, FlipUD: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, combine(tc.readout, tc.client))
		})
	}
}

func TestAllowedTransforms(t *testing.T) {
	require.Len(t, AllowedTransforms, 8)
	assert.Equal(t, Transform{}, AllowedTransforms[0])
	assert.Equal(t, Transform{Rot90: true}, AllowedTransforms[1])
	assert.Equal(t, Transform{FlipLR: true, FlipUD: true, Rot90: true}, AllowedTransforms[7])
}

// fakeCamera is a 4x2 sensor in hardware orientation.
type fakeCamera struct {
	fakeSource
	binning  Binning
	roi      ROI
	exposure float64
	readout  []Transform
	trig     *Triggering
}

func newFakeCamera() *fakeCamera {
	c := &fakeCamera{
		fakeSource: fakeSource{fakeHooks: fakeHooks{enableOK: true}},
		binning:    Binning{H: 1, V: 1},
		readout:    []Transform{{}, {Rot90: true}},
	}
	c.trig = NewTriggering(Trigger{TriggerSoftware, TriggerOnce}, nil,
		Trigger{TriggerSoftware, TriggerOnce}, Trigger{TriggerRisingEdge, TriggerOnce})
	return c
}

func (c *fakeCamera) ExposureTime() (float64, error) { return c.exposure, nil }
func (c *fakeCamera) SetExposureTime(s float64) error { c.exposure = s; return nil }
func (c *fakeCamera) CycleTime() (float64, error) { return c.exposure + 0.01, nil }
func (c *fakeCamera) SensorShape() (Shape, error) { return Shape{Width: 4, Height: 2}, nil }
func (c *fakeCamera) Binning() (Binning, error) { return c.binning, nil }
func (c *fakeCamera) SetBinning(b Binning) error { c.binning = b; return nil }
func (c *fakeCamera) ROI() (ROI, error) { return c.roi, nil }
func (c *fakeCamera) SetROI(r ROI) error { c.roi = r; return nil }
func (c *fakeCamera) ReadoutModes() []string { return []string{"normal", "rotated"} }
func (c *fakeCamera) Triggering() *Triggering { return c.trig }
func (c *fakeCamera) SetReadoutMode(i int) (Transform, error) { return c.readout[i], nil }

func newTestCamera(t *testing.T) (*Camera, *fakeCamera) {
	t.Helper()
	hw := newFakeCamera()
	c, err := NewCamera("camera", hw, testLogger())
	require.NoError(t, err)
	require.NoError(t, c.Initialize())
	t.Cleanup(func() { c.Close() })
	return c, hw
}

func TestCameraGeometryUnderRotation(t *testing.T) {
	c, hw := newTestCamera(t)
	hw.binning = Binning{H: 2, V: 1}

	shape, err := c.SensorShape()
	require.NoError(t, err)
	assert.Equal(t, Shape{Width: 4, Height: 2}, shape)

	require.NoError(t, c.SetSetting("transform", 1))
	assert.Equal(t, Transform{Rot90: true}, c.Transform())

	shape, err = c.SensorShape()
	require.NoError(t, err)
	assert.Equal(t, Shape{Width: 2, Height: 4}, shape)

	b, err := c.Binning()
	require.NoError(t, err)
	assert.Equal(t, Binning{H: 1, V: 2}, b)

	require.NoError(t, c.SetBinning(Binning{H: 3, V: 1}))
	assert.Equal(t, Binning{H: 1, V: 3}, hw.binning, "stored in hardware orientation")

	hw.roi = ROI{Left: 1, Top: 2, Width: 3, Height: 4}
	r, err := c.ROI()
	require.NoError(t, err)
	assert.Equal(t, ROI{Left: 2, Top: 1, Width: 4, Height: 3}, r)
}

func TestCameraROIDefaults(t *testing.T) {
	c, hw := newTestCamera(t)
	hw.binning = Binning{H: 2, V: 1}

	require.NoError(t, c.SetROI(ROI{}))
	assert.Equal(t, ROI{Width: 2, Height: 2}, hw.roi)

	require.NoError(t, c.SetSetting("roi", []any{1.0, 0.0, 1.0, 0.0}))
	assert.Equal(t, ROI{Left: 1, Width: 1, Height: 2}, hw.roi)

	assert.ErrorIs(t, c.SetSetting("roi", []any{1, 2}), ErrUnsupportedFeature)
}

func TestCameraReadoutModeTransform(t *testing.T) {
	c, _ := newTestCamera(t)

	require.NoError(t, c.SetSetting("readout mode", 1))
	assert.Equal(t, 1, c.ReadoutMode())
	assert.Equal(t, Transform{}, c.Transform(), "client transform unchanged")
	assert.Equal(t, Transform{Rot90: true}, c.EffectiveTransform())

	require.NoError(t, c.SetTransform(Transform{Rot90: true}))
	assert.Equal(t, Transform{FlipLR: true, FlipUD: true}, c.EffectiveTransform())

	assert.ErrorIs(t, c.SetReadoutMode(5), ErrUnsupportedFeature)

	desc, err := c.DescribeSetting("readout mode")
	require.NoError(t, err)
	assert.Equal(t, []EnumMember{{0, "normal"}, {1, "rotated"}}, desc.Values)
}

func TestCameraProcessesFrames(t *testing.T) {
	c, hw := newTestCamera(t)
	require.NoError(t, c.SetTransform(Transform{FlipLR: true}))
	client := newChanClient()
	c.SetClient(client)
	require.True(t, c.Enable())

	hw.add(&Image{Width: 2, Height: 1, Pix: []uint16{1, 2}})
	im, ok := client.next(t).data.(*Image)
	require.True(t, ok)
	assert.Equal(t, []uint16{2, 1}, im.Pix)
}

func TestCameraTriggerSettings(t *testing.T) {
	c, hw := newTestCamera(t)

	require.NoError(t, c.SetSetting("trigger_type", "RISING_EDGE"))
	assert.Equal(t, TriggerRisingEdge, hw.trig.TriggerType())

	assert.ErrorIs(t, c.SetSetting("trigger_mode", int(TriggerBulb)), ErrUnsupportedFeature)
	assert.Equal(t, TriggerOnce, hw.trig.TriggerMode())

	trig, ok := c.Triggering()
	require.True(t, ok)
	assert.Same(t, hw.trig, trig)
}

func TestCameraExposure(t *testing.T) {
	c, _ := newTestCamera(t)

	require.NoError(t, c.SetExposureTime(0.5))
	e, err := c.ExposureTime()
	require.NoError(t, err)
	assert.Equal(t, 0.5, e)
	assert.ErrorIs(t, c.SetExposureTime(-1), ErrUnsupportedFeature)

	_, err = c.SensorTemperature()
	assert.ErrorIs(t, err, ErrNotSupported)
}

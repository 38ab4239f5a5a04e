package device

import (
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Transform is the orientation correction applied to camera frames. The
// rotation is applied first, then the flips.
type Transform struct {
	FlipLR bool `json:"fliplr"`
	FlipUD bool `json:"flipud"`
	Rot90  bool `json:"rot90"`
}

// AllowedTransforms lists every transform; the index of a transform in this
// list is its value in the "transform" setting.
var AllowedTransforms = func() []Transform {
	var ts []Transform
	for _, lr := range []bool{false, true} {
		for _, ud := range []bool{false, true} {
			for _, rot := range []bool{false, true} {
				ts = append(ts, Transform{FlipLR: lr, FlipUD: ud, Rot90: rot})
			}
		}
	}
	return ts
}()

func (t Transform) String() string {
	return fmt.Sprintf("(%t, %t, %t)", t.FlipLR, t.FlipUD, t.Rot90)
}

func (t Transform) index() int {
	for i, a := range AllowedTransforms {
		if a == t {
			return i
		}
	}
	return 0
}

// combine merges a readout correction with a client transform. Rotating
// twice by a quarter turn is a half turn, which is both flips.
func combine(readout, client Transform) Transform {
	t := Transform{
		FlipLR: readout.FlipLR != client.FlipLR,
		FlipUD: readout.FlipUD != client.FlipUD,
		Rot90:  readout.Rot90 != client.Rot90,
	}
	if readout.Rot90 && client.Rot90 {
		t.FlipLR = !t.FlipLR
		t.FlipUD = !t.FlipUD
	}
	return t
}

// Apply transforms a frame.
func (t Transform) Apply(im *Image) *Image {
	if t.Rot90 {
		im = im.Rot90()
	}
	if t.FlipUD {
		im = im.FlipUD()
	}
	if t.FlipLR {
		im = im.FlipLR()
	}
	return im
}

// Shape is a sensor size in pixels.
type Shape struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Binning struct {
	H, V int
}

type ROI struct {
	Left, Top     int
	Width, Height int
}

// Binning and ROI travel as tuples, the form their settings accept.

func (b Binning) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{b.H, b.V})
}

func (r ROI) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{r.Left, r.Top, r.Width, r.Height})
}

// CameraHooks are the hardware functions of a camera. Shapes, binnings and
// ROIs are in hardware orientation.
type CameraHooks interface {
	DataHooks
	ExposureTime() (float64, error)
	SetExposureTime(seconds float64) error
	CycleTime() (float64, error)
	SensorShape() (Shape, error)
	Binning() (Binning, error)
	SetBinning(Binning) error
	ROI() (ROI, error)
	SetROI(ROI) error
}

// ReadoutModer is implemented by cameras with several readout modes. Setting
// a mode returns the orientation correction that mode requires.
type ReadoutModer interface {
	ReadoutModes() []string
	SetReadoutMode(index int) (Transform, error)
}

// SensorThermometer is implemented by cameras reporting a sensor
// temperature.
type SensorThermometer interface {
	SensorTemperature() (float64, error)
}

// TriggerTarget is implemented by hooks of triggerable hardware.
type TriggerTarget interface {
	Triggering() *Triggering
}

// Camera is a data device producing images. Frames are corrected with the
// combination of the readout transform and the client transform before
// delivery, and geometry is reported in the corrected orientation.
type Camera struct {
	*DataDevice
	hooks CameraHooks

	mu          sync.Mutex
	readout     Transform
	client      Transform
	transform   Transform
	readoutMode int
}

func NewCamera(name string, hooks CameraHooks, logger log.FieldLogger, opts ...DataOption) (*Camera, error) {
	if hooks == nil {
		return nil, fmt.Errorf("%w: camera %q has no hooks", ErrConfiguration, name)
	}

	c := &Camera{hooks: hooks}
	opts = append(opts, WithProcessor(c.process))
	dd, err := NewDataDevice(name, hooks, logger, opts...)
	if err != nil {
		return nil, err
	}
	c.DataDevice = dd

	transforms := make([]string, len(AllowedTransforms))
	for i, t := range AllowedTransforms {
		transforms[i] = t.String()
	}

	s := dd.Settings()
	err = s.Add("transform", TypeEnum,
		func() (any, error) { return c.Transform().index(), nil },
		func(v any) error {
			i := v.(int)
			if i < 0 || i >= len(AllowedTransforms) {
				return fmt.Errorf("%w: transform %d", ErrUnsupportedFeature, i)
			}
			return c.SetTransform(AllowedTransforms[i])
		},
		transforms)
	if err != nil {
		return nil, err
	}
	err = s.Add("readout mode", TypeEnum,
		func() (any, error) { return c.ReadoutMode(), nil },
		func(v any) error { return c.SetReadoutMode(v.(int)) },
		func() any { return c.ReadoutModes() })
	if err != nil {
		return nil, err
	}
	err = s.Add("binning", TypeTuple,
		func() (any, error) { return c.Binning() },
		func(v any) error {
			b, err := asBinning(v)
			if err != nil {
				return err
			}
			return c.SetBinning(b)
		},
		nil)
	if err != nil {
		return nil, err
	}
	err = s.Add("roi", TypeTuple,
		func() (any, error) { return c.ROI() },
		func(v any) error {
			r, err := asROI(v)
			if err != nil {
				return err
			}
			return c.SetROI(r)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if t, ok := hooks.(TriggerTarget); ok {
		if err := t.Triggering().Register(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Camera) process(data any) (any, error) {
	im, ok := data.(*Image)
	if !ok {
		return data, nil
	}
	c.mu.Lock()
	t := c.transform
	c.mu.Unlock()
	return t.Apply(im), nil
}

// Transform returns the client transform.
func (c *Camera) Transform() Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// SetTransform sets the client transform.
func (c *Camera) SetTransform(t Transform) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = t
	c.transform = combine(c.readout, c.client)
	return nil
}

// SetReadoutTransform sets the correction required by the current readout.
func (c *Camera) SetReadoutTransform(t Transform) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readout = t
	c.transform = combine(c.readout, c.client)
}

// EffectiveTransform is what is applied to frames.
func (c *Camera) EffectiveTransform() Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transform
}

func (c *Camera) rotated() bool {
	return c.EffectiveTransform().Rot90
}

func (c *Camera) ReadoutModes() []string {
	if rm, ok := c.hooks.(ReadoutModer); ok {
		return rm.ReadoutModes()
	}
	return []string{"default"}
}

func (c *Camera) ReadoutMode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readoutMode
}

func (c *Camera) SetReadoutMode(index int) error {
	modes := c.ReadoutModes()
	if index < 0 || index >= len(modes) {
		return fmt.Errorf("%w: readout mode %d", ErrUnsupportedFeature, index)
	}
	if rm, ok := c.hooks.(ReadoutModer); ok {
		t, err := rm.SetReadoutMode(index)
		if err != nil {
			return err
		}
		c.SetReadoutTransform(t)
	}
	c.mu.Lock()
	c.readoutMode = index
	c.mu.Unlock()
	return nil
}

func (c *Camera) ExposureTime() (float64, error) { return c.hooks.ExposureTime() }

func (c *Camera) SetExposureTime(seconds float64) error {
	if seconds < 0 {
		return fmt.Errorf("%w: negative exposure time %g", ErrUnsupportedFeature, seconds)
	}
	return c.hooks.SetExposureTime(seconds)
}

func (c *Camera) CycleTime() (float64, error) { return c.hooks.CycleTime() }

func (c *Camera) SensorTemperature() (float64, error) {
	if t, ok := c.hooks.(SensorThermometer); ok {
		return t.SensorTemperature()
	}
	return 0, fmt.Errorf("%w: %s has no temperature sensor", ErrNotSupported, c.name)
}

// Triggering returns the trigger state of triggerable cameras.
func (c *Camera) Triggering() (*Triggering, bool) {
	if t, ok := c.hooks.(TriggerTarget); ok {
		return t.Triggering(), true
	}
	return nil, false
}

// SensorShape returns the sensor size in the corrected orientation.
func (c *Camera) SensorShape() (Shape, error) {
	s, err := c.hooks.SensorShape()
	if err != nil {
		return Shape{}, err
	}
	if c.rotated() {
		s.Width, s.Height = s.Height, s.Width
	}
	return s, nil
}

func (c *Camera) Binning() (Binning, error) {
	b, err := c.hooks.Binning()
	if err != nil {
		return Binning{}, err
	}
	if c.rotated() {
		b.H, b.V = b.V, b.H
	}
	return b, nil
}

func (c *Camera) SetBinning(b Binning) error {
	if b.H < 1 || b.V < 1 {
		return fmt.Errorf("%w: binning %dx%d", ErrUnsupportedFeature, b.H, b.V)
	}
	if c.rotated() {
		b.H, b.V = b.V, b.H
	}
	return c.hooks.SetBinning(b)
}

func (c *Camera) ROI() (ROI, error) {
	r, err := c.hooks.ROI()
	if err != nil {
		return ROI{}, err
	}
	if c.rotated() {
		r = ROI{Left: r.Top, Top: r.Left, Width: r.Height, Height: r.Width}
	}
	return r, nil
}

// SetROI sets the region of interest. A zero width or height selects the
// whole sensor along that axis at the current binning.
func (c *Camera) SetROI(r ROI) error {
	shape, err := c.SensorShape()
	if err != nil {
		return err
	}
	b, err := c.Binning()
	if err != nil {
		return err
	}
	if r.Width == 0 {
		r.Width = shape.Width / b.H
	}
	if r.Height == 0 {
		r.Height = shape.Height / b.V
	}
	if c.rotated() {
		r.Width, r.Height = r.Height, r.Width
	}
	return c.hooks.SetROI(r)
}

func asBinning(v any) (Binning, error) {
	if b, ok := v.(Binning); ok {
		return b, nil
	}
	n, err := asInts(v, 2)
	if err != nil {
		return Binning{}, err
	}
	return Binning{H: n[0], V: n[1]}, nil
}

func asROI(v any) (ROI, error) {
	if r, ok := v.(ROI); ok {
		return r, nil
	}
	n, err := asInts(v, 4)
	if err != nil {
		return ROI{}, err
	}
	return ROI{Left: n[0], Top: n[1], Width: n[2], Height: n[3]}, nil
}

// asInts reads an n-tuple of integers as decoded from the wire.
func asInts(v any, n int) ([]int, error) {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case []int:
		for _, i := range t {
			items = append(items, i)
		}
	default:
		return nil, fmt.Errorf("%w: %v (%T) is not a %d-tuple", ErrUnsupportedFeature, v, v, n)
	}
	if len(items) != n {
		return nil, fmt.Errorf("%w: %v is not a %d-tuple", ErrUnsupportedFeature, v, n)
	}
	out := make([]int, n)
	for i, item := range items {
		x, ok := asInt(item)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not an integer", ErrUnsupportedFeature, item)
		}
		out[i] = x
	}
	return out, nil
}

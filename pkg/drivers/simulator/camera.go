// Package simulator provides software stand-ins for every device type, used
// for testing clients without hardware.
package simulator

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"microscope/pkg/device"
)

// CameraConfig describes a simulated sensor.
type CameraConfig struct {
	Width        int
	Height       int
	ExposureTime float64
	BufferLength int
}

// Camera produces test images, one per soft trigger.
type Camera struct {
	logger log.FieldLogger
	shape  device.Shape
	gen    ImageGenerator
	trig   *device.Triggering

	mu           sync.Mutex
	roi          device.ROI
	binning      device.Binning
	exposure     float64
	acquiring    bool
	triggered    int
	sent         int
	errorPercent int
	gain         int
}

// NewCamera returns a simulated camera device.
func NewCamera(name string, cfg CameraConfig, logger log.FieldLogger) (*device.Camera, error) {
	if cfg.Width <= 0 {
		cfg.Width = 512
	}
	if cfg.Height <= 0 {
		cfg.Height = 512
	}
	hw := &Camera{
		logger:   logger,
		shape:    device.Shape{Width: cfg.Width, Height: cfg.Height},
		roi:      device.ROI{Width: cfg.Width, Height: cfg.Height},
		binning:  device.Binning{H: 1, V: 1},
		exposure: cfg.ExposureTime,
	}
	hw.trig = device.NewTriggering(
		device.Trigger{Type: device.TriggerSoftware, Mode: device.TriggerOnce}, nil,
		device.Trigger{Type: device.TriggerSoftware, Mode: device.TriggerOnce})

	var opts []device.DataOption
	if cfg.BufferLength > 0 {
		opts = append(opts, device.WithBufferLength(cfg.BufferLength))
	}
	cam, err := device.NewCamera(name, hw, logger, opts...)
	if err != nil {
		return nil, err
	}
	if err := hw.addSettings(cam); err != nil {
		return nil, err
	}
	return cam, nil
}

func (c *Camera) addSettings(cam *device.Camera) error {
	err := cam.AddSetting("image pattern", device.TypeEnum,
		func() (any, error) { return c.gen.Pattern(), nil },
		func(v any) error { c.gen.SetPattern(v.(int)); return nil },
		patternNames)
	if err != nil {
		return err
	}
	err = cam.AddSetting("image data type", device.TypeEnum,
		func() (any, error) { return c.gen.DataType(), nil },
		func(v any) error { c.gen.SetDataType(v.(int)); return nil },
		dataTypeNames)
	if err != nil {
		return err
	}
	err = cam.AddSetting("gain", device.TypeInt,
		func() (any, error) { c.mu.Lock(); defer c.mu.Unlock(); return c.gain, nil },
		func(v any) error { c.mu.Lock(); defer c.mu.Unlock(); c.gain = v.(int); return nil },
		device.Range{Min: 0, Max: 8192})
	if err != nil {
		return err
	}
	return cam.AddSetting("_error_percent", device.TypeInt,
		func() (any, error) { c.mu.Lock(); defer c.mu.Unlock(); return c.errorPercent, nil },
		func(v any) error { c.mu.Lock(); defer c.mu.Unlock(); c.errorPercent = v.(int); return nil },
		device.Range{Min: 0, Max: 100})
}

func (c *Camera) Initialize() error {
	c.logger.Info("Initializing.")
	return nil
}

func (c *Camera) OnEnable() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquiring = true
	c.triggered = 0
	c.sent = 0
	c.logger.Info("Acquisition enabled.")
	return true, nil
}

func (c *Camera) OnDisable() error { return c.Abort() }

func (c *Camera) OnShutdown() error { return nil }

func (c *Camera) MakeSafe() error { return c.Abort() }

func (c *Camera) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquiring {
		c.logger.Infof("Disabling acquisition; %d images sent.", c.sent)
	}
	c.acquiring = false
	return nil
}

func (c *Camera) SoftTrigger() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Debugf("Trigger received; acquiring is %t.", c.acquiring)
	if c.acquiring {
		c.triggered++
	}
	return nil
}

func (c *Camera) Triggering() *device.Triggering { return c.trig }

func (c *Camera) FetchData() (any, error) {
	c.mu.Lock()
	if !c.acquiring || c.triggered == 0 {
		c.mu.Unlock()
		return nil, nil
	}
	if rand.IntN(100) < c.errorPercent {
		c.triggered--
		c.mu.Unlock()
		return nil, fmt.Errorf("simulated failure fetching frame %d", c.sent)
	}
	c.triggered--
	exposure := c.exposure
	width := c.roi.Width / c.binning.H
	height := c.roi.Height / c.binning.V
	c.sent++
	c.mu.Unlock()

	time.Sleep(time.Duration(exposure * float64(time.Second)))

	white := float64(c.gen.White())
	dark := rand.Float64() * white / 8
	light := white - rand.Float64()*white/2
	return c.gen.Image(width, height, dark, light), nil
}

func (c *Camera) ExposureTime() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exposure, nil
}

func (c *Camera) SetExposureTime(seconds float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposure = seconds
	return nil
}

func (c *Camera) CycleTime() (float64, error) { return c.ExposureTime() }

func (c *Camera) SensorShape() (device.Shape, error) { return c.shape, nil }

func (c *Camera) SensorTemperature() (float64, error) { return 20, nil }

func (c *Camera) Binning() (device.Binning, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binning, nil
}

func (c *Camera) SetBinning(b device.Binning) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binning = b
	return nil
}

func (c *Camera) ROI() (device.ROI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roi, nil
}

func (c *Camera) SetROI(r device.ROI) error {
	if r.Left < 0 || r.Top < 0 || r.Left+r.Width > c.shape.Width || r.Top+r.Height > c.shape.Height {
		return fmt.Errorf("%w: roi %v outside the %dx%d sensor", device.ErrUnsupportedFeature, r, c.shape.Width, c.shape.Height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roi = r
	return nil
}

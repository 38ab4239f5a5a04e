// Package ttl drives lasers whose emission is gated by a digital line and
// whose power is fixed at the controller.
package ttl

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"microscope/pkg/device"
	"microscope/pkg/gpio"
)

type Config struct {
	Pin int
	// Power is the emitted power in mW while the line is active.
	Power float64
	// ActiveLow lasers emit with the line low.
	ActiveLow bool
}

// Laser switches emission with a GPIO pin.
type Laser struct {
	gpio   gpio.Driver
	cfg    Config
	logger log.FieldLogger

	mu       sync.Mutex
	setPoint float64
	enabled  bool
}

func New(name string, driver gpio.Driver, cfg Config, logger log.FieldLogger) (*device.Laser, error) {
	if cfg.Pin < 0 {
		return nil, fmt.Errorf("%w: ttl laser %q has no pin", device.ErrConfiguration, name)
	}
	if cfg.Power <= 0 {
		return nil, fmt.Errorf("%w: ttl laser %q needs a positive power", device.ErrConfiguration, name)
	}
	hw := &Laser{gpio: driver, cfg: cfg, logger: logger, setPoint: cfg.Power}
	return device.NewLaser(name, hw, logger)
}

func (l *Laser) level(on bool) gpio.Level {
	return gpio.Level(on != l.cfg.ActiveLow)
}

func (l *Laser) emit(on bool) error {
	if err := l.gpio.WritePin(l.cfg.Pin, l.level(on)); err != nil {
		return fmt.Errorf("%w: pin %d: %v", device.ErrHardwareCommunication, l.cfg.Pin, err)
	}
	return nil
}

func (l *Laser) Initialize() error {
	if err := l.gpio.SetupPin(l.cfg.Pin, gpio.Output); err != nil {
		return fmt.Errorf("%w: pin %d: %v", device.ErrHardwareCommunication, l.cfg.Pin, err)
	}
	return l.emit(false)
}

func (l *Laser) OnEnable() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.emit(l.setPoint > 0); err != nil {
		return false, err
	}
	l.enabled = true
	return true, nil
}

func (l *Laser) OnDisable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
	return l.emit(false)
}

func (l *Laser) OnShutdown() error {
	if err := l.emit(false); err != nil {
		return err
	}
	return l.gpio.Close()
}

func (l *Laser) MakeSafe() error { return l.emit(false) }

func (l *Laser) Status() ([]string, error) {
	on, err := l.IsOn()
	if err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf("pin %d", l.cfg.Pin),
		fmt.Sprintf("emission: %t", on),
	}, nil
}

func (l *Laser) IsOn() (bool, error) {
	level, err := l.gpio.ReadPin(l.cfg.Pin)
	if err != nil {
		return false, fmt.Errorf("%w: pin %d: %v", device.ErrHardwareCommunication, l.cfg.Pin, err)
	}
	return level == l.level(true), nil
}

func (l *Laser) MinPower() (float64, error) { return 0, nil }

func (l *Laser) MaxPower() (float64, error) { return l.cfg.Power, nil }

func (l *Laser) Power() (float64, error) {
	on, err := l.IsOn()
	if err != nil || !on {
		return 0, err
	}
	return l.cfg.Power, nil
}

// SetPower can only switch the laser: any positive power emits at the fixed
// power once enabled, zero blanks it.
func (l *Laser) SetPower(mw float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setPoint = mw
	return l.emit(l.enabled && mw > 0)
}

package device

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LaserHooks are the hardware functions of a laser. Powers are in mW.
type LaserHooks interface {
	Hooks
	Status() ([]string, error)
	IsOn() (bool, error)
	MinPower() (float64, error)
	MaxPower() (float64, error)
	Power() (float64, error)
	SetPower(mw float64) error
}

// Laser clamps requested powers to the hardware range and remembers the
// last set point.
type Laser struct {
	*Base
	hooks LaserHooks

	mu       sync.Mutex
	setPoint float64
	hasPoint bool
}

func NewLaser(name string, hooks LaserHooks, logger log.FieldLogger) (*Laser, error) {
	if hooks == nil {
		return nil, fmt.Errorf("%w: laser %q has no hooks", ErrConfiguration, name)
	}
	base, err := New(name, hooks, logger)
	if err != nil {
		return nil, err
	}
	l := &Laser{Base: base, hooks: hooks}

	err = l.AddSetting("power", TypeFloat,
		func() (any, error) { return l.Power() },
		func(v any) error { return l.SetPower(v.(float64)) },
		ValuesFunc(func() any {
			lo, err := hooks.MinPower()
			if err != nil {
				l.logger.WithError(err).Error("Error reading minimum power")
				return nil
			}
			hi, err := hooks.MaxPower()
			if err != nil {
				l.logger.WithError(err).Error("Error reading maximum power")
				return nil
			}
			return Range{Min: lo, Max: hi}
		}))
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Laser) Status() ([]string, error) { return l.hooks.Status() }

func (l *Laser) IsOn() (bool, error) { return l.hooks.IsOn() }

func (l *Laser) MinPower() (float64, error) { return l.hooks.MinPower() }

func (l *Laser) MaxPower() (float64, error) { return l.hooks.MaxPower() }

func (l *Laser) Power() (float64, error) { return l.hooks.Power() }

// SetPoint returns the last requested power after clamping.
func (l *Laser) SetPoint() (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setPoint, l.hasPoint
}

// SetPower clamps mw to the laser range, records it as the set point and
// sends it to the hardware.
func (l *Laser) SetPower(mw float64) error {
	lo, err := l.hooks.MinPower()
	if err != nil {
		return err
	}
	hi, err := l.hooks.MaxPower()
	if err != nil {
		return err
	}
	mw = max(min(mw, hi), lo)

	l.mu.Lock()
	l.setPoint, l.hasPoint = mw, true
	l.mu.Unlock()

	return l.hooks.SetPower(mw)
}

package simulator

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"microscope/pkg/device"
)

// Laser is a 100 mW laser whose emission follows the enabled state.
type Laser struct {
	logger log.FieldLogger

	mu       sync.Mutex
	power    float64
	emission bool
}

// NewLaser returns a simulated laser device.
func NewLaser(name string, logger log.FieldLogger) (*device.Laser, error) {
	return device.NewLaser(name, &Laser{logger: logger}, logger)
}

func (l *Laser) Initialize() error { return nil }

func (l *Laser) OnEnable() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emission = true
	return true, nil
}

func (l *Laser) OnDisable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emission = false
	return nil
}

func (l *Laser) OnShutdown() error { return l.OnDisable() }

func (l *Laser) Status() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return []string{
		fmt.Sprintf("emission: %t", l.emission),
		fmt.Sprintf("power: %g mW", l.power),
	}, nil
}

func (l *Laser) IsOn() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emission, nil
}

func (l *Laser) MinPower() (float64, error) { return 0, nil }

func (l *Laser) MaxPower() (float64, error) { return 100, nil }

// Power is the emitted power, zero while emission is off.
func (l *Laser) Power() (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.emission {
		return 0, nil
	}
	return l.power, nil
}

func (l *Laser) SetPower(mw float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Infof("Power set to %g.", mw)
	l.power = mw
	return nil
}

// Package gpio switches digital lines, on a Raspberry Pi through go-rpio or
// in memory for development.
package gpio

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver controls GPIO pins. Pins are numbered as BCM GPIOs.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// MockDriver keeps pin levels in memory. Reading a pin returns the last
// level written to it.
type MockDriver struct {
	logger log.FieldLogger

	mu     sync.Mutex
	modes  map[int]PinMode
	levels map[int]Level
}

// NewDriver creates a GPIO driver. If mock is true it returns a MockDriver.
func NewDriver(mock bool, logger log.FieldLogger) (Driver, error) {
	if mock {
		logger.Info("Using mock GPIO driver")
		return NewMockDriver(logger), nil
	}
	return NewRPiDriver(logger)
}

func NewMockDriver(logger log.FieldLogger) *MockDriver {
	return &MockDriver{
		logger: logger,
		modes:  make(map[int]PinMode),
		levels: make(map[int]Level),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Debugf("SetupPin %d mode %d", pin, mode)
	m.modes[pin] = mode
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Debugf("WritePin %d %t", pin, level)
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

// Mode returns the mode a pin was set up with.
func (m *MockDriver) Mode(pin int) (PinMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[pin]
	return mode, ok
}

func (m *MockDriver) Close() error {
	m.logger.Debug("GPIO close (mock)")
	return nil
}

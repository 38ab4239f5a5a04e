package simulator

import (
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"microscope/pkg/device"
)

// DeformableMirror remembers the last applied pattern.
type DeformableMirror struct {
	actuators int

	mu      sync.Mutex
	current []float64
}

// NewDeformableMirror returns a simulated mirror with the given number of
// actuators.
func NewDeformableMirror(name string, actuators int, logger log.FieldLogger) (*device.DeformableMirror, error) {
	return device.NewDeformableMirror(name, &DeformableMirror{actuators: actuators}, logger)
}

func (m *DeformableMirror) Initialize() error { return nil }

func (m *DeformableMirror) OnEnable() (bool, error) { return true, nil }

func (m *DeformableMirror) OnDisable() error { return nil }

func (m *DeformableMirror) OnShutdown() error { return nil }

func (m *DeformableMirror) NActuators() int { return m.actuators }

func (m *DeformableMirror) ApplyPattern(pattern []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = slices.Clone(pattern)
	return nil
}

// CurrentPattern returns the last applied pattern, nil before the first.
func (m *DeformableMirror) CurrentPattern() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.current)
}

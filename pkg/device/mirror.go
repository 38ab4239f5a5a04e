package device

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// MirrorHooks are the hardware functions of a deformable mirror. Patterns
// reach the hooks already scaled to the native range.
type MirrorHooks interface {
	Hooks
	NActuators() int
	ApplyPattern(pattern []float64) error
}

// PatternQueuer is implemented by mirrors that hold a pattern sequence in
// hardware and step through it on a hardware trigger.
type PatternQueuer interface {
	QueuePatterns(patterns [][]float64, trigger Trigger) error
}

// MirrorOption configures a DeformableMirror.
type MirrorOption func(*DeformableMirror)

// WithNativeRange sets the actuator range of the hardware. Patterns are given
// in [0, 1] and scaled to it.
func WithNativeRange(r Range) MirrorOption {
	return func(m *DeformableMirror) { m.native = r }
}

// DeformableMirror validates and scales actuator patterns. Without a
// hardware queue, queued patterns are applied one by one with NextPattern.
type DeformableMirror struct {
	*Base
	hooks  MirrorHooks
	native Range

	mu       sync.Mutex
	patterns [][]float64
	next     int
}

func NewDeformableMirror(name string, hooks MirrorHooks, logger log.FieldLogger, opts ...MirrorOption) (*DeformableMirror, error) {
	if hooks == nil {
		return nil, fmt.Errorf("%w: mirror %q has no hooks", ErrConfiguration, name)
	}
	if hooks.NActuators() < 1 {
		return nil, fmt.Errorf("%w: mirror %q has no actuators", ErrConfiguration, name)
	}
	base, err := New(name, hooks, logger)
	if err != nil {
		return nil, err
	}
	m := &DeformableMirror{Base: base, hooks: hooks, native: Range{Min: 0, Max: 1}}
	for _, opt := range opts {
		opt(m)
	}
	if t, ok := hooks.(TriggerTarget); ok {
		if err := t.Triggering().Register(m.Settings()); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *DeformableMirror) NActuators() int { return m.hooks.NActuators() }

// Triggering returns the trigger state of triggerable mirrors.
func (m *DeformableMirror) Triggering() (*Triggering, bool) {
	if t, ok := m.hooks.(TriggerTarget); ok {
		return t.Triggering(), true
	}
	return nil, false
}

func (m *DeformableMirror) validate(pattern []float64) error {
	if n := m.hooks.NActuators(); len(pattern) != n {
		return fmt.Errorf("%w: pattern has %d values for %d actuators", ErrUnsupportedFeature, len(pattern), n)
	}
	return nil
}

// normalize scales a [0, 1] pattern to the native range. Values outside
// [0, 1] are passed on scaled, clipping is left to the hardware.
func (m *DeformableMirror) normalize(pattern []float64) []float64 {
	out := make([]float64, len(pattern))
	span := m.native.Max - m.native.Min
	for i, v := range pattern {
		out[i] = m.native.Min + v*span
	}
	return out
}

func (m *DeformableMirror) ApplyPattern(pattern []float64) error {
	if err := m.validate(pattern); err != nil {
		return err
	}
	return m.hooks.ApplyPattern(m.normalize(pattern))
}

func (m *DeformableMirror) softwareTriggered() bool {
	t, ok := m.Triggering()
	return !ok || t.TriggerType() == TriggerSoftware
}

// QueuePatterns stores a sequence of patterns. Hardware triggered mirrors
// that can queue receive the whole sequence at once.
func (m *DeformableMirror) QueuePatterns(patterns [][]float64) error {
	for i, p := range patterns {
		if err := m.validate(p); err != nil {
			return fmt.Errorf("pattern %d: %w", i, err)
		}
	}

	if !m.softwareTriggered() {
		q, ok := m.hooks.(PatternQueuer)
		if !ok {
			return fmt.Errorf("%w: %s cannot queue patterns in hardware", ErrNotSupported, m.name)
		}
		t, _ := m.Triggering()
		normalized := make([][]float64, len(patterns))
		for i, p := range patterns {
			normalized[i] = m.normalize(p)
		}
		return q.QueuePatterns(normalized, Trigger{Type: t.TriggerType(), Mode: t.TriggerMode()})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = patterns
	m.next = 0
	return nil
}

// NextPattern applies the next queued pattern. It is the software trigger of
// a mirror.
func (m *DeformableMirror) NextPattern() error {
	if !m.softwareTriggered() {
		return fmt.Errorf("%w: software trigger on a hardware triggered mirror", ErrIncompatibleState)
	}

	m.mu.Lock()
	if m.patterns == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: no pattern queued", ErrIncompatibleState)
	}
	if m.next >= len(m.patterns) {
		m.mu.Unlock()
		return fmt.Errorf("%w: all %d queued patterns applied", ErrIncompatibleState, len(m.patterns))
	}
	p := m.patterns[m.next]
	m.next++
	m.mu.Unlock()

	return m.hooks.ApplyPattern(m.normalize(p))
}

package device

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
)

// FilterWheelHooks are the hardware functions of a filter wheel.
type FilterWheelHooks interface {
	Hooks
	Position() (int, error)
	SetPosition(position int) error
}

// Filter is the filter mounted at a wheel position.
type Filter struct {
	Position int    `json:"position" yaml:"position"`
	Name     string `json:"name" yaml:"name"`
}

type FilterWheel struct {
	*Base
	hooks     FilterWheelHooks
	filters   map[int]string
	positions int
}

// NewFilterWheel returns a wheel with the given filters. The wheel has at
// least as many positions as filters.
func NewFilterWheel(name string, hooks FilterWheelHooks, logger log.FieldLogger, filters map[int]string, positions int) (*FilterWheel, error) {
	if hooks == nil {
		return nil, fmt.Errorf("%w: filter wheel %q has no hooks", ErrConfiguration, name)
	}
	base, err := New(name, hooks, logger)
	if err != nil {
		return nil, err
	}
	if filters == nil {
		filters = map[int]string{}
	}
	w := &FilterWheel{Base: base, hooks: hooks, filters: filters, positions: positions}

	err = w.AddSetting("position", TypeInt,
		func() (any, error) { return w.Position() },
		func(v any) error { return w.SetPosition(v.(int)) },
		ValuesFunc(func() any { return Range{Min: 0, Max: float64(w.NumPositions())} }))
	if err != nil {
		return nil, err
	}
	return w, nil
}

// FiltersFromList numbers filters by their index.
func FiltersFromList(names []string) map[int]string {
	m := make(map[int]string, len(names))
	for i, n := range names {
		m[i] = n
	}
	return m
}

func (w *FilterWheel) NumPositions() int {
	return max(w.positions, len(w.filters))
}

// Filters returns the mounted filters ordered by position.
func (w *FilterWheel) Filters() []Filter {
	fs := make([]Filter, 0, len(w.filters))
	for p, n := range w.filters {
		fs = append(fs, Filter{Position: p, Name: n})
	}
	sort.Slice(fs, func(i, j int) bool { return fs[i].Position < fs[j].Position })
	return fs
}

func (w *FilterWheel) Position() (int, error) { return w.hooks.Position() }

// SetPosition moves the wheel. Positions from 0 to NumPositions inclusive are
// accepted so both zero and one based hardware fit.
func (w *FilterWheel) SetPosition(position int) error {
	if position < 0 || position > w.NumPositions() {
		return fmt.Errorf("%w: position %d out of range 0-%d", ErrUnsupportedFeature, position, w.NumPositions())
	}
	return w.hooks.SetPosition(position)
}

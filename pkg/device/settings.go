package device

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// NamedDescription pairs a setting name with its description, keeping the
// registration order when sent to clients.
type NamedDescription struct {
	Name        string      `json:"name"`
	Description Description `json:"description"`
}

// Settings is the ordered registry of a device's settings. Settings are only
// added, never removed; adding an existing name replaces it in place.
type Settings struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]*Setting
}

func NewSettings() *Settings {
	return &Settings{byName: make(map[string]*Setting)}
}

// Add registers a setting. See NewSetting for the accepted values
// descriptions.
func (s *Settings) Add(name string, dtype DType, get Getter, set Setter, values any, opts ...SettingOption) error {
	st, err := NewSetting(name, dtype, get, set, values, opts...)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; !ok {
		s.order = append(s.order, name)
	}
	s.byName[name] = st
	return nil
}

// Names returns the setting names in registration order.
func (s *Settings) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *Settings) Lookup(name string) (*Setting, error) {
	s.mu.RLock()
	st, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown setting %q", ErrNotSupported, name)
	}
	return st, nil
}

func (s *Settings) Get(name string) (any, error) {
	st, err := s.Lookup(name)
	if err != nil {
		return nil, err
	}
	return st.Get()
}

func (s *Settings) Set(name string, value any) error {
	st, err := s.Lookup(name)
	if err != nil {
		return err
	}
	return st.Set(value)
}

// GetAll returns the current value of every setting.
func (s *Settings) GetAll() (map[string]any, error) {
	values := make(map[string]any)
	for _, name := range s.Names() {
		v, err := s.Get(name)
		if err != nil {
			return nil, fmt.Errorf("get %q: %w", name, err)
		}
		values[name] = v
	}
	return values, nil
}

func (s *Settings) Describe(name string) (Description, error) {
	st, err := s.Lookup(name)
	if err != nil {
		return Description{}, err
	}
	return st.Describe(), nil
}

// DescribeAll returns the description of every setting in registration order.
func (s *Settings) DescribeAll() []NamedDescription {
	names := s.Names()
	descs := make([]NamedDescription, 0, len(names))
	for _, name := range names {
		st, err := s.Lookup(name)
		if err != nil {
			continue
		}
		descs = append(descs, NamedDescription{Name: name, Description: st.Describe()})
	}
	return descs
}

// Update writes many settings at once and returns the values read back from
// the device, which may differ from the requested ones after clamping or
// rounding by the hardware.
//
// With init set, incoming must hold every registered setting and all of them
// are written. Otherwise only settings whose current value differs are
// written. Unknown settings and settings without a setter are reported as
// NotImplemented; read-only settings are skipped.
func (s *Settings) Update(incoming map[string]any, init bool) (map[string]any, error) {
	names := s.Names()

	if init {
		var missing []string
		for _, name := range names {
			if _, ok := incoming[name]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, fmt.Errorf("%w: update with init but missing keys: %s", ErrConfiguration, strings.Join(missing, ", "))
		}
	}

	results := make(map[string]any)
	for key := range incoming {
		if _, err := s.Lookup(key); err != nil {
			results[key] = NotImplemented
		}
	}

	var updated []string
	for _, name := range names {
		value, ok := incoming[name]
		if !ok {
			continue
		}
		st, err := s.Lookup(name)
		if err != nil {
			return nil, err
		}
		if !st.Settable() {
			results[name] = NotImplemented
			continue
		}
		if st.Readonly() {
			continue
		}
		if !init {
			current, err := st.Get()
			if err != nil {
				return nil, fmt.Errorf("get %q: %w", name, err)
			}
			if st.equal(current, value) {
				continue
			}
		}
		if err := st.Set(value); err != nil {
			return nil, fmt.Errorf("set %q: %w", name, err)
		}
		updated = append(updated, name)
	}

	for _, name := range updated {
		v, err := s.Get(name)
		if err != nil {
			return nil, fmt.Errorf("get %q: %w", name, err)
		}
		results[name] = v
	}
	return results, nil
}

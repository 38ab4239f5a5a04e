package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"
)

// DType is the data type of a setting as reported to clients.
type DType string

const (
	TypeInt   DType = "int"
	TypeFloat DType = "float"
	TypeBool  DType = "bool"
	TypeEnum  DType = "enum"
	TypeStr   DType = "str"
	TypeTuple DType = "tuple"
)

// Getter reads the current value of a setting from the device.
type Getter func() (any, error)

// Setter writes a new value to the device.
type Setter func(value any) error

// ValuesFunc produces a values description on demand, for settings whose
// domain depends on the device state (e.g. the number of readout modes).
type ValuesFunc func() any

// Range is the closed interval accepted by an int or float setting.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// EnumMember is one allowed value of an enum setting.
type EnumMember struct {
	Value int    `json:"value"`
	Name  string `json:"name"`
}

// EnumType is an enumerated type used as the values description of an enum
// setting. Values read from and written to such a setting are normalized to
// the canonical member.
type EnumType interface {
	Members() []EnumMember
}

// Enum is a fixed EnumType.
type Enum []EnumMember

func (e Enum) Members() []EnumMember { return e }

// NewEnum returns an Enum whose members are numbered from zero.
func NewEnum(names ...string) Enum {
	e := make(Enum, len(names))
	for i, n := range names {
		e[i] = EnumMember{Value: i, Name: n}
	}
	return e
}

// Lookup finds the member matching value, which may be a member, its integer
// value or its name.
func Lookup(e EnumType, value any) (EnumMember, error) {
	members := e.Members()
	switch v := value.(type) {
	case EnumMember:
		for _, m := range members {
			if m == v {
				return m, nil
			}
		}
	case string:
		for _, m := range members {
			if m.Name == v {
				return m, nil
			}
		}
	default:
		if i, ok := asInt(value); ok {
			for _, m := range members {
				if m.Value == i {
					return m, nil
				}
			}
		}
	}
	return EnumMember{}, fmt.Errorf("%w: %v is not a valid enum value", ErrUnsupportedFeature, value)
}

type notImplemented struct{}

func (notImplemented) String() string { return "NotImplemented" }

func (n notImplemented) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

// NotImplemented is reported by Settings.Update for keys that are unknown or
// cannot be written.
var NotImplemented = notImplemented{}

// Description is what a client needs to present and validate a setting.
type Description struct {
	Type     DType `json:"type"`
	Values   any   `json:"values"`
	Readonly bool  `json:"readonly"`
	Cached   bool  `json:"cached"`
}

// SettingOption customises a setting at registration.
type SettingOption func(*Setting)

// Readonly marks the setting as read-only.
func Readonly() SettingOption {
	return func(s *Setting) { s.readonly = func() bool { return true } }
}

// ReadonlyFunc makes the read-only flag depend on the device state.
func ReadonlyFunc(f func() bool) SettingOption {
	return func(s *Setting) { s.readonly = f }
}

// Setting is one named, typed device parameter.
type Setting struct {
	name     string
	dtype    DType
	get      Getter
	set      Setter
	values   any
	readonly func() bool

	mu          sync.Mutex
	lastWritten any
	cached      bool
}

// NewSetting validates the dtype and values description and returns the
// setting. A setting without a getter caches the last written value.
func NewSetting(name string, dtype DType, get Getter, set Setter, values any, opts ...SettingOption) (*Setting, error) {
	if !validDType(dtype) {
		return nil, fmt.Errorf("%w: unsupported dtype %q for setting %q", ErrConfiguration, dtype, name)
	}
	if !validValues(dtype, values) {
		return nil, fmt.Errorf("%w: invalid values type %T for %s setting %q", ErrConfiguration, values, dtype, name)
	}
	if get == nil && set == nil {
		return nil, fmt.Errorf("%w: setting %q has neither getter nor setter", ErrConfiguration, name)
	}

	s := &Setting{
		name:     name,
		dtype:    dtype,
		get:      get,
		set:      set,
		values:   values,
		readonly: func() bool { return false },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func validDType(dtype DType) bool {
	switch dtype {
	case TypeInt, TypeFloat, TypeBool, TypeEnum, TypeStr, TypeTuple:
		return true
	}
	return false
}

func validValues(dtype DType, values any) bool {
	if _, ok := values.(ValuesFunc); ok {
		return true
	}
	if _, ok := values.(func() any); ok {
		return true
	}
	switch dtype {
	case TypeInt, TypeFloat:
		_, ok := values.(Range)
		return ok
	case TypeBool, TypeTuple:
		return values == nil
	case TypeEnum:
		switch values.(type) {
		case []string, map[int]string, EnumType:
			return true
		}
		return false
	case TypeStr:
		_, ok := values.(int)
		return ok
	}
	return false
}

func (s *Setting) Name() string { return s.name }

func (s *Setting) DType() DType { return s.dtype }

// Settable reports whether a setter was registered.
func (s *Setting) Settable() bool { return s.set != nil }

func (s *Setting) Readonly() bool { return s.readonly() }

// Get returns the current value. Enum-typed settings return the canonical
// member value.
func (s *Setting) Get() (any, error) {
	var value any
	if s.get != nil {
		v, err := s.get()
		if err != nil {
			return nil, err
		}
		value = v
	} else {
		s.mu.Lock()
		value = s.lastWritten
		s.mu.Unlock()
	}

	if e, ok := s.values.(EnumType); ok && value != nil {
		m, err := Lookup(e, value)
		if err != nil {
			return nil, err
		}
		return m.Value, nil
	}
	return value, nil
}

// Set validates value against the dtype and hands it to the setter. Values
// of enum-typed settings reach the setter as an EnumMember.
func (s *Setting) Set(value any) error {
	if s.set == nil {
		return fmt.Errorf("%w: setting %q has no setter", ErrNotSupported, s.name)
	}
	if s.readonly() {
		return fmt.Errorf("%w: setting %q is read-only", ErrNotSupported, s.name)
	}

	v, err := s.coerce(value)
	if err != nil {
		return err
	}
	if err := s.set(v); err != nil {
		return err
	}

	if s.get == nil {
		s.mu.Lock()
		s.lastWritten = v
		s.cached = true
		s.mu.Unlock()
	}
	return nil
}

// coerce converts values decoded from the wire (JSON numbers arrive as
// float64) into the Go type the setter expects.
func (s *Setting) coerce(value any) (any, error) {
	if e, ok := s.values.(EnumType); ok {
		return Lookup(e, value)
	}

	switch s.dtype {
	case TypeInt, TypeEnum:
		if i, ok := asInt(value); ok {
			return i, nil
		}
	case TypeFloat:
		if f, ok := asFloat(value); ok {
			return f, nil
		}
	case TypeBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case TypeStr:
		if str, ok := value.(string); ok {
			if limit, ok := s.Values().(int); ok && limit > 0 && len(str) > limit {
				return nil, fmt.Errorf("%w: %q longer than %d characters", ErrUnsupportedFeature, s.name, limit)
			}
			return str, nil
		}
	case TypeTuple:
		return value, nil
	}
	return nil, fmt.Errorf("%w: invalid value %v (%T) for %s setting %q", ErrUnsupportedFeature, value, value, s.dtype, s.name)
}

// equal compares a value returned by Get with an incoming value.
func (s *Setting) equal(current, incoming any) bool {
	if s.dtype == TypeTuple {
		// tuples arrive as []any of float64 but are read back as driver types
		a, errA := json.Marshal(current)
		b, errB := json.Marshal(incoming)
		return errA == nil && errB == nil && bytes.Equal(a, b)
	}
	v, err := s.coerce(incoming)
	if err != nil {
		return false
	}
	if m, ok := v.(EnumMember); ok {
		v = m.Value
	}
	if c, err := s.coerce(current); err == nil {
		if m, ok := c.(EnumMember); ok {
			c = m.Value
		}
		current = c
	}
	return reflect.DeepEqual(current, v)
}

// Values returns the description of allowed values. Enum descriptions are
// always returned as an ordered list of members.
func (s *Setting) Values() any {
	if e, ok := s.values.(EnumType); ok {
		return e.Members()
	}

	values := s.values
	switch f := values.(type) {
	case ValuesFunc:
		values = f()
	case func() any:
		values = f()
	}
	if values == nil {
		return nil
	}
	if s.dtype != TypeEnum {
		return values
	}

	switch v := values.(type) {
	case EnumType:
		return v.Members()
	case map[int]string:
		keys := make([]int, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		members := make([]EnumMember, 0, len(v))
		for _, k := range keys {
			members = append(members, EnumMember{Value: k, Name: v[k]})
		}
		return members
	case []string:
		return NewEnum(v...).Members()
	}
	return values
}

func (s *Setting) Describe() Description {
	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()

	return Description{
		Type:     s.dtype,
		Values:   s.Values(),
		Readonly: s.Readonly(),
		Cached:   cached,
	}
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float32:
		return asInt(float64(v))
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	if i, ok := asInt(value); ok {
		return float64(i), true
	}
	return 0, false
}

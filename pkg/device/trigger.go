package device

import (
	"fmt"
	"slices"
	"sync"
)

// TriggerType is the signal that starts an acquisition.
type TriggerType int

const (
	TriggerSoftware    TriggerType = 0
	TriggerRisingEdge  TriggerType = 1
	TriggerFallingEdge TriggerType = 2
	TriggerPulse       TriggerType = 3
)

// TriggerTypes is the enum description of TriggerType.
var TriggerTypes = Enum{
	{Value: int(TriggerSoftware), Name: "SOFTWARE"},
	{Value: int(TriggerRisingEdge), Name: "RISING_EDGE"},
	{Value: int(TriggerFallingEdge), Name: "FALLING_EDGE"},
	{Value: int(TriggerPulse), Name: "PULSE"},
}

func (t TriggerType) String() string {
	if m, err := Lookup(TriggerTypes, int(t)); err == nil {
		return m.Name
	}
	return fmt.Sprintf("TriggerType(%d)", int(t))
}

// TriggerMode is what the device does once triggered.
type TriggerMode int

const (
	TriggerOnce   TriggerMode = 1
	TriggerBulb   TriggerMode = 2
	TriggerStrobe TriggerMode = 3
	TriggerStart  TriggerMode = 4
)

// TriggerModes is the enum description of TriggerMode.
var TriggerModes = Enum{
	{Value: int(TriggerOnce), Name: "ONCE"},
	{Value: int(TriggerBulb), Name: "BULB"},
	{Value: int(TriggerStrobe), Name: "STROBE"},
	{Value: int(TriggerStart), Name: "START"},
}

func (m TriggerMode) String() string {
	if e, err := Lookup(TriggerModes, int(m)); err == nil {
		return e.Name
	}
	return fmt.Sprintf("TriggerMode(%d)", int(m))
}

// Trigger is a trigger type and mode combination.
type Trigger struct {
	Type TriggerType
	Mode TriggerMode
}

// Triggering holds the trigger configuration of a device. The apply func
// programs the hardware and is only called with supported combinations.
type Triggering struct {
	mu        sync.Mutex
	current   Trigger
	supported []Trigger
	apply     func(Trigger) error
}

// NewTriggering returns the trigger state of a device. An empty supported
// list accepts every combination.
func NewTriggering(initial Trigger, apply func(Trigger) error, supported ...Trigger) *Triggering {
	return &Triggering{current: initial, supported: supported, apply: apply}
}

func (t *Triggering) TriggerType() TriggerType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.Type
}

func (t *Triggering) TriggerMode() TriggerMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.Mode
}

// SetTrigger validates and applies a trigger combination. The current
// configuration is unchanged on error.
func (t *Triggering) SetTrigger(ttype TriggerType, tmode TriggerMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set(Trigger{Type: ttype, Mode: tmode})
}

func (t *Triggering) set(tr Trigger) error {
	if len(t.supported) > 0 && !slices.Contains(t.supported, tr) {
		return fmt.Errorf("%w: trigger type %s with mode %s", ErrUnsupportedFeature, tr.Type, tr.Mode)
	}
	if t.apply != nil {
		if err := t.apply(tr); err != nil {
			return err
		}
	}
	t.current = tr
	return nil
}

// Register adds the trigger_type and trigger_mode settings.
func (t *Triggering) Register(s *Settings) error {
	err := s.Add("trigger_type", TypeEnum,
		func() (any, error) { return int(t.TriggerType()), nil },
		func(v any) error {
			t.mu.Lock()
			defer t.mu.Unlock()
			return t.set(Trigger{Type: TriggerType(v.(EnumMember).Value), Mode: t.current.Mode})
		},
		TriggerTypes)
	if err != nil {
		return err
	}
	return s.Add("trigger_mode", TypeEnum,
		func() (any, error) { return int(t.TriggerMode()), nil },
		func(v any) error {
			t.mu.Lock()
			defer t.mu.Unlock()
			return t.set(Trigger{Type: t.current.Type, Mode: TriggerMode(v.(EnumMember).Value)})
		},
		TriggerModes)
}

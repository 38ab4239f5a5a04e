package device

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// State is the lifecycle state of a device.
type State int32

const (
	StateUninitialized State = iota
	StateDisabled
	StateEnabled
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	case StateShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// EnabledState is the enabled flag reported to clients. It is unknown until
// the device has been enabled or disabled once.
type EnabledState int8

const (
	EnabledUnknown EnabledState = iota
	EnabledFalse
	EnabledTrue
)

func (e EnabledState) MarshalJSON() ([]byte, error) {
	switch e {
	case EnabledTrue:
		return []byte("true"), nil
	case EnabledFalse:
		return []byte("false"), nil
	}
	return []byte("null"), nil
}

func (e *EnabledState) UnmarshalJSON(b []byte) error {
	var v *bool
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch {
	case v == nil:
		*e = EnabledUnknown
	case *v:
		*e = EnabledTrue
	default:
		*e = EnabledFalse
	}
	return nil
}

// Hooks are the hardware specific actions driven by the lifecycle.
type Hooks interface {
	// Initialize opens the hardware. It is called once.
	Initialize() error
	// OnEnable prepares the hardware for use and reports success.
	OnEnable() (bool, error)
	// OnDisable must tolerate being called on a disabled device.
	OnDisable() error
	// OnShutdown releases the hardware permanently.
	OnShutdown() error
}

// MakeSafer is implemented by hooks that can put the hardware in a safe
// state without leaving the enabled state.
type MakeSafer interface {
	MakeSafe() error
}

// FloatingDevice is implemented by hooks whose hardware identifier is only
// known after initialization.
type FloatingDevice interface {
	UID() string
}

// Device is the interface served over the network for every device type.
type Device interface {
	Name() string
	Initialize() error
	Enable() bool
	Disable() error
	Shutdown() error
	MakeSafe() error
	State() State
	Enabled() EnabledState

	AddSetting(name string, dtype DType, get Getter, set Setter, values any, opts ...SettingOption) error
	GetSetting(name string) (any, error)
	SetSetting(name string, value any) error
	GetAllSettings() (map[string]any, error)
	DescribeSetting(name string) (Description, error)
	DescribeSettings() []NamedDescription
	UpdateSettings(incoming map[string]any, init bool) (map[string]any, error)
}

// Base implements the lifecycle state machine and the settings registry
// shared by all devices. Hardware work is delegated to Hooks.
//
// Shutdown runs once; Close is an alias so a device can be released with
// defer.
type Base struct {
	name     string
	hooks    Hooks
	logger   log.FieldLogger
	settings *Settings

	mu      sync.Mutex // serialises lifecycle transitions
	state   atomic.Int32
	enabled atomic.Int32

	shutdownOnce sync.Once
	shutdownErr  error
}

// New returns a device in the uninitialized state.
func New(name string, hooks Hooks, logger log.FieldLogger) (*Base, error) {
	if hooks == nil {
		return nil, fmt.Errorf("%w: device %q has no hooks", ErrConfiguration, name)
	}
	if logger == nil {
		logger = log.WithField("device", name)
	}

	return &Base{
		name:     name,
		hooks:    hooks,
		logger:   logger,
		settings: NewSettings(),
	}, nil
}

func (d *Base) Name() string { return d.name }

func (d *Base) Logger() log.FieldLogger { return d.logger }

func (d *Base) Hooks() Hooks { return d.hooks }

func (d *Base) State() State { return State(d.state.Load()) }

func (d *Base) Enabled() EnabledState { return EnabledState(d.enabled.Load()) }

func (d *Base) setState(s State) { d.state.Store(int32(s)) }

func (d *Base) setEnabled(e EnabledState) { d.enabled.Store(int32(e)) }

// UID returns the hardware identifier of floating devices.
func (d *Base) UID() (string, bool) {
	if f, ok := d.hooks.(FloatingDevice); ok {
		return f.UID(), true
	}
	return "", false
}

// Initialize moves an uninitialized device to disabled.
func (d *Base) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s := d.State(); s != StateUninitialized {
		return fmt.Errorf("%w: cannot initialize %s device", ErrIncompatibleState, s)
	}

	d.logger.Info("Initializing")
	if err := d.hooks.Initialize(); err != nil {
		return err
	}
	d.setState(StateDisabled)
	return nil
}

// Enable runs the enable hook and reports whether the device is now enabled.
// Hook errors are logged, not returned; the device is then left disabled.
func (d *Base) Enable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enable()
}

func (d *Base) enable() bool {
	switch s := d.State(); s {
	case StateUninitialized, StateShutdown:
		d.logger.Warnf("Cannot enable %s device", s)
		return false
	}

	d.logger.Debug("Enabling")
	ok, err := d.hooks.OnEnable()
	if err != nil {
		d.logger.WithError(err).Error("Error in enable hook")
		ok = false
	}

	if ok {
		d.setState(StateEnabled)
		d.setEnabled(EnabledTrue)
		d.logger.Debug("Enabled")
	} else {
		d.setState(StateDisabled)
		d.setEnabled(EnabledFalse)
	}
	return ok
}

// Disable runs the disable hook and marks the device disabled. It is safe to
// call on a device that is already disabled.
func (d *Base) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disable()
}

func (d *Base) disable() error {
	if d.State() == StateShutdown {
		return nil
	}

	err := d.hooks.OnDisable()
	d.setEnabled(EnabledFalse)
	if d.State() == StateEnabled {
		d.setState(StateDisabled)
	}
	if err != nil {
		return fmt.Errorf("disable %s: %w", d.name, err)
	}
	return nil
}

// Shutdown disables the device and releases the hardware. Only the first
// call has an effect; later calls return the same error.
func (d *Base) Shutdown() error {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		if err := d.disable(); err != nil {
			d.logger.WithError(err).Error("Error disabling device on shutdown")
		}

		d.logger.Info("Shutting down")
		if err := d.hooks.OnShutdown(); err != nil {
			d.shutdownErr = fmt.Errorf("shutdown %s: %w", d.name, err)
		}
		d.setState(StateShutdown)
		d.logger.Info("Shut down completed")
	})
	return d.shutdownErr
}

func (d *Base) Close() error {
	return d.Shutdown()
}

// MakeSafe puts an enabled device into a safe state. It does not change the
// lifecycle state and is a no-op for devices that are not enabled.
func (d *Base) MakeSafe() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() != StateEnabled {
		return nil
	}
	if ms, ok := d.hooks.(MakeSafer); ok {
		return ms.MakeSafe()
	}
	return nil
}

// Settings returns the registry. Variants use it to register their settings
// at construction.
func (d *Base) Settings() *Settings { return d.settings }

func (d *Base) AddSetting(name string, dtype DType, get Getter, set Setter, values any, opts ...SettingOption) error {
	return d.settings.Add(name, dtype, get, set, values, opts...)
}

func (d *Base) GetSetting(name string) (any, error) {
	v, err := d.settings.Get(name)
	if err != nil {
		d.logger.WithError(err).Errorf("Error getting setting %q", name)
	}
	return v, err
}

func (d *Base) SetSetting(name string, value any) error {
	err := d.settings.Set(name, value)
	if err != nil {
		d.logger.WithError(err).Errorf("Error setting %q", name)
	}
	return err
}

func (d *Base) GetAllSettings() (map[string]any, error) {
	values, err := d.settings.GetAll()
	if err != nil {
		d.logger.WithError(err).Error("Error getting all settings")
	}
	return values, err
}

func (d *Base) DescribeSetting(name string) (Description, error) {
	return d.settings.Describe(name)
}

func (d *Base) DescribeSettings() []NamedDescription {
	return d.settings.DescribeAll()
}

func (d *Base) UpdateSettings(incoming map[string]any, init bool) (map[string]any, error) {
	results, err := d.settings.Update(incoming, init)
	if err != nil {
		d.logger.WithError(err).Debug("Error updating settings")
	}
	return results, err
}

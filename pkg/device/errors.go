package device

import "errors"

// Errors returned by devices. Callers check them with errors.Is; most are
// wrapped with the offending setting, value or state.
var (
	// ErrConfiguration is returned when a setting is registered with an
	// invalid type or values description, or an update is incomplete.
	ErrConfiguration = errors.New("device: configuration error")

	// ErrNotSupported is returned when the device does not implement an
	// operation, including writes to read-only settings.
	ErrNotSupported = errors.New("device: not supported")

	// ErrUnsupportedFeature is returned when the operation exists but the
	// requested parameter or combination of parameters is not available.
	ErrUnsupportedFeature = errors.New("device: unsupported feature")

	// ErrHardwareCommunication is returned when talking to the hardware fails.
	ErrHardwareCommunication = errors.New("device: hardware communication error")

	// ErrIncompatibleState is returned when the operation is not valid in the
	// current lifecycle or trigger state.
	ErrIncompatibleState = errors.New("device: incompatible state")

	// ErrClientUnreachable is returned by a Client when the remote end has
	// gone away. The dispatch loop prunes such clients.
	ErrClientUnreachable = errors.New("device: client unreachable")
)

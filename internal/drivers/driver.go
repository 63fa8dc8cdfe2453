package drivers

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"device-hub/internal/drivers/accesspanel"
	"device-hub/internal/drivers/alarmpanel"
	"device-hub/internal/drivers/camera"
	"device-hub/internal/drivers/gaterelay"
	"device-hub/internal/types"

	"github.com/sirupsen/logrus"
)

// Driver defines the capability set every protocol driver must implement
type Driver interface {
	// Connect establishes the transport/session to the device
	Connect(ctx context.Context) error

	// Disconnect tears down the transport. Best-effort, idempotent.
	Disconnect(ctx context.Context) error

	// CheckStatus probes the device and reports its reachability
	CheckStatus(ctx context.Context) (types.DeviceStatus, error)

	// SendCommand dispatches one protocol command with optional parameters
	SendCommand(ctx context.Context, command string, params map[string]interface{}) (*types.CommandResult, error)
}

// Factory creates a driver instance for a device definition.
type Factory func(device types.Device, logger *logrus.Entry) (Driver, error)

// ErrUnknownProtocol is returned when a device names a protocol no factory
// is registered for. Registration must fail hard in that case.
var ErrUnknownProtocol = errors.New("unknown device protocol")

// registeredDrivers maps protocol identifiers to driver factories.
var registeredDrivers = map[string]Factory{
	accesspanel.Protocol: func(device types.Device, logger *logrus.Entry) (Driver, error) {
		return accesspanel.New(device, logger)
	},
	alarmpanel.Protocol: func(device types.Device, logger *logrus.Entry) (Driver, error) {
		return alarmpanel.New(device, logger)
	},
	camera.Protocol: func(device types.Device, logger *logrus.Entry) (Driver, error) {
		return camera.New(device, logger)
	},
	gaterelay.Protocol: func(device types.Device, logger *logrus.Entry) (Driver, error) {
		return gaterelay.New(device, logger)
	},
}

// Register adds a driver factory for a protocol identifier. Intended for
// tests and embedders that bring their own drivers.
func Register(protocol string, factory Factory) {
	registeredDrivers[protocol] = factory
}

// Protocols returns all registered protocol identifiers, sorted.
func Protocols() []string {
	names := make([]string, 0, len(registeredDrivers))
	for name := range registeredDrivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New resolves the device's protocol to a factory and builds the driver.
func New(device types.Device, logger *logrus.Entry) (Driver, error) {
	factory, ok := registeredDrivers[device.Protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, device.Protocol)
	}
	return factory(device, logger)
}

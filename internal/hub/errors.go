package hub

import "fmt"

// NotRegisteredError indicates an operation named a device id the registry
// does not contain. This is a normal, expected outcome for the command path
// and is not logged as an error.
type NotRegisteredError struct {
	DeviceID string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("device %s is not registered", e.DeviceID)
}

// AlreadyRegisteredError indicates a registration attempt reused an id.
type AlreadyRegisteredError struct {
	DeviceID string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("device %s is already registered", e.DeviceID)
}

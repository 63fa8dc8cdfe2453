package types

import (
	"fmt"
	"time"
)

// DeviceType identifies the class of physical device a registration refers to.
type DeviceType string

const (
	DeviceTypeAccessControl DeviceType = "access_control"
	DeviceTypeAlarmPanel    DeviceType = "alarm_panel"
	DeviceTypeCamera        DeviceType = "camera"
	DeviceTypeGate          DeviceType = "gate"
	DeviceTypeIntercom      DeviceType = "intercom"
)

// IsValidDeviceType checks if the provided device type is valid
func IsValidDeviceType(t DeviceType) bool {
	switch t {
	case DeviceTypeAccessControl, DeviceTypeAlarmPanel, DeviceTypeCamera, DeviceTypeGate, DeviceTypeIntercom:
		return true
	default:
		return false
	}
}

// DeviceStatus represents the last observed reachability of a device.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
	StatusError   DeviceStatus = "error"
	StatusUnknown DeviceStatus = "unknown"
)

// Credentials holds optional authentication material for a device.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// Device describes the identity and connection parameters of one physical unit.
type Device struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        DeviceType        `json:"type"`
	Address     string            `json:"address"`
	Port        int               `json:"port"`
	Protocol    string            `json:"protocol"`
	Credentials *Credentials      `json:"credentials,omitempty"`
	Status      DeviceStatus      `json:"status"`
	LastSeen    *time.Time        `json:"lastSeen,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields required to register a device.
func (d Device) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.Address == "" {
		return fmt.Errorf("device address is required")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("invalid device port: %d", d.Port)
	}
	if d.Protocol == "" {
		return fmt.Errorf("device protocol is required")
	}
	if !IsValidDeviceType(d.Type) {
		return fmt.Errorf("invalid device type: %s", d.Type)
	}
	return nil
}

// Endpoint returns the host:port pair the device listens on.
func (d Device) Endpoint() string {
	return fmt.Sprintf("%s:%d", d.Address, d.Port)
}

// CommandResult represents the outcome of a single command dispatch.
type CommandResult struct {
	Success      bool                   `json:"success"`
	Message      string                 `json:"message,omitempty"`
	DeviceID     string                 `json:"deviceId"`
	Command      string                 `json:"command"`
	Timestamp    time.Time              `json:"timestamp"`
	ResponseData map[string]interface{} `json:"responseData,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// AuditEntry is one record in the bounded command-audit log.
type AuditEntry struct {
	ID        string                 `json:"id"`
	DeviceID  string                 `json:"deviceId"`
	Command   string                 `json:"command"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

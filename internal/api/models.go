package api

import (
	"time"

	"device-hub/internal/types"
)

// RegisterDeviceRequest is the payload for POST /api/v1/devices.
type RegisterDeviceRequest struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Protocol string            `json:"protocol"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ToDevice converts the request into a registry device.
func (r RegisterDeviceRequest) ToDevice() types.Device {
	device := types.Device{
		ID:       r.ID,
		Name:     r.Name,
		Type:     types.DeviceType(r.Type),
		Address:  r.Address,
		Port:     r.Port,
		Protocol: r.Protocol,
		Status:   types.StatusUnknown,
		Metadata: r.Metadata,
	}
	if r.Username != "" || r.Password != "" {
		device.Credentials = &types.Credentials{Username: r.Username, Password: r.Password}
	}
	return device
}

// RegisterDeviceResponse reports the registration outcome.
type RegisterDeviceResponse struct {
	Device    types.Device `json:"device"`
	Connected bool         `json:"connected"`
}

// CommandRequest is the payload for POST /api/v1/devices/{id}/commands.
type CommandRequest struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// DeviceStatusResponse reports one device's observed status.
type DeviceStatusResponse struct {
	DeviceID  string             `json:"deviceId"`
	Status    types.DeviceStatus `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
}

// HealthResponse is the overall hub health summary.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Devices   int       `json:"devices"`
	Online    int       `json:"online"`
	Version   string    `json:"version"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"device-hub/internal/drivers"
	"device-hub/internal/hub"
	"device-hub/internal/resilience"
	"device-hub/internal/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// DeviceService is the slice of the device manager the API consumes.
type DeviceService interface {
	RegisterDevice(ctx context.Context, device types.Device) (bool, error)
	SendCommand(ctx context.Context, deviceID, command string, params map[string]interface{}) *types.CommandResult
	GetDeviceStatus(ctx context.Context, deviceID string) (types.DeviceStatus, error)
	GetDevice(deviceID string) (types.Device, bool)
	ListDevices(filter hub.ListFilter) []types.Device
	RemoveDevice(ctx context.Context, deviceID string) error
	CircuitStats() []resilience.Snapshot
	ResetCircuit(name string) error
	AuditTrail(ctx context.Context, limit int64) ([]types.AuditEntry, error)
}

// Handlers holds the API handler set and its dependencies.
type Handlers struct {
	service   DeviceService
	logger    *logrus.Logger
	wsManager *WSManager
	version   string
}

// NewHandlers creates the handler set.
func NewHandlers(service DeviceService, wsManager *WSManager, logger *logrus.Logger, version string) *Handlers {
	return &Handlers{
		service:   service,
		logger:    logger,
		wsManager: wsManager,
		version:   version,
	}
}

// RegisterDevice handles POST /api/v1/devices.
func (h *Handlers) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	device := req.ToDevice()
	connected, err := h.service.RegisterDevice(r.Context(), device)
	if err != nil {
		var already *hub.AlreadyRegisteredError
		switch {
		case errors.As(err, &already):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, drivers.ErrUnknownProtocol):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	registered, _ := h.service.GetDevice(device.ID)
	h.writeJSON(w, http.StatusCreated, RegisterDeviceResponse{
		Device:    registered,
		Connected: connected,
	})
}

// ListDevices handles GET /api/v1/devices with optional type/status filters.
func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	var filter hub.ListFilter
	if v := r.URL.Query().Get("type"); v != "" {
		t := types.DeviceType(v)
		if !types.IsValidDeviceType(t) {
			h.writeError(w, http.StatusBadRequest, "invalid device type filter")
			return
		}
		filter.Type = &t
	}
	if v := r.URL.Query().Get("status"); v != "" {
		s := types.DeviceStatus(v)
		filter.Status = &s
	}

	devices := h.service.ListDevices(filter)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

// GetDeviceStatus handles GET /api/v1/devices/{id}/status.
func (h *Handlers) GetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	status, err := h.service.GetDeviceStatus(r.Context(), deviceID)
	if err != nil {
		var notRegistered *hub.NotRegisteredError
		if errors.As(err, &notRegistered) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		// The probe failed; the status still describes the device.
	}

	h.writeJSON(w, http.StatusOK, DeviceStatusResponse{
		DeviceID:  deviceID,
		Status:    status,
		Timestamp: time.Now(),
	})
}

// SendCommand handles POST /api/v1/devices/{id}/commands.
func (h *Handlers) SendCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Command == "" {
		h.writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	result := h.service.SendCommand(r.Context(), deviceID, req.Command, req.Params)
	h.writeJSON(w, http.StatusOK, result)
}

// RemoveDevice handles DELETE /api/v1/devices/{id}.
func (h *Handlers) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	if err := h.service.RemoveDevice(r.Context(), deviceID); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetCircuits handles GET /api/v1/circuits.
func (h *Handlers) GetCircuits(w http.ResponseWriter, r *http.Request) {
	stats := h.service.CircuitStats()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuits": stats,
		"count":    len(stats),
	})
}

// ResetCircuit handles POST /api/v1/circuits/{name}/reset.
func (h *Handlers) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.service.ResetCircuit(name); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	h.logger.WithField("circuit_breaker", name).Info("Circuit breaker reset via API")
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reset":     name,
		"timestamp": time.Now(),
	})
}

// GetAudit handles GET /api/v1/audit.
func (h *Handlers) GetAudit(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := h.service.AuditTrail(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "audit trail unavailable: "+err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// HealthCheck handles GET /api/v1/health.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	devices := h.service.ListDevices(hub.ListFilter{})
	online := 0
	for _, d := range devices {
		if d.Status == types.StatusOnline {
			online++
		}
	}

	status := "healthy"
	if len(devices) > 0 && online == 0 {
		status = "degraded"
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Devices:   len(devices),
		Online:    online,
		Version:   h.version,
	})
}

// WebSocket handles GET /api/v1/ws.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsManager.HandleConnection(w, r)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     message,
		Timestamp: time.Now(),
	})
}

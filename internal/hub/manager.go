package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"device-hub/internal/drivers"
	"device-hub/internal/resilience"
	"device-hub/internal/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// storeTarget is the breaker target guarding the hub's own dependency on
// the cache store.
const storeTarget = "cache-store"

// ManagerConfig holds tunables for the device manager.
type ManagerConfig struct {
	MonitorInterval time.Duration
	Breaker         resilience.BreakerConfig
	Retry           resilience.RetryConfig
}

// DefaultManagerConfig returns a manager configuration with default values
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MonitorInterval: 30 * time.Second,
		Breaker:         resilience.DefaultBreakerConfig(),
		Retry:           resilience.DefaultRetryConfig(),
	}
}

// registration binds a device definition to its driver. The manager owns
// the map from device id to registration; drivers own their transports.
type registration struct {
	device types.Device
	driver drivers.Driver
}

// StatusCallback receives a copy of a device after its status changed.
type StatusCallback func(device types.Device)

// DriverFactory builds a driver for a device. Overridable for tests.
type DriverFactory func(device types.Device, logger *logrus.Entry) (drivers.Driver, error)

// Manager owns the device registry, creates the correct driver per device,
// persists definitions to the cache store, runs the background monitoring
// loop, and is the single entry point for commands and status queries.
type Manager struct {
	config   ManagerConfig
	logger   *logrus.Logger
	executor *resilience.Executor
	store    DeviceStore

	mu      sync.RWMutex
	devices map[string]*registration

	newDriver DriverFactory

	callbackMu sync.RWMutex
	callbacks  []StatusCallback

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*Manager)

// WithDriverFactory overrides driver construction. Used by tests to inject
// fake drivers.
func WithDriverFactory(factory DriverFactory) ManagerOption {
	return func(m *Manager) {
		m.newDriver = factory
	}
}

// WithExecutor overrides the resilience executor.
func WithExecutor(executor *resilience.Executor) ManagerOption {
	return func(m *Manager) {
		m.executor = executor
	}
}

// NewManager creates a device manager. The store may be nil, in which case
// the registry is in-memory only.
func NewManager(config ManagerConfig, store DeviceStore, logger *logrus.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = 30 * time.Second
	}

	m := &Manager{
		config:    config,
		logger:    logger,
		store:     store,
		devices:   make(map[string]*registration),
		newDriver: drivers.New,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.executor == nil {
		m.executor = resilience.NewExecutor(config.Breaker, config.Retry, logger)
	}

	// The store gets a shorter per-call timeout than devices: a slow cache
	// must not stall command dispatch.
	storeBreaker := config.Breaker
	storeBreaker.Timeout = 2 * time.Second
	m.executor.ConfigureTarget(storeTarget, storeBreaker)

	return m
}

// Initialize loads persisted device definitions, re-registers them
// best-effort, and starts the monitoring loop.
func (m *Manager) Initialize(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.started {
		return fmt.Errorf("device manager is already initialized")
	}

	m.restoreDevices(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.monitorLoop(loopCtx)

	m.started = true
	m.logger.WithField("monitor_interval", m.config.MonitorInterval).Info("Device manager initialized")
	return nil
}

// restoreDevices re-registers every persisted device. A device that fails
// to reconnect is still listed with status offline/error.
func (m *Manager) restoreDevices(ctx context.Context) {
	if m.store == nil {
		return
	}

	var persisted []types.Device
	err := m.storeOp(ctx, func(ctx context.Context) error {
		var loadErr error
		persisted, loadErr = m.store.LoadDevices(ctx)
		return loadErr
	})
	if err != nil {
		m.logger.WithError(err).Warn("Could not restore devices from cache store, starting with empty registry")
		return
	}

	for _, device := range persisted {
		device.Status = types.StatusUnknown
		connected, err := m.RegisterDevice(ctx, device)
		if err != nil {
			m.logger.WithError(err).WithField("device_id", device.ID).Warn("Failed to restore persisted device")
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"device_id": device.ID,
			"connected": connected,
		}).Info("Restored persisted device")
	}
}

// RegisterDevice selects the driver by protocol, stores the registration,
// attempts the initial connect through the device's breaker, and persists
// the definition. It returns whether the initial connect succeeded; a
// registered device may be unreachable and still appears in ListDevices.
func (m *Manager) RegisterDevice(ctx context.Context, device types.Device) (bool, error) {
	if err := device.Validate(); err != nil {
		return false, err
	}

	driver, err := m.newDriver(device, m.logger.WithFields(logrus.Fields{
		"component": "driver",
		"device_id": device.ID,
		"protocol":  device.Protocol,
	}))
	if err != nil {
		return false, err
	}

	device.Status = types.StatusUnknown

	m.mu.Lock()
	if _, exists := m.devices[device.ID]; exists {
		m.mu.Unlock()
		return false, &AlreadyRegisteredError{DeviceID: device.ID}
	}
	reg := &registration{device: device, driver: driver}
	m.devices[device.ID] = reg
	m.mu.Unlock()

	connected := false
	connectErr := m.executor.Execute(ctx, device.ID, driver.Connect)
	if connectErr != nil {
		m.logger.WithError(connectErr).WithField("device_id", device.ID).Warn("Initial device connect failed")
		m.setDeviceState(device.ID, types.StatusError, nil)
	} else {
		connected = true
		now := time.Now()
		m.setDeviceState(device.ID, types.StatusOnline, &now)
	}

	m.persistDevice(ctx, device.ID)

	m.logger.WithFields(logrus.Fields{
		"device_id": device.ID,
		"type":      device.Type,
		"protocol":  device.Protocol,
		"connected": connected,
	}).Info("Device registered")

	return connected, nil
}

// SendCommand dispatches a command to a registered device through its
// circuit breaker and the retry policy, and appends an audit entry. An
// unknown device id is a failed result, not an error.
func (m *Manager) SendCommand(ctx context.Context, deviceID, command string, params map[string]interface{}) *types.CommandResult {
	reg := m.lookup(deviceID)
	if reg == nil {
		// No breaker is created for unknown ids.
		return &types.CommandResult{
			Success:   false,
			DeviceID:  deviceID,
			Command:   command,
			Timestamp: time.Now(),
			Error:     (&NotRegisteredError{DeviceID: deviceID}).Error(),
		}
	}

	var result *types.CommandResult
	err := m.executor.Execute(ctx, deviceID, func(ctx context.Context) error {
		r, opErr := reg.driver.SendCommand(ctx, command, params)
		if r != nil {
			result = r
		}
		return opErr
	})

	if result == nil {
		result = &types.CommandResult{
			DeviceID:  deviceID,
			Command:   command,
			Timestamp: time.Now(),
		}
	}

	if err != nil {
		result.Success = false
		if result.Error == "" {
			result.Error = err.Error()
		}

		var coe *resilience.CircuitOpenError
		if errors.As(err, &coe) {
			// Rejected before any I/O; distinguishable from an attempted
			// call that timed out.
			result.Message = fmt.Sprintf("service temporarily unavailable, retry after %s", coe.RetryAfter().Round(time.Second))
		}

		m.logger.WithError(err).WithFields(logrus.Fields{
			"device_id": deviceID,
			"command":   command,
		}).Warn("Command dispatch failed")
	} else {
		now := time.Now()
		m.setDeviceState(deviceID, types.StatusOnline, &now)
	}

	m.appendAudit(ctx, types.AuditEntry{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Command:   command,
		Params:    params,
		Success:   result.Success,
		Error:     result.Error,
		Timestamp: result.Timestamp,
	})

	return result
}

// GetDeviceStatus probes the device through resilience. Unknown ids report
// StatusUnknown without creating a breaker.
func (m *Manager) GetDeviceStatus(ctx context.Context, deviceID string) (types.DeviceStatus, error) {
	reg := m.lookup(deviceID)
	if reg == nil {
		return types.StatusUnknown, &NotRegisteredError{DeviceID: deviceID}
	}

	var status types.DeviceStatus
	err := m.executor.Execute(ctx, deviceID, func(ctx context.Context) error {
		var checkErr error
		status, checkErr = reg.driver.CheckStatus(ctx)
		return checkErr
	})
	if err != nil {
		m.setDeviceState(deviceID, types.StatusOffline, nil)
		return types.StatusOffline, err
	}

	now := time.Now()
	m.setDeviceState(deviceID, status, &now)
	return status, nil
}

// ListFilter narrows a registry snapshot.
type ListFilter struct {
	Type   *types.DeviceType
	Status *types.DeviceStatus
}

// ListDevices returns a copy-out snapshot of the registry.
func (m *Manager) ListDevices(filter ListFilter) []types.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]types.Device, 0, len(m.devices))
	for _, reg := range m.devices {
		if filter.Type != nil && reg.device.Type != *filter.Type {
			continue
		}
		if filter.Status != nil && reg.device.Status != *filter.Status {
			continue
		}
		devices = append(devices, copyDevice(reg.device))
	}
	return devices
}

// GetDevice returns a copy of one device definition.
func (m *Manager) GetDevice(deviceID string) (types.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg, ok := m.devices[deviceID]
	if !ok {
		return types.Device{}, false
	}
	return copyDevice(reg.device), true
}

// RemoveDevice disconnects the driver and evicts the device. Idempotent.
func (m *Manager) RemoveDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	reg, ok := m.devices[deviceID]
	if ok {
		delete(m.devices, deviceID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := reg.driver.Disconnect(ctx); err != nil {
		m.logger.WithError(err).WithField("device_id", deviceID).Debug("Driver disconnect failed during removal")
	}

	m.executor.Remove(deviceID)

	if m.store != nil {
		if err := m.storeOp(ctx, func(ctx context.Context) error {
			return m.store.DeleteDevice(ctx, deviceID)
		}); err != nil {
			m.logger.WithError(err).WithField("device_id", deviceID).Warn("Could not evict device from cache store")
		}
	}

	m.logger.WithField("device_id", deviceID).Info("Device removed")
	return nil
}

// Shutdown stops the monitoring loop and disconnects every driver. Safe to
// call even if Initialize never completed.
func (m *Manager) Shutdown() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.mu.Lock()
	regs := make([]*registration, 0, len(m.devices))
	for _, reg := range m.devices {
		regs = append(regs, reg)
	}
	m.mu.Unlock()

	for _, reg := range regs {
		if err := reg.driver.Disconnect(ctx); err != nil {
			m.logger.WithError(err).WithField("device_id", reg.device.ID).Debug("Driver disconnect failed during shutdown")
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.logger.WithError(err).Warn("Failed to close device store")
		}
	}

	m.started = false
	m.logger.Info("Device manager shutdown complete")
	return nil
}

// OnStatusChange registers a callback invoked whenever a device's observed
// status changes. Callbacks must not block.
func (m *Manager) OnStatusChange(cb StatusCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// CircuitStats returns snapshots of every circuit breaker for the health API.
func (m *Manager) CircuitStats() []resilience.Snapshot {
	return m.executor.Stats()
}

// ResetCircuit is the operator action forcing a breaker back to CLOSED.
func (m *Manager) ResetCircuit(name string) error {
	return m.executor.Reset(name)
}

// AuditTrail returns the most recent command-audit entries.
func (m *Manager) AuditTrail(ctx context.Context, limit int64) ([]types.AuditEntry, error) {
	if m.store == nil {
		return nil, nil
	}

	var entries []types.AuditEntry
	err := m.storeOp(ctx, func(ctx context.Context) error {
		var loadErr error
		entries, loadErr = m.store.RecentAudit(ctx, limit)
		return loadErr
	})
	return entries, err
}

// monitorLoop wakes on a fixed interval and checks every registered device
// concurrently. Checks go through each device's breaker and never block the
// command path.
func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAllDevices(ctx)
		}
	}
}

// checkAllDevices snapshots the registry, then probes each device in its
// own goroutine. Failures are swallowed: the loop tolerates individual
// device flakiness and only reflects it in device status.
func (m *Manager) checkAllDevices(ctx context.Context) {
	m.mu.RLock()
	regs := make([]*registration, 0, len(m.devices))
	for _, reg := range m.devices {
		regs = append(regs, reg)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()

			deviceID := reg.device.ID
			var status types.DeviceStatus
			err := m.executor.Execute(ctx, deviceID, func(ctx context.Context) error {
				var checkErr error
				status, checkErr = reg.driver.CheckStatus(ctx)
				return checkErr
			})
			if err != nil {
				m.logger.WithError(err).WithField("device_id", deviceID).Debug("Monitoring check failed")
				m.setDeviceState(deviceID, types.StatusOffline, nil)
				return
			}

			now := time.Now()
			m.setDeviceState(deviceID, status, &now)
		}(reg)
	}
	wg.Wait()
}

// lookup fetches a registration under a short-lived read lock. I/O never
// happens while the registry lock is held.
func (m *Manager) lookup(deviceID string) *registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[deviceID]
}

// setDeviceState updates status/lastSeen for a device and notifies status
// subscribers when the status actually changed.
func (m *Manager) setDeviceState(deviceID string, status types.DeviceStatus, lastSeen *time.Time) {
	m.mu.Lock()
	reg, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	changed := reg.device.Status != status
	reg.device.Status = status
	if lastSeen != nil {
		seen := *lastSeen
		reg.device.LastSeen = &seen
	}
	device := copyDevice(reg.device)
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"status":    status,
	}).Info("Device status changed")

	m.callbackMu.RLock()
	callbacks := make([]StatusCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.callbackMu.RUnlock()

	for _, cb := range callbacks {
		cb(device)
	}
}

// persistDevice saves the current definition best-effort.
func (m *Manager) persistDevice(ctx context.Context, deviceID string) {
	if m.store == nil {
		return
	}

	device, ok := m.GetDevice(deviceID)
	if !ok {
		return
	}

	if err := m.storeOp(ctx, func(ctx context.Context) error {
		return m.store.SaveDevice(ctx, device)
	}); err != nil {
		m.logger.WithError(err).WithField("device_id", deviceID).Warn("Could not persist device, continuing in-memory")
	}
}

// appendAudit records a command outcome best-effort.
func (m *Manager) appendAudit(ctx context.Context, entry types.AuditEntry) {
	if m.store == nil {
		return
	}

	if err := m.storeOp(ctx, func(ctx context.Context) error {
		return m.store.AppendAudit(ctx, entry)
	}); err != nil {
		m.logger.WithError(err).Warn("Could not append audit entry")
	}
}

// storeOp runs a cache-store call through the store's own circuit breaker,
// so a dead store fails fast instead of stalling dispatch.
func (m *Manager) storeOp(ctx context.Context, op func(context.Context) error) error {
	return m.executor.Execute(ctx, storeTarget, op)
}

func copyDevice(d types.Device) types.Device {
	out := d
	if d.LastSeen != nil {
		seen := *d.LastSeen
		out.LastSeen = &seen
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	if d.Credentials != nil {
		creds := *d.Credentials
		out.Credentials = &creds
	}
	return out
}

package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"device-hub/internal/types"

	"github.com/go-redis/redis/v8"
)

// DeviceStore is the narrow persistence boundary the hub depends on: device
// definitions survive restarts and commands leave a bounded audit trail.
// The hub treats the store as best-effort; unavailability degrades to
// in-memory operation and never fails command dispatch.
type DeviceStore interface {
	SaveDevice(ctx context.Context, device types.Device) error
	DeleteDevice(ctx context.Context, id string) error
	LoadDevices(ctx context.Context) ([]types.Device, error)
	AppendAudit(ctx context.Context, entry types.AuditEntry) error
	RecentAudit(ctx context.Context, limit int64) ([]types.AuditEntry, error)
	Ping(ctx context.Context) error
	Close() error
}

// defaultAuditCap bounds the command-audit ring.
const defaultAuditCap = 1000

// RedisStoreConfig holds connection settings for the Redis-backed store.
type RedisStoreConfig struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
	AuditCap  int64
}

// RedisStore persists device definitions in a hash and the audit trail in a
// capped list.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	auditCap  int64
}

// NewRedisStore creates a Redis-backed device store and verifies connectivity.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "hub"
	}
	auditCap := cfg.AuditCap
	if auditCap <= 0 {
		auditCap = defaultAuditCap
	}

	return &RedisStore{
		client:    client,
		keyPrefix: prefix,
		auditCap:  auditCap,
	}, nil
}

func (s *RedisStore) devicesKey() string {
	return s.keyPrefix + ":devices"
}

func (s *RedisStore) auditKey() string {
	return s.keyPrefix + ":audit"
}

// SaveDevice stores the device definition keyed by its id.
func (s *RedisStore) SaveDevice(ctx context.Context, device types.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device %s: %w", device.ID, err)
	}
	return s.client.HSet(ctx, s.devicesKey(), device.ID, data).Err()
}

// DeleteDevice evicts the device definition.
func (s *RedisStore) DeleteDevice(ctx context.Context, id string) error {
	return s.client.HDel(ctx, s.devicesKey(), id).Err()
}

// LoadDevices returns every persisted device definition.
func (s *RedisStore) LoadDevices(ctx context.Context) ([]types.Device, error) {
	entries, err := s.client.HGetAll(ctx, s.devicesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}

	devices := make([]types.Device, 0, len(entries))
	for id, raw := range entries {
		var device types.Device
		if err := json.Unmarshal([]byte(raw), &device); err != nil {
			// A corrupt entry should not hide the rest of the registry.
			continue
		}
		if device.ID == "" {
			device.ID = id
		}
		devices = append(devices, device)
	}
	return devices, nil
}

// AppendAudit pushes an entry onto the audit ring and trims it to the cap.
func (s *RedisStore) AppendAudit(ctx context.Context, entry types.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.auditKey(), data)
	pipe.LTrim(ctx, s.auditKey(), 0, s.auditCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentAudit returns the newest entries, most recent first.
func (s *RedisStore) RecentAudit(ctx context.Context, limit int64) ([]types.AuditEntry, error) {
	if limit <= 0 || limit > s.auditCap {
		limit = s.auditCap
	}

	raw, err := s.client.LRange(ctx, s.auditKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}

	entries := make([]types.AuditEntry, 0, len(raw))
	for _, item := range raw {
		var entry types.AuditEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Ping checks store connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is an in-process DeviceStore used when no Redis is configured
// and as the degraded-mode reference in tests. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[string]types.Device
	audit    []types.AuditEntry
	auditCap int
}

// NewMemoryStore creates an in-memory device store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]types.Device),
		auditCap: defaultAuditCap,
	}
}

func (s *MemoryStore) SaveDevice(ctx context.Context, device types.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.ID] = device
	return nil
}

func (s *MemoryStore) DeleteDevice(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	return nil
}

func (s *MemoryStore) LoadDevices(ctx context.Context) ([]types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]types.Device, 0, len(s.devices))
	for _, device := range s.devices {
		devices = append(devices, device)
	}
	return devices, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, entry types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append([]types.AuditEntry{entry}, s.audit...)
	if len(s.audit) > s.auditCap {
		s.audit = s.audit[:s.auditCap]
	}
	return nil
}

func (s *MemoryStore) RecentAudit(ctx context.Context, limit int64) ([]types.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := int64(len(s.audit))
	if limit <= 0 || limit > n {
		limit = n
	}
	entries := make([]types.AuditEntry, limit)
	copy(entries, s.audit[:limit])
	return entries, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

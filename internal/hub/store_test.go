package hub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"device-hub/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_DeviceRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	device := types.Device{
		ID:       "gate-1",
		Name:     "Main Gate",
		Type:     types.DeviceTypeGate,
		Address:  "10.0.0.7",
		Port:     8080,
		Protocol: "http-relay",
		Status:   types.StatusOnline,
	}

	require.NoError(t, store.SaveDevice(ctx, device))

	devices, err := store.LoadDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, device, devices[0])

	// Saving again overwrites.
	device.Name = "Rear Gate"
	require.NoError(t, store.SaveDevice(ctx, device))
	devices, err = store.LoadDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Rear Gate", devices[0].Name)

	require.NoError(t, store.DeleteDevice(ctx, device.ID))
	devices, err = store.LoadDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)

	// Deleting a missing device is not an error.
	assert.NoError(t, store.DeleteDevice(ctx, "never-seen"))
}

func TestMemoryStore_AuditOrderAndCap(t *testing.T) {
	store := NewMemoryStore()
	store.auditCap = 5
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, store.AppendAudit(ctx, types.AuditEntry{
			ID:        fmt.Sprintf("entry-%d", i),
			DeviceID:  "gate-1",
			Command:   "open",
			Success:   true,
			Timestamp: time.Now(),
		}))
	}

	entries, err := store.RecentAudit(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	// Newest first, oldest entries trimmed.
	assert.Equal(t, "entry-7", entries[0].ID)
	assert.Equal(t, "entry-3", entries[4].ID)

	limited, err := store.RecentAudit(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "entry-7", limited[0].ID)
	assert.Equal(t, "entry-6", limited[1].ID)
}

func TestMemoryStore_PingAndClose(t *testing.T) {
	store := NewMemoryStore()
	assert.NoError(t, store.Ping(context.Background()))
	assert.NoError(t, store.Close())
}

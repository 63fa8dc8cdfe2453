package accesspanel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"device-hub/internal/resilience"
	"device-hub/internal/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePanel is a minimal access panel: one valid login, token-checked routes.
type fakePanel struct {
	token      string
	loginCalls int
	logsLimit  string
}

func (p *fakePanel) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		p.loginCalls++
		var creds map[string]string
		json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "admin" || creds["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": p.token})
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Session-Token") != p.token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/api/status", authed(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"state": "ok"})
	}))
	mux.HandleFunc("/api/doors/front/open", authed(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"door": "front", "state": "open"})
	}))
	mux.HandleFunc("/api/doors/front/lock", authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("/api/logs", authed(func(w http.ResponseWriter, r *http.Request) {
		p.logsLimit = r.URL.Query().Get("limit")
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"user": "alice", "door": "front"},
			{"user": "bob", "door": "rear"},
		})
	}))
	return mux
}

func newTestDriver(t *testing.T, server *httptest.Server) *Driver {
	t.Helper()

	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	driver, err := New(types.Device{
		ID:       "panel-1",
		Name:     "Lobby Panel",
		Type:     types.DeviceTypeAccessControl,
		Address:  host,
		Port:     port,
		Protocol: Protocol,
		Credentials: &types.Credentials{
			Username: "admin",
			Password: "secret",
		},
	}, logrus.NewEntry(logger))
	require.NoError(t, err)
	return driver
}

func TestNew_RequiresCredentials(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	_, err := New(types.Device{
		ID:       "panel-1",
		Address:  "10.0.0.5",
		Port:     80,
		Protocol: Protocol,
		Type:     types.DeviceTypeAccessControl,
	}, logrus.NewEntry(logger))

	assert.Error(t, err)
}

func TestDriver_ConnectStoresSessionToken(t *testing.T) {
	panel := &fakePanel{token: "tok-123"}
	server := httptest.NewServer(panel.handler(t))
	defer server.Close()

	driver := newTestDriver(t, server)
	require.NoError(t, driver.Connect(context.Background()))
	assert.Equal(t, 1, panel.loginCalls)

	// The stored token authenticates subsequent calls.
	status, err := driver.CheckStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusOnline, status)
}

func TestDriver_ConnectRejectedCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	driver := newTestDriver(t, server)
	err := driver.Connect(context.Background())

	var perr *resilience.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.False(t, resilience.IsTransient(err))
}

func TestDriver_ConnectServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	driver := newTestDriver(t, server)
	err := driver.Connect(context.Background())

	var terr *resilience.TransportError
	require.True(t, errors.As(err, &terr))
	assert.True(t, resilience.IsTransient(err))
}

func TestDriver_SendCommand_RequiresSession(t *testing.T) {
	panel := &fakePanel{token: "tok-123"}
	server := httptest.NewServer(panel.handler(t))
	defer server.Close()

	driver := newTestDriver(t, server)
	result, err := driver.SendCommand(context.Background(), "open_door", map[string]interface{}{"door_id": "front"})

	var perr *resilience.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, err.Error(), "no active session")
	assert.False(t, result.Success)
}

func TestDriver_SendCommand_OpenDoor(t *testing.T) {
	panel := &fakePanel{token: "tok-123"}
	server := httptest.NewServer(panel.handler(t))
	defer server.Close()

	driver := newTestDriver(t, server)
	require.NoError(t, driver.Connect(context.Background()))

	result, err := driver.SendCommand(context.Background(), "open_door", map[string]interface{}{"door_id": "front"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "open", result.ResponseData["state"])
}

func TestDriver_SendCommand_MissingDoorID(t *testing.T) {
	panel := &fakePanel{token: "tok-123"}
	server := httptest.NewServer(panel.handler(t))
	defer server.Close()

	driver := newTestDriver(t, server)
	require.NoError(t, driver.Connect(context.Background()))

	for _, cmd := range []string{"open_door", "lock_door"} {
		result, err := driver.SendCommand(context.Background(), cmd, nil)
		var perr *resilience.ProtocolError
		require.True(t, errors.As(err, &perr), cmd)
		assert.False(t, result.Success)
	}
}

func TestDriver_SendCommand_GetAccessLogs(t *testing.T) {
	panel := &fakePanel{token: "tok-123"}
	server := httptest.NewServer(panel.handler(t))
	defer server.Close()

	driver := newTestDriver(t, server)
	require.NoError(t, driver.Connect(context.Background()))

	result, err := driver.SendCommand(context.Background(), "get_access_logs", map[string]interface{}{"limit": float64(10)})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "10", panel.logsLimit)
	assert.Equal(t, 2, result.ResponseData["count"])
}

func TestDriver_SendCommand_UnsupportedCommand(t *testing.T) {
	panel := &fakePanel{token: "tok-123"}
	server := httptest.NewServer(panel.handler(t))
	defer server.Close()

	driver := newTestDriver(t, server)
	require.NoError(t, driver.Connect(context.Background()))

	result, err := driver.SendCommand(context.Background(), "self_destruct", nil)
	var perr *resilience.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.False(t, result.Success)
}

func TestDriver_ExpiredSessionIsProtocolError(t *testing.T) {
	panel := &fakePanel{token: "tok-123"}
	server := httptest.NewServer(panel.handler(t))
	defer server.Close()

	driver := newTestDriver(t, server)
	require.NoError(t, driver.Connect(context.Background()))

	// Invalidate the session server-side.
	panel.token = "rotated"

	_, err := driver.SendCommand(context.Background(), "open_door", map[string]interface{}{"door_id": "front"})
	var perr *resilience.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, err.Error(), "session rejected")
}

func TestDriver_DisconnectClearsToken(t *testing.T) {
	panel := &fakePanel{token: "tok-123"}
	server := httptest.NewServer(panel.handler(t))
	defer server.Close()

	driver := newTestDriver(t, server)
	require.NoError(t, driver.Connect(context.Background()))
	require.NoError(t, driver.Disconnect(context.Background()))

	_, err := driver.CheckStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active session")
}

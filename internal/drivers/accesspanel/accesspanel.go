// Package accesspanel implements the session-token REST driver used by
// access-control panels. Connect performs a login and stores the session
// token; every subsequent call attaches it as a header.
package accesspanel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"device-hub/internal/resilience"
	"device-hub/internal/types"

	"github.com/sirupsen/logrus"
)

// Protocol is the registry identifier for this driver.
const Protocol = "access-panel"

const sessionHeader = "X-Session-Token"

// Driver talks to an access-control panel over its REST API.
type Driver struct {
	device     types.Device
	logger     *logrus.Entry
	httpClient *http.Client
	baseURL    string

	mu    sync.RWMutex
	token string
}

// New creates an access panel driver for the device definition.
func New(device types.Device, logger *logrus.Entry) (*Driver, error) {
	if device.Credentials == nil {
		return nil, fmt.Errorf("access panel %s requires credentials", device.ID)
	}

	scheme := "http"
	if device.Metadata["scheme"] == "https" {
		scheme = "https"
	}

	return &Driver{
		device:  device,
		logger:  logger,
		baseURL: fmt.Sprintf("%s://%s", scheme, device.Endpoint()),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Connect performs a login call and stores the returned session token.
func (d *Driver) Connect(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": d.device.Credentials.Username,
		"password": d.device.Credentials.Password,
	})
	if err != nil {
		return &resilience.ProtocolError{Reason: "marshal login payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return &resilience.ProtocolError{Reason: "build login request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &resilience.TransportError{Op: "login", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &resilience.TransportError{Op: "login", Err: err}
	}

	if resp.StatusCode >= 500 {
		return &resilience.TransportError{Op: "login", Err: fmt.Errorf("panel returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return &resilience.ProtocolError{Reason: fmt.Sprintf("login rejected with status %d", resp.StatusCode)}
	}

	var login struct {
		Token        string `json:"token"`
		SessionToken string `json:"sessionToken"`
	}
	if err := json.Unmarshal(respBody, &login); err != nil {
		return &resilience.ProtocolError{Reason: "parse login response", Err: err}
	}

	token := login.Token
	if token == "" {
		token = login.SessionToken
	}
	if token == "" {
		return &resilience.ProtocolError{Reason: "login response contained no session token"}
	}

	d.mu.Lock()
	d.token = token
	d.mu.Unlock()

	d.logger.WithField("device_id", d.device.ID).Info("Access panel session established")
	return nil
}

// Disconnect performs a best-effort logout. Failures are logged and ignored.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	token := d.token
	d.token = ""
	d.mu.Unlock()

	if token == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/logout", nil)
	if err != nil {
		return nil
	}
	req.Header.Set(sessionHeader, token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.WithError(err).WithField("device_id", d.device.ID).Debug("Logout failed, ignoring")
		return nil
	}
	resp.Body.Close()
	d.httpClient.CloseIdleConnections()
	return nil
}

// CheckStatus probes the panel's status endpoint.
func (d *Driver) CheckStatus(ctx context.Context) (types.DeviceStatus, error) {
	resp, err := d.doRequest(ctx, http.MethodGet, "/api/status", nil)
	if err != nil {
		return types.StatusOffline, err
	}

	var status struct {
		State string `json:"state"`
	}
	if len(resp) > 0 {
		// A panel that answers but sends junk is still reachable.
		_ = json.Unmarshal(resp, &status)
	}

	if status.State == "error" {
		return types.StatusError, nil
	}
	return types.StatusOnline, nil
}

// SendCommand dispatches one of the panel's supported commands.
func (d *Driver) SendCommand(ctx context.Context, command string, params map[string]interface{}) (*types.CommandResult, error) {
	result := &types.CommandResult{
		DeviceID:  d.device.ID,
		Command:   command,
		Timestamp: time.Now(),
	}

	switch command {
	case "open_door":
		doorID, ok := stringParam(params, "door_id")
		if !ok {
			err := &resilience.ProtocolError{Reason: "open_door requires door_id"}
			result.Error = err.Error()
			return result, err
		}
		body, err := d.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/doors/%s/open", doorID), nil)
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		result.Success = true
		result.Message = fmt.Sprintf("door %s opened", doorID)
		result.ResponseData = parseJSONObject(body)
		return result, nil

	case "lock_door":
		doorID, ok := stringParam(params, "door_id")
		if !ok {
			err := &resilience.ProtocolError{Reason: "lock_door requires door_id"}
			result.Error = err.Error()
			return result, err
		}
		body, err := d.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/doors/%s/lock", doorID), nil)
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		result.Success = true
		result.Message = fmt.Sprintf("door %s locked", doorID)
		result.ResponseData = parseJSONObject(body)
		return result, nil

	case "get_access_logs":
		limit := 50
		if v, ok := params["limit"]; ok {
			switch n := v.(type) {
			case float64:
				limit = int(n)
			case int:
				limit = n
			}
		}
		body, err := d.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/logs?limit=%d", limit), nil)
		if err != nil {
			result.Error = err.Error()
			return result, err
		}

		var entries []map[string]interface{}
		if err := json.Unmarshal(body, &entries); err != nil {
			perr := &resilience.ProtocolError{Reason: "parse access logs", Err: err}
			result.Error = perr.Error()
			return result, perr
		}
		result.Success = true
		result.Message = fmt.Sprintf("fetched %d access log entries", len(entries))
		result.ResponseData = map[string]interface{}{"logs": entries, "count": len(entries)}
		return result, nil

	default:
		err := &resilience.ProtocolError{Reason: fmt.Sprintf("unsupported command %q", command)}
		result.Error = err.Error()
		return result, err
	}
}

// doRequest issues an authenticated call and classifies the outcome.
func (d *Driver) doRequest(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	d.mu.RLock()
	token := d.token
	d.mu.RUnlock()

	if token == "" {
		return nil, &resilience.ProtocolError{Reason: "no active session, connect first"}
	}

	var bodyReader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, &resilience.ProtocolError{Reason: "marshal request payload", Err: err}
		}
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, bodyReader)
	if err != nil {
		return nil, &resilience.ProtocolError{Reason: "build request", Err: err}
	}
	req.Header.Set(sessionHeader, token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &resilience.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &resilience.TransportError{Op: method + " " + path, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &resilience.TransportError{
			Op:  method + " " + path,
			Err: fmt.Errorf("panel returned %d: %s", resp.StatusCode, string(respBody)),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &resilience.ProtocolError{Reason: fmt.Sprintf("session rejected with status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &resilience.ProtocolError{
			Reason: fmt.Sprintf("panel returned %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	return respBody, nil
}

func stringParam(params map[string]interface{}, key string) (string, bool) {
	if params == nil {
		return "", false
	}
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func parseJSONObject(body []byte) map[string]interface{} {
	if len(body) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil
	}
	return obj
}

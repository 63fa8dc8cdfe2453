// Package gaterelay implements the plain HTTP driver for gate actuators.
// The relay has no session: every command is a single POST with a JSON
// action body.
package gaterelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"device-hub/internal/resilience"
	"device-hub/internal/types"

	"github.com/sirupsen/logrus"
)

// Protocol is the registry identifier for this driver.
const Protocol = "http-relay"

var supportedActions = map[string]bool{
	"open":  true,
	"close": true,
	"stop":  true,
	"pulse": true,
}

// Driver talks to a gate relay over plain HTTP.
type Driver struct {
	device     types.Device
	logger     *logrus.Entry
	httpClient *http.Client
	baseURL    string
}

// New creates a gate relay driver for the device definition.
func New(device types.Device, logger *logrus.Entry) (*Driver, error) {
	return &Driver{
		device:  device,
		logger:  logger,
		baseURL: fmt.Sprintf("http://%s", device.Endpoint()),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 2,
			},
		},
	}, nil
}

// Connect probes the status endpoint. The relay keeps no session.
func (d *Driver) Connect(ctx context.Context) error {
	status, err := d.CheckStatus(ctx)
	if err != nil {
		return err
	}
	if status != types.StatusOnline {
		return &resilience.TransportError{Op: "connect", Err: fmt.Errorf("relay reported %s", status)}
	}
	return nil
}

// Disconnect releases idle connections.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.httpClient.CloseIdleConnections()
	return nil
}

// CheckStatus is a plain GET against the relay's status endpoint.
func (d *Driver) CheckStatus(ctx context.Context) (types.DeviceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/status", nil)
	if err != nil {
		return types.StatusUnknown, &resilience.ProtocolError{Reason: "build status request", Err: err}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return types.StatusOffline, &resilience.TransportError{Op: "status", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return types.StatusError, &resilience.ProtocolError{Reason: fmt.Sprintf("relay returned %d", resp.StatusCode)}
	}
	return types.StatusOnline, nil
}

// SendCommand issues one relay action: open, close, stop or pulse.
func (d *Driver) SendCommand(ctx context.Context, command string, params map[string]interface{}) (*types.CommandResult, error) {
	result := &types.CommandResult{
		DeviceID:  d.device.ID,
		Command:   command,
		Timestamp: time.Now(),
	}

	if !supportedActions[command] {
		err := &resilience.ProtocolError{Reason: fmt.Sprintf("unsupported command %q", command)}
		result.Error = err.Error()
		return result, err
	}

	payload := map[string]interface{}{"action": command}
	if command == "pulse" {
		durationMs := 1000
		switch v := params["durationMs"].(type) {
		case float64:
			durationMs = int(v)
		case int:
			durationMs = v
		}
		if durationMs <= 0 {
			err := &resilience.ProtocolError{Reason: "pulse duration must be positive"}
			result.Error = err.Error()
			return result, err
		}
		payload["durationMs"] = durationMs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		perr := &resilience.ProtocolError{Reason: "marshal relay payload", Err: err}
		result.Error = perr.Error()
		return result, perr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/relay", bytes.NewReader(body))
	if err != nil {
		perr := &resilience.ProtocolError{Reason: "build relay request", Err: err}
		result.Error = perr.Error()
		return result, perr
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		terr := &resilience.TransportError{Op: "relay " + command, Err: err}
		result.Error = terr.Error()
		return result, terr
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 500:
		terr := &resilience.TransportError{
			Op:  "relay " + command,
			Err: fmt.Errorf("relay returned %d", resp.StatusCode),
		}
		result.Error = terr.Error()
		return result, terr
	case resp.StatusCode >= 400:
		perr := &resilience.ProtocolError{Reason: fmt.Sprintf("relay returned %d: %s", resp.StatusCode, string(respBody))}
		result.Error = perr.Error()
		return result, perr
	}

	result.Success = true
	result.Message = fmt.Sprintf("relay action %s accepted", command)
	if len(respBody) > 0 {
		var data map[string]interface{}
		if json.Unmarshal(respBody, &data) == nil {
			result.ResponseData = data
		}
	}
	return result, nil
}

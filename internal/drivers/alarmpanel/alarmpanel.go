// Package alarmpanel implements the binary-framed TCP driver used by alarm
// panels. Commands are fixed-layout byte frames with a trailing additive
// checksum; a 0x06 response byte means ACK.
//
// The exact frame layout is a placeholder pending validation against the
// vendor protocol documentation.
package alarmpanel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"device-hub/internal/resilience"
	"device-hub/internal/types"

	"github.com/sirupsen/logrus"
)

// Protocol is the registry identifier for this driver.
const Protocol = "alarm-tcp"

// Frame opcodes.
const (
	opStatus     byte = 0x01
	opArm        byte = 0x02
	opDisarm     byte = 0x03
	opZoneStatus byte = 0x04
	opSilence    byte = 0x05
)

// Response codes.
const (
	respAck byte = 0x06
	respNak byte = 0x15
)

const (
	dialTimeout  = 5 * time.Second
	frameTimeout = 5 * time.Second
	maxFrameSize = 64
)

// Driver maintains a persistent socket to an alarm panel. The socket is a
// shared transport, so every write/read cycle is serialized by the mutex to
// keep frames from interleaving.
type Driver struct {
	device types.Device
	logger *logrus.Entry

	mu   sync.Mutex
	conn net.Conn
}

// New creates an alarm panel driver for the device definition.
func New(device types.Device, logger *logrus.Entry) (*Driver, error) {
	return &Driver{
		device: device,
		logger: logger,
	}, nil
}

// Connect dials the panel and holds the socket open.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return nil
	}

	conn, err := d.dial(ctx)
	if err != nil {
		return err
	}
	d.conn = conn

	d.logger.WithField("device_id", d.device.ID).Info("Alarm panel socket connected")
	return nil
}

// Disconnect closes the socket. Idempotent.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// CheckStatus sends a lightweight status frame. Any well-formed response
// means the panel is online.
func (d *Driver) CheckStatus(ctx context.Context) (types.DeviceStatus, error) {
	if _, err := d.exchange(ctx, buildFrame(opStatus, nil)); err != nil {
		return types.StatusOffline, err
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

	var frame []byte
	switch command {
	case "arm":
		frame = buildFrame(opArm, nil)
	case "disarm":
		code, ok := params["code"].(string)
		if !ok || code == "" {
			err := &resilience.ProtocolError{Reason: "disarm requires code"}
			result.Error = err.Error()
			return result, err
		}
		frame = buildFrame(opDisarm, []byte(code))
	case "get_zone_status":
		zone := 0
		switch v := params["zone"].(type) {
		case float64:
			zone = int(v)
		case int:
			zone = v
		}
		if zone < 0 || zone > 255 {
			err := &resilience.ProtocolError{Reason: fmt.Sprintf("zone %d out of range", zone)}
			result.Error = err.Error()
			return result, err
		}
		frame = buildFrame(opZoneStatus, []byte{byte(zone)})
	case "silence":
		frame = buildFrame(opSilence, nil)
	default:
		err := &resilience.ProtocolError{Reason: fmt.Sprintf("unsupported command %q", command)}
		result.Error = err.Error()
		return result, err
	}

	payload, err := d.exchange(ctx, frame)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	// Responses are parsed by position: byte 0 is the result code.
	if len(payload) == 0 {
		perr := &resilience.ProtocolError{Reason: "empty response frame"}
		result.Error = perr.Error()
		return result, perr
	}

	switch payload[0] {
	case respAck:
		result.Success = true
		result.Message = fmt.Sprintf("panel acknowledged %s", command)
		if command == "get_zone_status" && len(payload) >= 3 {
			result.ResponseData = map[string]interface{}{
				"zone":  int(payload[1]),
				"state": int(payload[2]),
			}
		}
		return result, nil
	case respNak:
		perr := &resilience.ProtocolError{Reason: fmt.Sprintf("panel rejected %s", command)}
		result.Error = perr.Error()
		return result, perr
	default:
		perr := &resilience.ProtocolError{Reason: fmt.Sprintf("unexpected response code 0x%02x", payload[0])}
		result.Error = perr.Error()
		return result, perr
	}
}

// exchange writes one frame and reads one response under the socket mutex,
// reconnecting if the socket was lost.
func (d *Driver) exchange(ctx context.Context, frame []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		conn, err := d.dial(ctx)
		if err != nil {
			return nil, err
		}
		d.conn = conn
	}

	deadline := time.Now().Add(frameTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := d.conn.SetDeadline(deadline); err != nil {
		d.dropLocked()
		return nil, &resilience.TransportError{Op: "set deadline", Err: err}
	}

	if _, err := d.conn.Write(frame); err != nil {
		d.dropLocked()
		return nil, &resilience.TransportError{Op: "write frame", Err: err}
	}

	buf := make([]byte, maxFrameSize)
	n, err := d.conn.Read(buf)
	if err != nil {
		d.dropLocked()
		return nil, &resilience.TransportError{Op: "read frame", Err: err}
	}

	resp := buf[:n]
	if len(resp) < 2 {
		return nil, &resilience.ProtocolError{Reason: fmt.Sprintf("short response frame (%d bytes)", len(resp))}
	}

	payload, sum := resp[:len(resp)-1], resp[len(resp)-1]
	if checksum(payload) != sum {
		return nil, &resilience.ProtocolError{
			Reason: fmt.Sprintf("checksum mismatch: got 0x%02x, want 0x%02x", sum, checksum(payload)),
		}
	}

	return payload, nil
}

func (d *Driver) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.device.Endpoint())
	if err != nil {
		return nil, &resilience.TransportError{Op: "dial " + d.device.Endpoint(), Err: err}
	}
	return conn, nil
}

// dropLocked discards a broken socket so the next exchange reconnects.
// Callers hold the mutex.
func (d *Driver) dropLocked() {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

// buildFrame lays out [opcode, payload..., checksum].
func buildFrame(opcode byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, opcode)
	frame = append(frame, payload...)
	frame = append(frame, checksum(frame))
	return frame
}

// checksum is the additive byte sum truncated to one byte.
func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

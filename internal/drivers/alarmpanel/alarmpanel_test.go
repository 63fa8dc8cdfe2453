package alarmpanel

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"device-hub/internal/resilience"
	"device-hub/internal/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePanel is a TCP listener that answers each frame with a canned
// checksum-framed response.
type fakePanel struct {
	listener net.Listener

	mu      sync.Mutex
	frames  [][]byte
	respond func(frame []byte) []byte
}

func startFakePanel(t *testing.T, respond func(frame []byte) []byte) *fakePanel {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &fakePanel{listener: listener, respond: respond}
	go p.serve()
	t.Cleanup(func() { listener.Close() })
	return p
}

func (p *fakePanel) serve() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			buf := make([]byte, 64)
			for {
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				frame := append([]byte(nil), buf[:n]...)
				p.mu.Lock()
				p.frames = append(p.frames, frame)
				resp := p.respond(frame)
				p.mu.Unlock()
				if resp == nil {
					return // drop the connection
				}
				conn.Write(resp)
			}
		}(conn)
	}
}

func (p *fakePanel) receivedFrames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

// ackResponse frames a payload with its additive checksum.
func ackResponse(payload ...byte) []byte {
	return append(payload, checksum(payload))
}

func newTestDriver(t *testing.T, addr net.Addr) *Driver {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	driver, err := New(types.Device{
		ID:       "alarm-1",
		Name:     "Perimeter Alarm",
		Type:     types.DeviceTypeAlarmPanel,
		Address:  host,
		Port:     port,
		Protocol: Protocol,
	}, logrus.NewEntry(logger))
	require.NoError(t, err)
	return driver
}

func TestBuildFrame(t *testing.T) {
	frame := buildFrame(opDisarm, []byte{0x31, 0x32})
	require.Len(t, frame, 4)
	assert.Equal(t, opDisarm, frame[0])
	assert.Equal(t, byte(0x31), frame[1])
	assert.Equal(t, byte(0x32), frame[2])
	assert.Equal(t, checksum(frame[:3]), frame[3])
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, byte(0x00), checksum(nil))
	assert.Equal(t, byte(0x06), checksum([]byte{0x01, 0x02, 0x03}))
	// Overflow wraps.
	assert.Equal(t, byte(0x01), checksum([]byte{0xFF, 0x02}))
}

func TestDriver_ConnectAndStatus(t *testing.T) {
	panel := startFakePanel(t, func(frame []byte) []byte {
		return ackResponse(respAck)
	})

	driver := newTestDriver(t, panel.listener.Addr())
	require.NoError(t, driver.Connect(context.Background()))

	// Connect is idempotent.
	require.NoError(t, driver.Connect(context.Background()))

	status, err := driver.CheckStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusOnline, status)

	frames := panel.receivedFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, opStatus, frames[0][0])

	require.NoError(t, driver.Disconnect(context.Background()))
	require.NoError(t, driver.Disconnect(context.Background()))
}

func TestDriver_SendCommand_Arm(t *testing.T) {
	panel := startFakePanel(t, func(frame []byte) []byte {
		return ackResponse(respAck)
	})

	driver := newTestDriver(t, panel.listener.Addr())
	result, err := driver.SendCommand(context.Background(), "arm", nil)

	require.NoError(t, err)
	assert.True(t, result.Success)

	frames := panel.receivedFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, opArm, frames[0][0])
	assert.Equal(t, checksum(frames[0][:1]), frames[0][1])
}

func TestDriver_SendCommand_DisarmRequiresCode(t *testing.T) {
	panel := startFakePanel(t, func(frame []byte) []byte {
		return ackResponse(respAck)
	})

	driver := newTestDriver(t, panel.listener.Addr())

	result, err := driver.SendCommand(context.Background(), "disarm", nil)
	var perr *resilience.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.False(t, result.Success)
	assert.Empty(t, panel.receivedFrames())

	result, err = driver.SendCommand(context.Background(), "disarm", map[string]interface{}{"code": "1234"})
	require.NoError(t, err)
	assert.True(t, result.Success)

	frames := panel.receivedFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, opDisarm, frames[0][0])
	assert.Equal(t, []byte("1234"), frames[0][1:5])
}

func TestDriver_SendCommand_ZoneStatus(t *testing.T) {
	panel := startFakePanel(t, func(frame []byte) []byte {
		// Echo the requested zone with state 2 (open).
		return ackResponse(respAck, frame[1], 0x02)
	})

	driver := newTestDriver(t, panel.listener.Addr())
	result, err := driver.SendCommand(context.Background(), "get_zone_status", map[string]interface{}{"zone": float64(7)})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 7, result.ResponseData["zone"])
	assert.Equal(t, 2, result.ResponseData["state"])
}

func TestDriver_SendCommand_ZoneOutOfRange(t *testing.T) {
	panel := startFakePanel(t, func(frame []byte) []byte {
		return ackResponse(respAck)
	})

	driver := newTestDriver(t, panel.listener.Addr())
	_, err := driver.SendCommand(context.Background(), "get_zone_status", map[string]interface{}{"zone": float64(300)})

	var perr *resilience.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Empty(t, panel.receivedFrames())
}

func TestDriver_SendCommand_Nak(t *testing.T) {
	panel := startFakePanel(t, func(frame []byte) []byte {
		return ackResponse(respNak)
	})

	driver := newTestDriver(t, panel.listener.Addr())
	result, err := driver.SendCommand(context.Background(), "silence", nil)

	var perr *resilience.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, err.Error(), "rejected")
	assert.False(t, result.Success)
}

func TestDriver_ChecksumMismatchIsProtocolError(t *testing.T) {
	panel := startFakePanel(t, func(frame []byte) []byte {
		return []byte{respAck, 0xFF} // wrong trailing checksum
	})

	driver := newTestDriver(t, panel.listener.Addr())
	_, err := driver.SendCommand(context.Background(), "arm", nil)

	var perr *resilience.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.False(t, resilience.IsTransient(err))
}

func TestDriver_DialFailureIsTransportError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr()
	listener.Close() // nothing listening anymore

	driver := newTestDriver(t, addr)
	err = driver.Connect(context.Background())

	var terr *resilience.TransportError
	require.True(t, errors.As(err, &terr))
	assert.True(t, resilience.IsTransient(err))
}

func TestDriver_ReconnectsAfterPeerClose(t *testing.T) {
	first := true
	panel := startFakePanel(t, func(frame []byte) []byte {
		if first {
			first = false
			return nil // panel drops the connection without answering
		}
		return ackResponse(respAck)
	})

	driver := newTestDriver(t, panel.listener.Addr())
	require.NoError(t, driver.Connect(context.Background()))

	// The dropped connection surfaces as a transport error, then the next
	// exchange dials a fresh socket.
	_, err := driver.SendCommand(context.Background(), "arm", nil)
	var terr *resilience.TransportError
	require.True(t, errors.As(err, &terr))

	result, err := driver.SendCommand(context.Background(), "arm", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

package agent

import (
	"bytes"
	"encoding/base64"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/netkvm-hub/pkg/config"
	"github.com/netkvm-hub/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSerialPort replays a scripted hub byte stream and captures agent
// writes.
type fakeSerialPort struct {
	mu     sync.Mutex
	reads  bytes.Buffer
	writes bytes.Buffer
	closed bool
}

func (p *fakeSerialPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	return p.reads.Read(buf)
}

func (p *fakeSerialPort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes.Write(buf)
}

func (p *fakeSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeSerialPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakeSerialPort) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.writes.Bytes()...)
}

// scriptedFrames yields the given frames in order, then reports EOF.
type scriptedFrames struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *scriptedFrames) NextFrame() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, io.EOF
	}
	frame := s.frames[0]
	s.frames = s.frames[1:]
	return frame, nil
}

func serialAgentConfig(portName string) *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Agent.ClientName = "TestAgent"
	cfg.Agent.SerialPort = portName
	return cfg
}

func hubScript(t *testing.T, magic string, extra ...func(*bytes.Buffer)) []byte {
	t.Helper()
	var script bytes.Buffer
	err := protocol.WriteFramed(&script, protocol.MsgHandshake, map[string]string{
		"magic": magic,
	})
	require.NoError(t, err)
	for _, f := range extra {
		f(&script)
	}
	return script.Bytes()
}

func TestSerialAgentSession(t *testing.T) {
	port := &fakeSerialPort{}
	port.reads.Write(hubScript(t, protocol.ServerHelloMagic, func(buf *bytes.Buffer) {
		require.NoError(t, protocol.WriteFramed(buf, protocol.MsgKeyEvent, map[string]string{
			"event_type": "press", "key": "a",
		}))
		require.NoError(t, protocol.WriteFramed(buf, protocol.MsgShutdown, map[string]string{}))
	}))

	injector := &recordingInjector{events: make(chan string, 4)}
	a := NewSerialAgent(serialAgentConfig("/dev/ttyACM0"), nil, injector)
	a.openPort = func(name string) (io.ReadWriteCloser, error) { return port, nil }
	a.running.Store(true)

	conn, portName, err := a.findServer()
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", portName)

	require.NoError(t, a.runSession(conn))
	// Shutdown from the hub ends the run loop, not just the session.
	assert.False(t, a.running.Load())
	assert.Equal(t, protocol.MsgKeyEvent, <-injector.events)

	// The hello answer carries the client magic and the agent name.
	hello, err := protocol.ReadFramed(bytes.NewReader(port.written()))
	require.NoError(t, err)
	require.NotNil(t, hello)
	assert.Equal(t, protocol.MsgHandshake, hello.Type)
	var helloPayload struct {
		Magic string `json:"magic"`
		Name  string `json:"name"`
	}
	require.NoError(t, hello.DecodePayload(&helloPayload))
	assert.Equal(t, protocol.ClientHelloMagic, helloPayload.Magic)
	assert.Equal(t, "TestAgent", helloPayload.Name)
}

func TestSerialAgentStreamsVideo(t *testing.T) {
	frame := []byte("captured-frame")
	port := &fakeSerialPort{}

	a := NewSerialAgent(serialAgentConfig("/dev/ttyACM0"), &scriptedFrames{frames: [][]byte{frame}}, nil)
	a.running.Store(true)

	done := make(chan struct{})
	a.streamVideo(port, done)
	<-done

	video, err := protocol.ReadFramed(bytes.NewReader(port.written()))
	require.NoError(t, err)
	require.NotNil(t, video)
	assert.Equal(t, protocol.MsgVideoFrame, video.Type)
	var payload struct {
		Frame string `json:"frame"`
	}
	require.NoError(t, video.DecodePayload(&payload))
	decoded, err := base64.StdEncoding.DecodeString(payload.Frame)
	require.NoError(t, err)
	assert.Equal(t, frame, decoded)
}

func TestSerialAgentRejectsBadHello(t *testing.T) {
	port := &fakeSerialPort{}
	port.reads.Write(hubScript(t, "WRONG_MAGIC"))

	a := NewSerialAgent(serialAgentConfig("/dev/ttyACM0"), nil, nil)
	a.openPort = func(name string) (io.ReadWriteCloser, error) { return port, nil }
	a.running.Store(true)

	_, _, err := a.findServer()
	require.Error(t, err)
	assert.True(t, port.isClosed())
	assert.Empty(t, port.written())
}

func TestSerialAgentSilentPortSkipped(t *testing.T) {
	// The candidate port never speaks: the hello wait fails and the
	// scan reports no hub rather than hanging.
	port := &fakeSerialPort{}
	a := NewSerialAgent(serialAgentConfig("/dev/ttyACM0"), nil, nil)
	a.openPort = func(name string) (io.ReadWriteCloser, error) { return port, nil }
	a.running.Store(true)

	_, _, err := a.findServer()
	require.Error(t, err)
	assert.True(t, port.isClosed())
}

func TestSerialAgentScansAllPorts(t *testing.T) {
	silent := &fakeSerialPort{}
	speaking := &fakeSerialPort{}
	speaking.reads.Write(hubScript(t, protocol.ServerHelloMagic))

	a := NewSerialAgent(serialAgentConfig("auto"), nil, nil)
	a.listPorts = func() ([]string, error) {
		return []string{"/dev/ttyS0", "/dev/ttyS1"}, nil
	}
	a.openPort = func(name string) (io.ReadWriteCloser, error) {
		if name == "/dev/ttyS0" {
			return silent, nil
		}
		return speaking, nil
	}
	a.running.Store(true)

	conn, portName, err := a.findServer()
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "/dev/ttyS1", portName)
	assert.True(t, silent.isClosed())
	assert.False(t, speaking.isClosed())
}

// zeroReadPort mimics a serial read timeout: zero bytes, no error.
type zeroReadPort struct{}

func (z *zeroReadPort) Read(p []byte) (int, error) { return 0, nil }

func TestSessionReaderStopsOnCancel(t *testing.T) {
	var running atomic.Bool
	r := &sessionReader{port: &zeroReadPort{}, running: &running}

	// Timeout reads surface as EOF once the agent is stopping.
	n, err := r.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestHandshakeReaderMapsZeroReadToEOF(t *testing.T) {
	r := &handshakeReader{port: &zeroReadPort{}}
	n, err := r.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

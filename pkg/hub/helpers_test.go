package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/netkvm-hub/pkg/config"
	"github.com/netkvm-hub/pkg/protocol"
	"github.com/netkvm-hub/pkg/types"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory client control handle. Writes accumulate in
// a buffer unless failWrites is set.
type fakeConn struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	closed     bool
	failWrites bool
}

func (f *fakeConn) Read(p []byte) (int, error) {
	return 0, errors.New("not readable")
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return 0, errors.New("broken pipe")
	}
	return f.buf.Write(p)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.buf.Bytes()...)
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeViewer is an in-memory net.Conn for the viewer set.
type fakeViewer struct {
	fakeConn
	addr string
}

func (f *fakeViewer) LocalAddr() net.Addr                { return fakeAddr("hub") }
func (f *fakeViewer) RemoteAddr() net.Addr               { return fakeAddr(f.addr) }
func (f *fakeViewer) SetDeadline(t time.Time) error      { return nil }
func (f *fakeViewer) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeViewer) SetWriteDeadline(t time.Time) error { return nil }

func newTestHub(t *testing.T) *HubServer {
	t.Helper()
	cfg := &config.Config{}
	cfg.SetDefaults()
	s, err := NewHubServer(cfg)
	require.NoError(t, err)
	s.running.Store(true)
	return s
}

// registerNetClient registers a network client backed by a fakeConn.
func registerNetClient(s *HubServer, id, name string) *fakeConn {
	fc := &fakeConn{}
	host, _, _ := net.SplitHostPort(id)
	s.RegisterClient(id, &types.ClientRecord{
		ID:        id,
		Name:      name,
		Transport: types.TransportNetwork,
		IP:        host,
		Conn:      fc,
		ConnMu:    &sync.Mutex{},
		LastSeen:  time.Now(),
	})
	return fc
}

// registerUSBClient registers a serial client backed by a fakeConn.
func registerUSBClient(s *HubServer, id, name string) *fakeConn {
	fc := &fakeConn{}
	s.RegisterClient(id, &types.ClientRecord{
		ID:        id,
		Name:      name,
		Transport: types.TransportUSB,
		Conn:      fc,
		ConnMu:    &sync.Mutex{},
		LastSeen:  time.Now(),
	})
	return fc
}

// uiCommand builds a command envelope the way a UI client would send it.
func uiCommand(t *testing.T, cmdType string, payload interface{}) *protocol.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &protocol.Message{Type: cmdType, Payload: raw}
}

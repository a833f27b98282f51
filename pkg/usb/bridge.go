// Package usb bridges serial-attached source agents into the hub's
// client registry, so the relay and command processor stay
// transport-agnostic.
package usb

import (
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netkvm-hub/pkg/config"
	"github.com/netkvm-hub/pkg/logging"
	"github.com/netkvm-hub/pkg/metrics"
	"github.com/netkvm-hub/pkg/protocol"
	"github.com/netkvm-hub/pkg/state"
	"github.com/netkvm-hub/pkg/types"
	"go.bug.st/serial"
)

// Hub is the part of the hub server the bridge needs: the shared
// registry and the eviction path.
type Hub interface {
	Registry() *state.Registry
	Collector() *metrics.Collector
	RegisterClient(id string, rec *types.ClientRecord)
	RemoveClient(id string)
}

// Bridge scans for serial ports and drives one agent connection per
// discovered port through handshake, registration and streaming.
type Bridge struct {
	cfg     *config.Config
	hub     Hub
	running atomic.Bool

	// openPort is swappable in tests; defaults to a real serial open.
	openPort func(name string) (io.ReadWriteCloser, error)
}

// NewBridge creates a serial bridge attached to the hub.
func NewBridge(cfg *config.Config, hub Hub) *Bridge {
	b := &Bridge{cfg: cfg, hub: hub}
	b.openPort = b.openSerialPort
	return b
}

// timeoutReader converts the serial library's zero-byte timeout reads
// into EOF so the framed codec reports "peer gone" instead of spinning.
type timeoutReader struct {
	port io.ReadWriteCloser
}

func (t *timeoutReader) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

func (t *timeoutReader) Write(p []byte) (int, error) { return t.port.Write(p) }
func (t *timeoutReader) Close() error                { return t.port.Close() }

func (b *Bridge) openSerialPort(name string) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{BaudRate: b.cfg.Serial.BaudRate}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(b.cfg.GetSerialReadTimeout()); err != nil {
		_ = port.Close()
		return nil, err
	}
	return &timeoutReader{port: port}, nil
}

// Start runs the scan loop until Stop.
func (b *Bridge) Start() {
	b.running.Store(true)
	go b.scanLoop()
}

// Stop ends the scan loop. In-flight agent handlers exit on their next
// read once their port is closed by client removal.
func (b *Bridge) Stop() {
	b.running.Store(false)
}

// scanLoop enumerates serial ports on a fixed interval, diffs against
// the previously known set, and spawns a handshake attempt for each
// newly appeared port on its own goroutine so a slow handshake never
// blocks the scan.
func (b *Bridge) scanLoop() {
	logging.Log("[usb] starting serial agent scanner")
	known := make(map[string]bool)

	for b.running.Load() {
		ports, err := serial.GetPortsList()
		if err != nil {
			logging.Logf("[usb] error scanning serial ports: %v", err)
		} else {
			current := make(map[string]bool, len(ports))
			for _, port := range ports {
				current[port] = true
				if !known[port] {
					logging.Logf("[usb] new serial port detected port=%s", port)
					go b.handlePort(port)
				}
			}
			known = current
		}
		time.Sleep(b.cfg.GetScanInterval())
	}
}

// handlePort drives one port from discovery to disconnect: settle
// delay, open, handshake, registration, streaming.
func (b *Bridge) handlePort(portName string) {
	// Give the OS a moment to stabilize the new port.
	time.Sleep(b.cfg.GetSettleDelay())

	conn, err := b.openPort(portName)
	if err != nil {
		logging.Logf("[usb] failed to open port=%s err=%v", portName, err)
		if c := b.hub.Collector(); c != nil {
			c.RecordSerialHandshake(false)
		}
		return
	}

	clientID := fmt.Sprintf("USB:%s", portName)

	name, err := b.handshake(conn)
	if err != nil {
		logging.Logf("[usb] handshake failed port=%s err=%v", portName, err)
		if c := b.hub.Collector(); c != nil {
			c.RecordSerialHandshake(false)
		}
		_ = conn.Close()
		return
	}

	logging.Logf("[usb] handshake ok port=%s name=%s", portName, name)
	if c := b.hub.Collector(); c != nil {
		c.RecordSerialHandshake(true)
	}

	b.hub.RegisterClient(clientID, &types.ClientRecord{
		ID:        clientID,
		Name:      name,
		Transport: types.TransportUSB,
		Conn:      conn,
		ConnMu:    &sync.Mutex{},
		LastSeen:  time.Now(),
	})

	b.runAgent(clientID, conn)
}

// handshake sends the server hello and expects the client magic within
// the port's read timeout. Anything else, including a silent peer,
// fails the handshake and the port is closed without registering.
func (b *Bridge) handshake(conn io.ReadWriter) (string, error) {
	err := protocol.WriteFramed(conn, protocol.MsgHandshake, map[string]string{
		"magic": protocol.ServerHelloMagic,
	})
	if err != nil {
		return "", fmt.Errorf("send hello: %w", err)
	}

	resp, err := protocol.ReadFramed(conn)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("no handshake response")
	}

	var payload struct {
		Magic string `json:"magic"`
		Name  string `json:"name"`
	}
	if err := resp.DecodePayload(&payload); err != nil {
		return "", fmt.Errorf("bad handshake payload: %w", err)
	}
	if payload.Magic != protocol.ClientHelloMagic {
		return "", fmt.Errorf("bad handshake magic %q", payload.Magic)
	}

	name := payload.Name
	if name == "" {
		name = "USB Agent"
	}
	return name, nil
}

// runAgent is the post-registration read loop: video_frame messages
// update the latest-frame cache, anything else is logged and ignored,
// and a nil read (EOF, timeout, decode failure) removes the client.
func (b *Bridge) runAgent(clientID string, conn io.ReadWriteCloser) {
	registry := b.hub.Registry()
	defer func() {
		b.hub.RemoveClient(clientID)
		logging.Logf("[usb] closed connection id=%s", clientID)
	}()

	for b.running.Load() && registry.GetClient(clientID) != nil {
		msg, err := protocol.ReadFramed(conn)
		if err != nil {
			logging.Logf("[usb] frame error id=%s err=%v", clientID, err)
			return
		}
		if msg == nil {
			logging.Logf("[usb] agent disconnected id=%s", clientID)
			return
		}

		switch msg.Type {
		case protocol.MsgVideoFrame:
			var payload struct {
				Frame string `json:"frame"`
			}
			if err := msg.DecodePayload(&payload); err != nil {
				logging.Logf("[usb] bad video_frame payload id=%s err=%v", clientID, err)
				continue
			}
			frame, err := base64.StdEncoding.DecodeString(payload.Frame)
			if err != nil {
				logging.Logf("[usb] bad video_frame encoding id=%s err=%v", clientID, err)
				continue
			}
			registry.UpdateLatestFrame(clientID, frame)
		default:
			logging.Logf("[usb] unexpected message id=%s type=%s", clientID, msg.Type)
		}
	}
}

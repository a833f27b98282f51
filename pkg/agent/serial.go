package agent

import (
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netkvm-hub/pkg/config"
	"github.com/netkvm-hub/pkg/logging"
	"github.com/netkvm-hub/pkg/protocol"
	"go.bug.st/serial"
)

// SerialAgent is the serial-transport counterpart of Agent: it waits
// for the hub's handshake on a serial port, answers with the client
// magic, and then streams framed video while applying routed input
// events. The hub side leads the handshake, so the agent only listens
// until a hub announces itself.
type SerialAgent struct {
	cfg      *config.Config
	frames   FrameSource
	injector Injector
	running  atomic.Bool

	// writeMu serializes the handshake reply and video frames onto the
	// single port.
	writeMu sync.Mutex

	// openPort and listPorts are swappable in tests.
	openPort  func(name string) (io.ReadWriteCloser, error)
	listPorts func() ([]string, error)
}

// NewSerialAgent creates a serial agent. As with New, a nil frame
// source disables video and a nil injector drops input events.
func NewSerialAgent(cfg *config.Config, frames FrameSource, injector Injector) *SerialAgent {
	a := &SerialAgent{cfg: cfg, frames: frames, injector: injector}
	a.openPort = a.openSerialPort
	a.listPorts = serial.GetPortsList
	return a
}

// handshakeReader turns the port's zero-byte timeout reads into EOF so
// a silent candidate port fails the hello wait instead of hanging it.
type handshakeReader struct {
	port io.Reader
}

func (h *handshakeReader) Read(p []byte) (int, error) {
	n, err := h.port.Read(p)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

// sessionReader retries zero-byte timeout reads while the agent runs,
// making post-handshake control reads blocking with cooperative
// cancellation through the running flag.
type sessionReader struct {
	port    io.Reader
	running *atomic.Bool
}

func (s *sessionReader) Read(p []byte) (int, error) {
	for {
		n, err := s.port.Read(p)
		if n == 0 && err == nil {
			if !s.running.Load() {
				return 0, io.EOF
			}
			continue
		}
		return n, err
	}
}

func (a *SerialAgent) openSerialPort(name string) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{BaudRate: a.cfg.Serial.BaudRate}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(a.cfg.GetSerialReadTimeout()); err != nil {
		_ = port.Close()
		return nil, err
	}
	return port, nil
}

// Run finds a hub on the configured serial port (or any port when set
// to "auto") and keeps the session alive, rescanning on failure at the
// configured interval.
func (a *SerialAgent) Run() error {
	a.running.Store(true)
	reconnectCount := 0

	for a.running.Load() {
		conn, portName, err := a.findServer()
		if err == nil {
			err = a.runSession(conn)
			_ = conn.Close()
			if !a.running.Load() {
				return nil
			}
			if err != nil {
				logging.Logf("[usb-agent] session ended port=%s err=%v", portName, err)
			}
		} else {
			if !a.running.Load() {
				return nil
			}
			logging.Logf("[usb-agent] no server found err=%v", err)
		}
		if a.cfg.Agent.MaxReconnect > 0 && reconnectCount >= a.cfg.Agent.MaxReconnect {
			return fmt.Errorf("giving up after %d reconnect attempts", reconnectCount)
		}
		reconnectCount++
		logging.Logf("[usb-agent] rescanning in %v (attempt %d)...", a.cfg.GetReconnectInterval(), reconnectCount)
		time.Sleep(a.cfg.GetReconnectInterval())
	}
	return nil
}

// Stop ends the run loop; the current session exits on its next read.
func (a *SerialAgent) Stop() {
	a.running.Store(false)
}

// findServer tries each candidate port: open, wait one read timeout
// for the hub's hello, answer it. Any other outcome closes the port
// and moves on.
func (a *SerialAgent) findServer() (io.ReadWriteCloser, string, error) {
	var candidates []string
	if a.cfg.Agent.SerialPort != "" && a.cfg.Agent.SerialPort != "auto" {
		candidates = []string{a.cfg.Agent.SerialPort}
	} else {
		ports, err := a.listPorts()
		if err != nil {
			return nil, "", fmt.Errorf("list serial ports: %w", err)
		}
		candidates = ports
	}

	for _, name := range candidates {
		conn, err := a.openPort(name)
		if err != nil {
			logging.Logf("[usb-agent] failed to open port=%s err=%v", name, err)
			continue
		}
		if err := a.answerHello(conn); err != nil {
			logging.Logf("[usb-agent] no hub on port=%s err=%v", name, err)
			_ = conn.Close()
			continue
		}
		logging.Logf("[usb-agent] connected to hub port=%s", name)
		return conn, name, nil
	}
	return nil, "", fmt.Errorf("no hub found on %d candidate port(s)", len(candidates))
}

func (a *SerialAgent) answerHello(conn io.ReadWriter) error {
	msg, err := protocol.ReadFramed(&handshakeReader{port: conn})
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("no hello received")
	}

	var payload struct {
		Magic string `json:"magic"`
	}
	if err := msg.DecodePayload(&payload); err != nil {
		return fmt.Errorf("bad hello payload: %w", err)
	}
	if payload.Magic != protocol.ServerHelloMagic {
		return fmt.Errorf("bad hello magic %q", payload.Magic)
	}

	return a.writeFramed(protocol.MsgHandshake, map[string]string{
		"magic": protocol.ClientHelloMagic,
		"name":  a.cfg.Agent.ClientName,
	}, conn)
}

func (a *SerialAgent) writeFramed(msgType string, payload interface{}, conn io.Writer) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return protocol.WriteFramed(conn, msgType, payload)
}

// runSession streams video and applies routed input until the hub goes
// away or the agent stops.
func (a *SerialAgent) runSession(conn io.ReadWriteCloser) error {
	videoDone := make(chan struct{})
	if a.frames != nil {
		go a.streamVideo(conn, videoDone)
	} else {
		close(videoDone)
	}

	err := a.handleCommands(conn)
	<-videoDone
	return err
}

// streamVideo sends frames as framed video_frame messages with the
// payload base64-encoded, until the source or the port fails.
func (a *SerialAgent) streamVideo(conn io.Writer, done chan struct{}) {
	defer close(done)

	for a.running.Load() {
		frame, err := a.frames.NextFrame()
		if err != nil {
			logging.Logf("[usb-agent] frame source ended err=%v", err)
			return
		}
		err = a.writeFramed(protocol.MsgVideoFrame, map[string]string{
			"frame": base64.StdEncoding.EncodeToString(frame),
		}, conn)
		if err != nil {
			logging.Logf("[usb-agent] video write failed err=%v", err)
			return
		}
	}
}

func (a *SerialAgent) handleCommands(conn io.Reader) error {
	reader := &sessionReader{port: conn, running: &a.running}
	for a.running.Load() {
		msg, err := protocol.ReadFramed(reader)
		if err != nil {
			return fmt.Errorf("hub connection lost: %w", err)
		}
		if msg == nil {
			return fmt.Errorf("hub disconnected")
		}

		switch msg.Type {
		case protocol.MsgKeyEvent, protocol.MsgMouseEvent:
			if a.injector == nil {
				continue
			}
			if err := a.injector.Inject(msg.Type, msg.Payload); err != nil {
				logging.Logf("[usb-agent] inject failed type=%s err=%v", msg.Type, err)
			}
		case protocol.MsgSwitchClient:
			var payload struct {
				ActiveClient string `json:"active_client"`
			}
			_ = msg.DecodePayload(&payload)
			logging.Logf("[usb-agent] active client switched to %s", payload.ActiveClient)
		case protocol.MsgShutdown:
			logging.Log("[usb-agent] shutdown requested by hub")
			a.running.Store(false)
			return nil
		case protocol.MsgRestart:
			logging.Log("[usb-agent] restart requested by hub")
			return fmt.Errorf("restart requested")
		default:
			logging.Logf("[usb-agent] message from hub type=%s", msg.Type)
		}
	}
	return nil
}

// Package agent implements the network source agent: it registers with
// the hub over the TLS control channel, streams encoded frames on the
// video leg, and applies routed input events through an injector.
// Screen capture and OS-level injection are external collaborators
// behind the FrameSource and Injector interfaces.
package agent

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/netkvm-hub/pkg/config"
	"github.com/netkvm-hub/pkg/logging"
	"github.com/netkvm-hub/pkg/protocol"
)

// FrameSource supplies encoded video payloads on demand. NextFrame
// blocks until a frame is available; io.EOF stops the stream.
type FrameSource interface {
	NextFrame() ([]byte, error)
}

// Injector applies a routed input event on the local machine.
type Injector interface {
	Inject(eventType string, payload json.RawMessage) error
}

// Agent is one source agent instance.
type Agent struct {
	cfg      *config.Config
	frames   FrameSource
	injector Injector
	running  atomic.Bool
}

// New creates an agent. Either collaborator may be nil: a nil frame
// source disables video streaming, a nil injector drops input events.
func New(cfg *config.Config, frames FrameSource, injector Injector) *Agent {
	return &Agent{cfg: cfg, frames: frames, injector: injector}
}

// Run connects to the hub and keeps the session alive, redialing on
// failure at the configured interval. The hub never reconnects to
// agents; re-dialing and re-handshaking is the agent's job.
func (a *Agent) Run() error {
	a.running.Store(true)
	reconnectCount := 0

	for a.running.Load() {
		err := a.runSession()
		if !a.running.Load() {
			return nil
		}
		if err != nil {
			logging.Logf("[agent] session ended err=%v", err)
		}
		if a.cfg.Agent.MaxReconnect > 0 && reconnectCount >= a.cfg.Agent.MaxReconnect {
			return fmt.Errorf("giving up after %d reconnect attempts", reconnectCount)
		}
		reconnectCount++
		logging.Logf("[agent] reconnecting in %v (attempt %d)...", a.cfg.GetReconnectInterval(), reconnectCount)
		time.Sleep(a.cfg.GetReconnectInterval())
	}
	return nil
}

// Stop ends the run loop; the current session exits on its next read.
func (a *Agent) Stop() {
	a.running.Store(false)
}

func (a *Agent) runSession() error {
	serverAddr := fmt.Sprintf("%s:%d", a.cfg.Agent.ServerHost, a.cfg.Agent.ServerPort)

	control, err := a.dialControl(serverAddr)
	if err != nil {
		return fmt.Errorf("control dial: %w", err)
	}
	defer control.Close()
	logging.Logf("[agent] control connection established addr=%s", serverAddr)

	// The hub acks immediately on accept; consume it before hello.
	msg, err := protocol.ReadEnvelope(control)
	if err != nil {
		return fmt.Errorf("read server_ack: %w", err)
	}
	if msg.Type != protocol.MsgServerAck {
		return fmt.Errorf("expected server_ack, got %s", msg.Type)
	}

	hello, err := protocol.Encode(protocol.MsgClientHello, map[string]interface{}{
		"name":       a.cfg.Agent.ClientName,
		"video_port": a.cfg.Agent.VideoPort,
	})
	if err != nil {
		return err
	}
	if _, err := control.Write(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	logging.Logf("[agent] sent client_hello name=%s", a.cfg.Agent.ClientName)

	videoDone := make(chan struct{})
	if a.frames != nil {
		go a.streamVideo(videoDone)
	} else {
		close(videoDone)
	}

	err = a.handleServerMessages(control)
	<-videoDone
	return err
}

func (a *Agent) dialControl(serverAddr string) (net.Conn, error) {
	if !a.cfg.Security.UseTLS {
		return net.Dial("tcp", serverAddr)
	}

	cert, err := tls.LoadX509KeyPair(
		a.cfg.CertPath(a.cfg.Security.ClientCert),
		a.cfg.CertPath(a.cfg.Security.ClientKey),
	)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %v", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   a.cfg.Agent.ServerHost,
	}

	if a.cfg.Agent.ServerHost == "127.0.0.1" || a.cfg.Agent.ServerHost == "localhost" {
		tlsConfig.InsecureSkipVerify = true
	} else {
		caPEM, err := os.ReadFile(a.cfg.CertPath(a.cfg.Security.CACert))
		if err != nil {
			return nil, fmt.Errorf("load CA cert: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates parsed from %s", a.cfg.Security.CACert)
		}
		tlsConfig.RootCAs = pool
	}

	return tls.Dial("tcp", serverAddr, tlsConfig)
}

// streamVideo dials the hub's video port and writes length-prefixed
// packets from the frame source until the source or the connection
// fails. Video loss does not end the session; the hub keeps the
// control registration either way.
func (a *Agent) streamVideo(done chan struct{}) {
	defer close(done)

	videoAddr := fmt.Sprintf("%s:%d", a.cfg.Agent.ServerHost, a.cfg.Agent.VideoPort)
	conn, err := net.Dial("tcp", videoAddr)
	if err != nil {
		logging.Logf("[agent] video dial failed addr=%s err=%v", videoAddr, err)
		return
	}
	defer conn.Close()
	logging.Logf("[agent] video connection established addr=%s", videoAddr)

	for a.running.Load() {
		frame, err := a.frames.NextFrame()
		if err != nil {
			logging.Logf("[agent] frame source ended err=%v", err)
			return
		}
		if err := protocol.WriteVideoPacket(conn, frame); err != nil {
			logging.Logf("[agent] video write failed err=%v", err)
			return
		}
	}
}

// handleServerMessages consumes hub->agent pushes on the control
// connection: switch-active notifications, shutdown/restart signals,
// and routed input events.
func (a *Agent) handleServerMessages(control net.Conn) error {
	for a.running.Load() {
		msg, err := protocol.ReadEnvelope(control)
		if err != nil {
			return fmt.Errorf("server connection lost: %w", err)
		}

		switch msg.Type {
		case protocol.MsgSwitchClient:
			var payload struct {
				ActiveClient string `json:"active_client"`
			}
			_ = msg.DecodePayload(&payload)
			logging.Logf("[agent] active client switched to %s", payload.ActiveClient)
		case protocol.MsgKeyEvent, protocol.MsgMouseEvent:
			if a.injector == nil {
				continue
			}
			if err := a.injector.Inject(msg.Type, msg.Payload); err != nil {
				logging.Logf("[agent] inject failed type=%s err=%v", msg.Type, err)
			}
		case protocol.MsgShutdown:
			logging.Log("[agent] shutdown requested by hub")
			a.running.Store(false)
			return nil
		case protocol.MsgRestart:
			logging.Log("[agent] restart requested by hub")
			return fmt.Errorf("restart requested")
		default:
			logging.Logf("[agent] message from server type=%s", msg.Type)
		}
	}
	return nil
}

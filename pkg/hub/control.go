package hub

import (
	"net"
	"sync"
	"time"

	"github.com/netkvm-hub/pkg/logging"
	"github.com/netkvm-hub/pkg/protocol"
	"github.com/netkvm-hub/pkg/types"
)

// helloPayload is the registration payload of a client_hello envelope.
type helloPayload struct {
	Name      string `json:"name"`
	VideoPort int    `json:"video_port"`
}

// acceptControlConnections accepts source clients on the TLS control
// port. Each accepted connection gets its own handler goroutine; the
// accept loop never blocks on per-connection I/O.
func (s *HubServer) acceptControlConnections() {
	for s.running.Load() {
		conn, err := s.controlListener.Accept()
		if err != nil {
			if s.running.Load() {
				logging.Logf("[accept] control accept error: %v", err)
			}
			return
		}
		logging.Logf("[accept] control connection remote=%s", conn.RemoteAddr())
		go s.handleControlClient(conn)
	}
}

// handleControlClient acks the peer, waits for its client_hello, and
// then only relays hub->client pushes. The client is not expected to
// initiate anything after the hello; a read returning EOF or an error
// removes the registration.
func (s *HubServer) handleControlClient(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	ack, err := protocol.Encode(protocol.MsgServerAck, map[string]string{"status": "connected"})
	if err == nil {
		_, err = conn.Write(ack)
	}
	if err != nil {
		logging.Logf("[control] server_ack failed remote=%s err=%v", remote, err)
		_ = conn.Close()
		return
	}

	registered := false
	clientID := ""

	for s.running.Load() {
		msg, err := protocol.ReadEnvelope(conn)
		if err != nil {
			if registered {
				logging.Logf("[control] client disconnected id=%s err=%v", clientID, err)
				s.RemoveClient(clientID)
			} else {
				logging.Logf("[control] connection lost before hello remote=%s err=%v", remote, err)
				_ = conn.Close()
			}
			return
		}

		if !registered && msg.Type == protocol.MsgClientHello {
			var hello helloPayload
			if err := msg.DecodePayload(&hello); err != nil {
				logging.Logf("[control] bad hello payload remote=%s err=%v", remote, err)
				_ = conn.Close()
				return
			}
			name := hello.Name
			if name == "" {
				name = "Unknown"
			}
			host, _, _ := net.SplitHostPort(remote)
			clientID = remote
			s.RegisterClient(clientID, &types.ClientRecord{
				ID:        clientID,
				Name:      name,
				Transport: types.TransportNetwork,
				IP:        host,
				VideoPort: hello.VideoPort,
				Conn:      conn,
				ConnMu:    &sync.Mutex{},
				LastSeen:  time.Now(),
			})
			registered = true
			logging.Logf("[control] client registered id=%s name=%s video_port=%d", clientID, name, hello.VideoPort)
			continue
		}

		logging.Logf("[control] unexpected message remote=%s type=%s", remote, msg.Type)
	}
}

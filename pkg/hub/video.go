package hub

import (
	"net"

	"github.com/netkvm-hub/pkg/logging"
	"github.com/netkvm-hub/pkg/protocol"
)

// acceptVideoConnections accepts the video ingress leg from source
// clients.
func (s *HubServer) acceptVideoConnections() {
	for s.running.Load() {
		conn, err := s.videoListener.Accept()
		if err != nil {
			if s.running.Load() {
				logging.Logf("[accept] video accept error: %v", err)
			}
			return
		}
		logging.Logf("[accept] video connection remote=%s", conn.RemoteAddr())
		go s.handleVideoConnection(conn)
	}
}

// handleVideoConnection associates an incoming video leg with its
// already-registered control client by source IP and relays its
// length-prefixed packets to all viewers. An orphaned video leg (no
// matching control registration) is closed immediately, not queued.
// Losing video does not remove the client; only the video handle is
// cleared.
func (s *HubServer) handleVideoConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		logging.Logf("[video] bad remote address %s: %v", remote, err)
		_ = conn.Close()
		return
	}

	clientID := s.state.FindClientByIP(host)
	if clientID == "" {
		logging.Logf("[video] no matching control client for remote=%s, closing", remote)
		_ = conn.Close()
		return
	}

	rec := s.state.GetClient(clientID)
	if rec == nil {
		_ = conn.Close()
		return
	}
	rec.SetVideoConn(conn)
	logging.Logf("[video] associated remote=%s with client id=%s", remote, clientID)

	defer func() {
		rec.ClearVideoConn(conn)
		_ = conn.Close()
		logging.Logf("[video] closed video connection remote=%s id=%s", remote, clientID)
	}()

	for s.running.Load() {
		packet, err := protocol.ReadVideoPacket(conn)
		if err != nil {
			logging.Logf("[video] packet error id=%s err=%v", clientID, err)
			return
		}
		if packet == nil {
			logging.Logf("[video] stream ended id=%s", clientID)
			return
		}
		s.state.UpdateLatestFrame(clientID, packet)
		s.ForwardPacketToViewers(clientID, packet)
	}
}

package hub

import (
	"net"

	"github.com/netkvm-hub/pkg/logging"
	"github.com/netkvm-hub/pkg/protocol"
)

// acceptUIControlConnections accepts viewer control connections. Each
// handler is strict request/response: one envelope in, one response
// envelope out.
func (s *HubServer) acceptUIControlConnections() {
	for s.running.Load() {
		conn, err := s.uiControlListener.Accept()
		if err != nil {
			if s.running.Load() {
				logging.Logf("[accept] ui-control accept error: %v", err)
			}
			return
		}
		logging.Logf("[accept] ui-control connection remote=%s", conn.RemoteAddr())
		go s.handleUIClient(conn)
	}
}

func (s *HubServer) handleUIClient(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		_ = conn.Close()
	}()

	for s.running.Load() {
		msg, err := protocol.ReadEnvelope(conn)
		if err != nil {
			logging.Logf("[ui] client disconnected remote=%s err=%v", remote, err)
			return
		}

		response := s.ProcessUICommand(msg)
		data, err := protocol.Encode(protocol.MsgResponse, response)
		if err != nil {
			logging.Logf("[ui] response encode failed remote=%s err=%v", remote, err)
			return
		}
		if _, err := conn.Write(data); err != nil {
			logging.Logf("[ui] response write failed remote=%s err=%v", remote, err)
			return
		}
	}
}

// acceptUIVideoConnections accepts viewer video connections. These are
// write-only from the hub's perspective: the connection is added to
// the viewer set and nothing is read from it; a failed relay write
// removes it.
func (s *HubServer) acceptUIVideoConnections() {
	for s.running.Load() {
		conn, err := s.uiVideoListener.Accept()
		if err != nil {
			if s.running.Load() {
				logging.Logf("[accept] ui-video accept error: %v", err)
			}
			return
		}
		logging.Logf("[accept] ui-video viewer connected remote=%s", conn.RemoteAddr())
		s.AddViewer(conn)
	}
}

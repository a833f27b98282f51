package hub

import (
	"fmt"
	"net"

	"github.com/netkvm-hub/pkg/input"
	"github.com/netkvm-hub/pkg/logging"
	"github.com/netkvm-hub/pkg/protocol"
	"github.com/netkvm-hub/pkg/types"
)

// ForwardPacketToViewers multicasts one video packet, tagged with its
// originating client id, to every viewer. Best effort: a failed write
// evicts that viewer and the fan-out continues with the rest; there is
// no queueing or backpressure beyond the transport's own.
func (s *HubServer) ForwardPacketToViewers(clientID string, packet []byte) {
	tagged := protocol.TagViewerPacket(clientID, packet)

	s.viewersLock.Lock()
	defer s.viewersLock.Unlock()

	var dropped []int
	for i, viewer := range s.viewers {
		if _, err := viewer.Write(tagged); err != nil {
			logging.Logf("[relay] viewer write failed remote=%s err=%v", viewer.RemoteAddr(), err)
			dropped = append(dropped, i)
		}
	}

	for i := len(dropped) - 1; i >= 0; i-- {
		idx := dropped[i]
		_ = s.viewers[idx].Close()
		s.viewers = append(s.viewers[:idx], s.viewers[idx+1:]...)
		if s.collector != nil {
			s.collector.RecordViewerDrop()
		}
	}

	if s.collector != nil {
		s.collector.RecordVideoPacket(clientID, len(packet))
	}
}

// AddViewer registers a UI video output connection.
func (s *HubServer) AddViewer(conn net.Conn) {
	s.viewersLock.Lock()
	s.viewers = append(s.viewers, conn)
	s.viewersLock.Unlock()
}

// ViewerCount returns the current viewer set size.
func (s *HubServer) ViewerCount() int {
	s.viewersLock.Lock()
	defer s.viewersLock.Unlock()
	return len(s.viewers)
}

// SendInputEvent routes a captured input event to the active client.
// Gated by the process-wide input forwarding flag. A write failure
// evicts the target: a dead active client is removed, not retried.
func (s *HubServer) SendInputEvent(eventType string, payload interface{}) {
	if !s.inputForwarding.Load() {
		return
	}
	active := s.state.GetActiveClient()
	if active == "" {
		return
	}
	if err := s.deliverInputEvent(active, eventType, payload); err != nil {
		logging.Logf("[relay] input delivery failed id=%s type=%s err=%v", active, eventType, err)
		if s.collector != nil {
			s.collector.RecordInputError(active)
		}
		s.RemoveClient(active)
		return
	}
	if s.collector != nil {
		s.collector.RecordInputEvent(eventType)
	}
}

// SendInputEventTo routes an event to an explicitly named client
// regardless of the active selection, under the same forwarding gate
// and the same failure-eviction policy.
func (s *HubServer) SendInputEventTo(clientID, eventType string, payload interface{}) error {
	if !s.inputForwarding.Load() {
		return fmt.Errorf("input forwarding is disabled")
	}
	if err := s.deliverInputEvent(clientID, eventType, payload); err != nil {
		if s.collector != nil {
			s.collector.RecordInputError(clientID)
		}
		if s.state.GetClient(clientID) != nil {
			s.RemoveClient(clientID)
		}
		return err
	}
	if s.collector != nil {
		s.collector.RecordInputEvent(eventType)
	}
	return nil
}

// deliverInputEvent writes one event on the target's control handle.
// Network clients get the raw JSON envelope; USB clients get the same
// logical event through the framed serial codec.
func (s *HubServer) deliverInputEvent(clientID, eventType string, payload interface{}) error {
	rec := s.state.GetClient(clientID)
	if rec == nil {
		return fmt.Errorf("client %s not found", clientID)
	}
	if rec.Transport == types.TransportUSB {
		rec.ConnMu.Lock()
		defer rec.ConnMu.Unlock()
		return protocol.WriteFramed(rec.Conn, eventType, payload)
	}
	data, err := protocol.Encode(eventType, payload)
	if err != nil {
		return err
	}
	return rec.Write(data)
}

// RouteInputSource consumes events from a capture source and routes
// each to the active client until the source or the hub stops.
func (s *HubServer) RouteInputSource(src input.Source) {
	for ev := range src.Events() {
		if !s.running.Load() {
			return
		}
		s.SendInputEvent(ev.Type, ev.Payload)
	}
}

// notifyClients pushes one envelope to every registered client,
// transport-appropriately. Individual failures are logged only; a
// notification is not worth evicting a client over.
func (s *HubServer) notifyClients(msgType string, payload interface{}) {
	for id, rec := range s.state.SnapshotAll() {
		var err error
		if rec.Transport == types.TransportUSB {
			rec.ConnMu.Lock()
			err = protocol.WriteFramed(rec.Conn, msgType, payload)
			rec.ConnMu.Unlock()
		} else {
			var data []byte
			data, err = protocol.Encode(msgType, payload)
			if err == nil {
				err = rec.Write(data)
			}
		}
		if err != nil {
			logging.Logf("[relay] notify failed id=%s type=%s err=%v", id, msgType, err)
		}
	}
}

package hub

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/netkvm-hub/pkg/logging"
	"github.com/netkvm-hub/pkg/protocol"
	"github.com/netkvm-hub/pkg/types"
)

// UI command vocabulary. Every reply travels in a single "response"
// envelope whose payload is one of the typed responses below.
const (
	CmdGetClients           = "get_clients"
	CmdSetActiveClient      = "set_active_client"
	CmdGetActiveClient      = "get_active_client"
	CmdGetFrame             = "get_frame"
	CmdSetInputForwarding   = "set_input_forwarding"
	CmdShutdownActiveClient = "shutdown_active_client"
	CmdRestartAgent         = "restart_agent"
	CmdForwardIOEvent       = "forward_io_event"
)

// Request payloads.

type addressRequest struct {
	Address string `json:"address"`
}

type setInputForwardingRequest struct {
	Enabled bool `json:"enabled"`
}

type forwardIOEventRequest struct {
	Address   string          `json:"address"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// Response payloads.

// ClientEntry describes one registered client in a get_clients reply.
type ClientEntry struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	IsActive bool   `json:"is_active"`
}

// GetClientsResponse is the get_clients reply.
type GetClientsResponse struct {
	Clients map[string]ClientEntry `json:"clients"`
}

// StatusResponse is the generic success/message reply.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ActiveClientResponse is the get_active_client reply. ActiveClient is
// nil when no client is selected.
type ActiveClientResponse struct {
	ActiveClient *string `json:"active_client"`
}

// FrameResponse is the get_frame reply. Frame is base64-encoded.
type FrameResponse struct {
	Frame    *string `json:"frame"`
	HasFrame bool    `json:"has_frame"`
}

// InputForwardingResponse is the set_input_forwarding reply.
type InputForwardingResponse struct {
	Success bool `json:"success"`
	Enabled bool `json:"enabled"`
}

// ForwardResponse is the forward_io_event reply.
type ForwardResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the reply for an unrecognized command type.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ProcessUICommand interprets one UI command and produces its typed
// response. Pure function of the message over the registry's current
// state; command failures are structured responses, never connection
// errors.
func (s *HubServer) ProcessUICommand(msg *protocol.Message) interface{} {
	if s.collector != nil {
		s.collector.RecordUICommand(msg.Type)
	}

	switch msg.Type {
	case CmdGetClients:
		return s.cmdGetClients()
	case CmdSetActiveClient:
		return s.cmdSetActiveClient(msg)
	case CmdGetActiveClient:
		return s.cmdGetActiveClient()
	case CmdGetFrame:
		return s.cmdGetFrame()
	case CmdSetInputForwarding:
		return s.cmdSetInputForwarding(msg)
	case CmdShutdownActiveClient:
		return s.cmdShutdownActiveClient()
	case CmdRestartAgent:
		return s.cmdRestartAgent(msg)
	case CmdForwardIOEvent:
		return s.cmdForwardIOEvent(msg)
	default:
		return ErrorResponse{Error: fmt.Sprintf("Unknown command: %s", msg.Type)}
	}
}

func (s *HubServer) cmdGetClients() GetClientsResponse {
	active := s.state.GetActiveClient()
	clients := make(map[string]ClientEntry)
	for id, rec := range s.state.SnapshotAll() {
		clients[id] = ClientEntry{
			Name:     rec.Name,
			Address:  id,
			IsActive: id == active,
		}
	}
	return GetClientsResponse{Clients: clients}
}

func (s *HubServer) cmdSetActiveClient(msg *protocol.Message) StatusResponse {
	var req addressRequest
	if err := msg.DecodePayload(&req); err != nil || req.Address == "" {
		return StatusResponse{Success: false, Message: "Invalid address format: missing address"}
	}
	id, err := s.resolveClientID(req.Address)
	if err != nil {
		return StatusResponse{Success: false, Message: fmt.Sprintf("Invalid address format: %v", err)}
	}
	if !s.state.SetActiveClient(id) {
		return StatusResponse{Success: false, Message: "Client not found"}
	}
	logging.Logf("[command] active client set id=%s", id)
	s.notifyClients(protocol.MsgSwitchClient, map[string]string{"active_client": id})
	return StatusResponse{Success: true, Message: fmt.Sprintf("Active client set to %s", id)}
}

func (s *HubServer) cmdGetActiveClient() ActiveClientResponse {
	active := s.state.GetActiveClient()
	if active == "" {
		return ActiveClientResponse{ActiveClient: nil}
	}
	return ActiveClientResponse{ActiveClient: &active}
}

func (s *HubServer) cmdGetFrame() FrameResponse {
	active := s.state.GetActiveClient()
	if active != "" {
		if frame := s.state.GetLatestFrame(active); frame != nil {
			encoded := base64.StdEncoding.EncodeToString(frame)
			return FrameResponse{Frame: &encoded, HasFrame: true}
		}
	}
	return FrameResponse{Frame: nil, HasFrame: false}
}

func (s *HubServer) cmdSetInputForwarding(msg *protocol.Message) InputForwardingResponse {
	var req setInputForwardingRequest
	if err := msg.DecodePayload(&req); err != nil {
		return InputForwardingResponse{Success: false, Enabled: s.inputForwarding.Load()}
	}
	s.inputForwarding.Store(req.Enabled)
	logging.Logf("[command] input forwarding enabled=%t", req.Enabled)
	return InputForwardingResponse{Success: true, Enabled: req.Enabled}
}

func (s *HubServer) cmdShutdownActiveClient() StatusResponse {
	active := s.state.GetActiveClient()
	if active == "" {
		return StatusResponse{Success: false, Message: "No active client"}
	}
	rec := s.state.GetClient(active)
	if rec == nil {
		return StatusResponse{Success: false, Message: "Client not found"}
	}
	if rec.Transport != types.TransportNetwork {
		return StatusResponse{Success: false, Message: "Active client is not a network client"}
	}
	data, err := protocol.Encode(protocol.MsgShutdown, map[string]string{})
	if err == nil {
		err = rec.Write(data)
	}
	if err != nil {
		return StatusResponse{Success: false, Message: fmt.Sprintf("Failed to send shutdown: %v", err)}
	}
	logging.Logf("[command] shutdown sent id=%s", active)
	return StatusResponse{Success: true, Message: fmt.Sprintf("Shutdown sent to %s", active)}
}

func (s *HubServer) cmdRestartAgent(msg *protocol.Message) StatusResponse {
	var req addressRequest
	if err := msg.DecodePayload(&req); err != nil || req.Address == "" {
		return StatusResponse{Success: false, Message: "Invalid address format: missing address"}
	}
	id, err := s.resolveClientID(req.Address)
	if err != nil {
		return StatusResponse{Success: false, Message: fmt.Sprintf("Invalid address format: %v", err)}
	}
	rec := s.state.GetClient(id)
	if rec == nil {
		return StatusResponse{Success: false, Message: "Client not found"}
	}
	if rec.Transport == types.TransportUSB {
		rec.ConnMu.Lock()
		err = protocol.WriteFramed(rec.Conn, protocol.MsgRestart, map[string]string{})
		rec.ConnMu.Unlock()
	} else {
		var data []byte
		data, err = protocol.Encode(protocol.MsgRestart, map[string]string{})
		if err == nil {
			err = rec.Write(data)
		}
	}
	if err != nil {
		return StatusResponse{Success: false, Message: fmt.Sprintf("Failed to send restart: %v", err)}
	}
	logging.Logf("[command] restart sent id=%s", id)
	return StatusResponse{Success: true, Message: fmt.Sprintf("Restart sent to %s", id)}
}

func (s *HubServer) cmdForwardIOEvent(msg *protocol.Message) ForwardResponse {
	var req forwardIOEventRequest
	if err := msg.DecodePayload(&req); err != nil || req.Address == "" || req.EventType == "" {
		return ForwardResponse{Success: false}
	}
	id, err := s.resolveClientID(req.Address)
	if err != nil {
		return ForwardResponse{Success: false}
	}
	if err := s.SendInputEventTo(id, req.EventType, req.Payload); err != nil {
		logging.Logf("[command] forward_io_event failed id=%s err=%v", id, err)
		return ForwardResponse{Success: false}
	}
	return ForwardResponse{Success: true}
}

// resolveClientID maps a UI-supplied address string onto a registry
// key. Serial ids ("USB:...") pass through untouched; network
// addresses go through the tolerant parser.
func (s *HubServer) resolveClientID(address string) (string, error) {
	if len(address) > 4 && address[:4] == "USB:" {
		return address, nil
	}
	return protocol.ParseAddress(address)
}

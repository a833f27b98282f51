package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Message types exchanged on control, UI and serial connections.
const (
	MsgKeyEvent       = "key_event"
	MsgMouseEvent     = "mouse_event"
	MsgClientHello    = "client_hello"
	MsgServerAck      = "server_ack"
	MsgSwitchClient   = "switch_client"
	MsgStreamStatus   = "stream_status"
	MsgClipboardEvent = "clipboard_event"
	MsgVideoFrame     = "video_frame"
	MsgShutdown       = "shutdown"
	MsgRestart        = "restart"
	MsgHandshake      = "handshake"
	MsgResponse       = "response"
)

// Serial handshake magic strings.
const (
	ServerHelloMagic = "NETKVM_SERVER_HELLO"
	ClientHelloMagic = "NETKVM_CLIENT_HELLO"
)

// MaxFrameSize bounds a single framed payload. Anything larger is
// treated as a protocol error and the connection is closed.
const MaxFrameSize = 20 << 20

// ViewerIDWidth is the fixed width of the space-padded client id that
// prefixes every video packet on the hub->viewer leg.
const ViewerIDWidth = 40

var (
	ErrMalformedEnvelope = errors.New("malformed message envelope")
	ErrFrameDecode       = errors.New("frame decode error")
	ErrFrameTooLarge     = errors.New("frame exceeds size limit")
)

// Message is the JSON envelope used on every non-binary path.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodePayload unmarshals the envelope payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Encode serializes a {type, payload} envelope as raw JSON bytes with
// no length prefix. Control connections rely on transport message
// boundaries; existing agents speak this exact format.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return json.Marshal(Message{Type: msgType, Payload: raw})
}

// Decode parses a raw JSON envelope. Returns ErrMalformedEnvelope on
// invalid JSON or a missing type field.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return &msg, nil
}

// ReadEnvelope reads one control envelope with a single Read call and
// decodes it. There is no length prefix on this path: if the transport
// ever splits one envelope across two reads or coalesces two into one,
// parsing fails and the caller treats the connection as broken. Kept
// unframed for compatibility with deployed agents.
func ReadEnvelope(r io.Reader) (*Message, error) {
	buf := make([]byte, 4096)
	n, err := r.Read(buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	return Decode(buf[:n])
}

// WriteFramed JSON-serializes the envelope and writes it with a 4-byte
// big-endian length prefix. Used on the serial transport where there
// are no transport message boundaries.
func WriteFramed(w io.Writer, msgType string, payload interface{}) error {
	data, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFramed reads one length-prefixed JSON envelope. A clean EOF or a
// short read returns (nil, nil): the peer is gone and the caller should
// tear the connection down without treating it as a protocol failure.
// A complete read that fails to parse returns ErrFrameDecode, which the
// caller also treats as connection-closed.
func ReadFramed(r io.Reader) (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrFrameDecode, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, nil
	}
	msg, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameDecode, err)
	}
	return msg, nil
}

// WriteVideoPacket writes a raw video payload with a 4-byte big-endian
// length prefix (source->hub leg).
func WriteVideoPacket(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadVideoPacket reads one length-prefixed video payload. Returns
// (nil, nil) on EOF or short read, an error on an invalid length.
func ReadVideoPacket(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-length video packet", ErrFrameDecode)
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: video packet length %d", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil
	}
	return payload, nil
}

// TagViewerPacket builds the hub->viewer wire form of a video packet:
// [4-byte big-endian length][40-byte space-padded client id][payload].
// The length covers the id prefix plus the payload.
func TagViewerPacket(clientID string, payload []byte) []byte {
	id := clientID
	if len(id) > ViewerIDWidth {
		id = id[:ViewerIDWidth]
	}
	buf := make([]byte, 4+ViewerIDWidth+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(ViewerIDWidth+len(payload)))
	copy(buf[4:], id)
	for i := 4 + len(id); i < 4+ViewerIDWidth; i++ {
		buf[i] = ' '
	}
	copy(buf[4+ViewerIDWidth:], payload)
	return buf
}

// SplitViewerPacket reads one tagged packet from the viewer leg and
// splits it into the originating client id and the raw payload.
// Returns ("", nil, nil) on EOF or short read.
func SplitViewerPacket(r io.Reader) (clientID string, payload []byte, err error) {
	data, err := ReadVideoPacket(r)
	if err != nil || data == nil {
		return "", nil, err
	}
	if len(data) < ViewerIDWidth {
		return "", nil, fmt.Errorf("%w: tagged packet shorter than id prefix", ErrFrameDecode)
	}
	clientID = strings.TrimRight(string(data[:ViewerIDWidth]), " ")
	return clientID, data[ViewerIDWidth:], nil
}

// ParseAddress normalizes a client address string into the canonical
// "ip:port" registry key. It accepts both the native form
// ("10.0.0.6:9002") and the legacy tuple form ("('10.0.0.6', 9002)"),
// tolerating surrounding parens, quotes and whitespace.
func ParseAddress(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.Trim(trimmed, "()'\" ")
	if trimmed == "" {
		return "", fmt.Errorf("empty address")
	}

	var host, port string
	if idx := strings.Index(trimmed, ","); idx != -1 {
		host = strings.Trim(strings.TrimSpace(trimmed[:idx]), "'\"")
		port = strings.Trim(strings.TrimSpace(trimmed[idx+1:]), "'\"")
	} else {
		h, p, err := net.SplitHostPort(trimmed)
		if err != nil {
			return "", fmt.Errorf("invalid address %q: %v", s, err)
		}
		host, port = h, p
	}
	if host == "" || port == "" {
		return "", fmt.Errorf("invalid address %q", s)
	}
	for _, c := range port {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("invalid port in address %q", s)
		}
	}
	return net.JoinHostPort(host, port), nil
}

package input

// Captured local input events, as supplied by an external capture
// collaborator. The hub only wraps these into key_event/mouse_event
// envelopes and routes them; it never interprets them.

// KeyEvent is the payload of a key_event message.
type KeyEvent struct {
	EventType string `json:"event_type"` // "press" or "release"
	Key       string `json:"key"`
}

// MouseEvent is the payload of a mouse_event message. Fields beyond
// EventType are populated per event kind: click uses X/Y/Button/Pressed,
// scroll uses X/Y/DX/DY, move uses X/Y.
type MouseEvent struct {
	EventType string `json:"event_type"` // "click", "scroll" or "move"
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Button    string `json:"button,omitempty"`
	Pressed   bool   `json:"pressed,omitempty"`
	DX        int    `json:"dx,omitempty"`
	DY        int    `json:"dy,omitempty"`
}

// Event is one captured input event ready for routing.
type Event struct {
	Type    string      // protocol.MsgKeyEvent or protocol.MsgMouseEvent
	Payload interface{} // KeyEvent or MouseEvent
}

// Source is the capture collaborator boundary. Implementations grab
// OS-level keyboard/mouse events; the hub consumes Events() and routes
// each one to the active client.
type Source interface {
	Start() error
	Events() <-chan Event
	Stop()
}

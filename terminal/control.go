package terminal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// Control frame heuristics. Binary frames at or above MaxControlFrameSize
// are always terminal input.
const (
	MaxControlFrameSize = 200
	MinDimension        = 2
	MaxDimension        = 0xffff
)

// Control message types
const (
	TypeResize  = "resize"
	TypeSession = "session"
)

var controlKeyword = []byte(`"type"`)

var (
	// ErrMalformedControl is returned for control candidates that do not
	// decode into a complete control message.
	ErrMalformedControl = errors.New("malformed control message")
	// ErrUnknownControl is returned for well-formed messages of an unknown type
	ErrUnknownControl = errors.New("unknown control message type")
)

// Kind classifies an inbound frame
type Kind int

const (
	// KindData is raw terminal input
	KindData Kind = iota
	// KindControl is a control candidate
	KindControl
)

func (k Kind) String() string {
	if k == KindControl {
		return "control"
	}
	return "data"
}

// Control is a decoded client control message
type Control struct {
	Type string
	Cols uint
	Rows uint
}

type controlMessage struct {
	Type string `json:"type"`
	Cols *int   `json:"cols"`
	Rows *int   `json:"rows"`
}

// SessionMessage is the handshake frame telling the client its session
type SessionMessage struct {
	Type    string `json:"type"`
	Session string `json:"session"`
}

// NewSessionMessage encodes the session handshake frame
func NewSessionMessage(sessionID string) ([]byte, error) {
	return json.Marshal(SessionMessage{Type: TypeSession, Session: sessionID})
}

// Classify decides whether an inbound frame is a control candidate. Text
// frames always are. Binary frames are when they are short, open a JSON
// object and mention the type key; anything else is terminal input.
func Classify(messageType int, data []byte) Kind {
	if messageType == websocket.TextMessage {
		return KindControl
	}
	if len(data) < MaxControlFrameSize &&
		len(data) > 0 && data[0] == '{' &&
		bytes.Contains(data, controlKeyword) {
		return KindControl
	}
	return KindData
}

// ParseControl decodes a control candidate. Resize dimensions are clamped to
// MinDimension..MaxDimension.
func ParseControl(data []byte) (Control, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrMalformedControl, err)
	}

	switch msg.Type {
	case TypeResize:
		if msg.Cols == nil || msg.Rows == nil {
			return Control{}, fmt.Errorf("%w: resize requires cols and rows", ErrMalformedControl)
		}
		return Control{Type: TypeResize, Cols: clamp(*msg.Cols), Rows: clamp(*msg.Rows)}, nil
	case "":
		return Control{}, fmt.Errorf("%w: missing type", ErrMalformedControl)
	default:
		return Control{}, fmt.Errorf("%w: %q", ErrUnknownControl, msg.Type)
	}
}

func clamp(v int) uint {
	if v < MinDimension {
		return MinDimension
	}
	if v > MaxDimension {
		return MaxDimension
	}
	return uint(v)
}

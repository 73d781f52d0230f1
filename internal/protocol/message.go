// Package protocol defines the messages exchanged over the control
// data channel. Every message is one variant of a closed set tagged by
// its "type" field and is validated when decoded.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the "type" tag of a data channel message.
type Kind string

const (
	KindCommand Kind = "cmd"
	KindButton  Kind = "btn"
	KindText    Kind = "text"
	KindAck     Kind = "ack"
	KindUI      Kind = "ui"
)

// Direction commands carried by Command messages.
const (
	DirUp    = "UP"
	DirDown  = "DOWN"
	DirLeft  = "LEFT"
	DirRight = "RIGHT"
	DirStop  = "STOP"
)

// UI control-plane commands.
const (
	UIFullscreenRequest  = "REMOTE_FULLSCREEN_REQUEST"
	UIFullscreenResponse = "REMOTE_FULLSCREEN_RESPONSE"
)

var (
	ErrMissingType    = errors.New("protocol: message has no type")
	ErrInvalidMessage = errors.New("protocol: invalid message")
)

// Header holds the fields shared by every variant. ID is the sender
// generated "_id" that the receiver acknowledges; Timestamp is the
// optional "_ts" in unix milliseconds, truncated when fractional.
type Header struct {
	ID        string
	Timestamp int64
}

// Message is implemented by Command, Button, Text, Ack, UI and Other.
type Message interface {
	Kind() Kind
	Head() Header
	WithHead(Header) Message
}

// Command is a directional control ("cmd").
type Command struct {
	Header
	Direction string
	Pressed   bool
}

// Button is a named button press or release ("btn").
type Button struct {
	Header
	Button  string
	Pressed bool
}

// Text is a free-form string ("text").
type Text struct {
	Header
	Body string
}

// Ack acknowledges the message whose _id equals Of.
type Ack struct {
	Header
	Of string
}

// UI is a control-plane request or response such as the remote
// fullscreen handshake.
type UI struct {
	Header
	Cmd    string
	ReqID  string
	Status string
	Reason string
}

// Other keeps any message with a type tag this package does not know.
type Other struct {
	Header
	Type string
	Raw  json.RawMessage
}

func (Command) Kind() Kind { return KindCommand }
func (Button) Kind() Kind  { return KindButton }
func (Text) Kind() Kind    { return KindText }
func (Ack) Kind() Kind     { return KindAck }
func (UI) Kind() Kind      { return KindUI }
func (m Other) Kind() Kind { return Kind(m.Type) }

func (m Command) Head() Header { return m.Header }
func (m Button) Head() Header  { return m.Header }
func (m Text) Head() Header    { return m.Header }
func (m Ack) Head() Header     { return m.Header }
func (m UI) Head() Header      { return m.Header }
func (m Other) Head() Header   { return m.Header }

func (m Command) WithHead(h Header) Message {
	m.Header = h
	return m
}

func (m Button) WithHead(h Header) Message {
	m.Header = h
	return m
}

func (m Text) WithHead(h Header) Message {
	m.Header = h
	return m
}

func (m Ack) WithHead(h Header) Message {
	m.Header = h
	return m
}

func (m UI) WithHead(h Header) Message {
	m.Header = h
	return m
}

func (m Other) WithHead(h Header) Message {
	m.Header = h
	return m
}

// IsControl reports whether m drives the remote actuator. Only control
// messages count as activity for the safety watchdog.
func IsControl(m Message) bool {
	switch m.Kind() {
	case KindCommand, KindButton:
		return true
	}
	return false
}

// Source names the log source for a message kind.
func Source(m Message) string {
	switch m.Kind() {
	case KindCommand:
		return "DPAD"
	case KindButton:
		return "BUTTONS"
	case KindText:
		return "TEXT"
	case KindAck:
		return "ACK"
	}
	return "PEER"
}

// wire is the JSON shape on the data channel.
type wire struct {
	Type    string  `json:"type"`
	Cmd     string  `json:"cmd,omitempty"`
	ID      string  `json:"id,omitempty"`
	Text    string  `json:"text,omitempty"`
	Pressed *bool   `json:"pressed,omitempty"`
	ReqID   string  `json:"reqId,omitempty"`
	Status  string  `json:"status,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	MsgID   string  `json:"_id,omitempty"`
	TS      float64 `json:"_ts,omitempty"`
}

// Encode serializes m to its wire form.
func Encode(m Message) ([]byte, error) {
	h := m.Head()
	w := wire{MsgID: h.ID, TS: float64(h.Timestamp)}

	switch v := m.(type) {
	case Command:
		w.Type = string(KindCommand)
		w.Cmd = v.Direction
		w.Pressed = &v.Pressed
	case Button:
		w.Type = string(KindButton)
		w.ID = v.Button
		w.Pressed = &v.Pressed
	case Text:
		w.Type = string(KindText)
		w.Text = v.Body
	case Ack:
		w.Type = string(KindAck)
		w.ID = v.Of
	case UI:
		w.Type = string(KindUI)
		w.Cmd = v.Cmd
		w.ReqID = v.ReqID
		w.Status = v.Status
		w.Reason = v.Reason
	case Other:
		return encodeOther(v)
	default:
		return nil, fmt.Errorf("%w: unsupported variant %T", ErrInvalidMessage, m)
	}
	return json.Marshal(w)
}

// encodeOther re-emits the raw object with the header fields applied.
func encodeOther(m Other) ([]byte, error) {
	fields := map[string]any{}
	if len(m.Raw) > 0 {
		if err := json.Unmarshal(m.Raw, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	fields["type"] = m.Type
	if m.ID != "" {
		fields["_id"] = m.ID
	}
	if m.Timestamp != 0 {
		fields["_ts"] = m.Timestamp
	}
	return json.Marshal(fields)
}

// Envelope pulls the type and _id out of a payload that Decode rejected,
// so the sender still gets its ack. Fields of the wrong JSON type come
// back empty.
func Envelope(data []byte) (Kind, string) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", ""
	}
	var kind, id string
	json.Unmarshal(fields["type"], &kind)
	json.Unmarshal(fields["_id"], &id)
	return Kind(kind), id
}

// Decode parses and validates one data channel payload.
func Decode(data []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.Type == "" {
		return nil, ErrMissingType
	}
	h := Header{ID: w.MsgID, Timestamp: int64(w.TS)}

	switch Kind(w.Type) {
	case KindCommand:
		if w.Cmd == "" {
			return nil, fmt.Errorf("%w: cmd message without cmd", ErrInvalidMessage)
		}
		return Command{Header: h, Direction: w.Cmd, Pressed: w.Pressed != nil && *w.Pressed}, nil
	case KindButton:
		if w.ID == "" {
			return nil, fmt.Errorf("%w: btn message without id", ErrInvalidMessage)
		}
		return Button{Header: h, Button: w.ID, Pressed: w.Pressed != nil && *w.Pressed}, nil
	case KindText:
		return Text{Header: h, Body: w.Text}, nil
	case KindAck:
		if w.ID == "" {
			return nil, fmt.Errorf("%w: ack without id", ErrInvalidMessage)
		}
		return Ack{Header: h, Of: w.ID}, nil
	case KindUI:
		if w.Cmd == "" {
			return nil, fmt.Errorf("%w: ui message without cmd", ErrInvalidMessage)
		}
		return UI{Header: h, Cmd: w.Cmd, ReqID: w.ReqID, Status: w.Status, Reason: w.Reason}, nil
	}
	return Other{Header: h, Type: w.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

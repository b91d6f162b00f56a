// Package protocol defines the JSON frames exchanged over the WebSocket
// connection: one envelope carrying a type tag, an optional correlation id,
// and a type-specific data object.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types.
const (
	TypeJoinRoom     = "joinRoom"
	TypeLeaveRoom    = "leaveRoom"
	TypeMessage      = "message"
	TypeTypingUpdate = "typing:update"
)

// Outbound frame types. TypeMessage and TypeTypingUpdate are used in both
// directions.
const (
	TypeJoinResult  = "joinResult"
	TypeLeaveResult = "leaveResult"
	TypeSystem      = "system"
	TypeLists       = "lists"
	TypeRoomMembers = "roomMembers"
	TypeError       = "error"
)

// System event kinds.
const (
	SystemJoin  = "join"
	SystemLeave = "leave"
)

// ErrUnknownType is returned by Decode for frames with an unrecognized type.
var ErrUnknownType = errors.New("protocol: unknown frame type")

// Envelope is the outer shape of every frame.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinRoom asks to claim Name and enter Room.
type JoinRoom struct {
	Name        string `json:"name"`
	Room        string `json:"room"`
	MakePrivate bool   `json:"makePrivate"`
	Password    string `json:"password"`
}

// LeaveRoom has no fields.
type LeaveRoom struct{}

// SendMessage carries chat text.
type SendMessage struct {
	Text string `json:"text"`
}

// TypingUpdate carries the current text of a typing channel.
type TypingUpdate struct {
	Text    string `json:"text"`
	Channel string `json:"channel"`
}

// JoinResult acknowledges a join attempt.
type JoinResult struct {
	OK      bool   `json:"ok"`
	Room    string `json:"room,omitempty"`
	Private bool   `json:"private"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// LeaveResult acknowledges a leave.
type LeaveResult struct {
	OK bool `json:"ok"`
}

// SystemEvent announces that someone joined or left a room.
type SystemEvent struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Room string `json:"room"`
}

// RoomSummary is one public room in the global presence list.
type RoomSummary struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Lists is the global presence view.
type Lists struct {
	Users []string      `json:"users"`
	Rooms []RoomSummary `json:"rooms"`
}

// RoomMembers is the per-room presence view.
type RoomMembers struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// ChatMessage is a relayed chat message. TS is Unix milliseconds.
type ChatMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

// TypingEvent is a relayed typing update. Clear is set when Text is empty and
// the channel's displayed content must be removed.
type TypingEvent struct {
	From    string `json:"from"`
	Text    string `json:"text"`
	Channel string `json:"channel"`
	TS      int64  `json:"ts"`
	Clear   bool   `json:"clear"`
}

// ErrorEvent reports a problem with a frame the client sent.
type ErrorEvent struct {
	Message string `json:"message"`
}

// Decode parses a raw frame and its data object. The returned value is one
// of JoinRoom, LeaveRoom, SendMessage or TypingUpdate.
func Decode(raw []byte) (Envelope, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	var (
		payload any
		err     error
	)
	switch env.Type {
	case TypeJoinRoom:
		payload, err = decodeData[JoinRoom](env)
	case TypeLeaveRoom:
		payload = LeaveRoom{}
	case TypeMessage:
		payload, err = decodeData[SendMessage](env)
	case TypeTypingUpdate:
		payload, err = decodeData[TypingUpdate](env)
	default:
		return env, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return env, nil, err
	}
	return env, payload, nil
}

func decodeData[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
	}
	return v, nil
}

// Encode wraps data in an envelope of the given type.
func Encode(typ, id string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, ID: id, Data: raw})
}

// MustEncode is Encode for payload types that cannot fail to marshal.
func MustEncode(typ, id string, data any) []byte {
	b, err := Encode(typ, id, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Package protocol defines the JSON wire envelope exchanged over the
// WebSocket connection and the inbound/outbound message type discriminators.
package protocol

import "encoding/json"

// InboundType enumerates message types a client may send.
type InboundType string

// Inbound message types.
const (
	TypeAuth          InboundType = "auth"
	TypeListRooms     InboundType = "list_rooms"
	TypeCreateRoom    InboundType = "create_room"
	TypeJoinRoom      InboundType = "join_room"
	TypeReady         InboundType = "ready"
	TypeLeaveRoom     InboundType = "leave_room"
	TypePlayerEvent   InboundType = "player_event"
	TypeStateUpdate   InboundType = "state_update"
	TypePing          InboundType = "ping"
	TypeClientLog     InboundType = "client_log"
	TypeQualityUpdate InboundType = "quality_update"
	TypeChatMessage   InboundType = "chat_message"
	TypeUnknown       InboundType = "__unknown__"
)

// OutboundType enumerates message types the server may send.
type OutboundType string

// Outbound message types.
const (
	OutClientHello        OutboundType = "client_hello"
	OutAuthSuccess        OutboundType = "auth_success"
	OutError              OutboundType = "error"
	OutRoomList           OutboundType = "room_list"
	OutRoomState          OutboundType = "room_state"
	OutParticipantsUpdate OutboundType = "participants_update"
	OutPlayerEvent        OutboundType = "player_event"
	OutStateUpdate        OutboundType = "state_update"
	OutPong               OutboundType = "pong"
	OutClientLeft         OutboundType = "client_left"
	OutRoomClosed         OutboundType = "room_closed"
	OutQualityUpdate      OutboundType = "quality_update"
	OutChatMessage        OutboundType = "chat_message"
)

var knownInboundTypes = map[InboundType]struct{}{
	TypeAuth:          {},
	TypeListRooms:     {},
	TypeCreateRoom:    {},
	TypeJoinRoom:      {},
	TypeReady:         {},
	TypeLeaveRoom:     {},
	TypePlayerEvent:   {},
	TypeStateUpdate:   {},
	TypePing:          {},
	TypeClientLog:     {},
	TypeQualityUpdate: {},
	TypeChatMessage:   {},
}

// Envelope is the shared wire shape for every inbound and outbound message.
type Envelope struct {
	Type     InboundType     `json:"type"`
	Room     string          `json:"room,omitempty"`
	Client   string          `json:"client,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Ts       uint64          `json:"ts"`
	ServerTs *uint64         `json:"server_ts,omitempty"`
}

// OutEnvelope mirrors Envelope but carries an OutboundType, keeping the two
// directions distinct in the type system while sharing the wire shape.
type OutEnvelope struct {
	Type     OutboundType `json:"type"`
	Room     string       `json:"room,omitempty"`
	Client   string       `json:"client,omitempty"`
	Payload  any          `json:"payload,omitempty"`
	Ts       uint64       `json:"ts"`
	ServerTs *uint64      `json:"server_ts,omitempty"`
}

// Decode parses raw bytes into an Envelope. Structural JSON errors are
// reported as ErrInvalidFormat, as is a missing or empty "type". An
// unrecognized "type" value is not a decode error — it parses fine and Type
// is set to TypeUnknown, preserving forward compatibility with future
// message types.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, ErrInvalidFormat
	}
	if env.Type == "" {
		return Envelope{}, ErrInvalidFormat
	}
	if !IsKnownType(env.Type) {
		env.Type = TypeUnknown
	}
	return env, nil
}

// IsKnownType reports whether t is one of the documented inbound types.
func IsKnownType(t InboundType) bool {
	_, ok := knownInboundTypes[t]
	return ok
}

// Encode serializes an outbound envelope once, for fan-out to many
// recipients without re-serializing per recipient.
func Encode(env OutEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

// Package protocol holds the signaling messages exchanged between agents and
// the relay. Every message is a flat JSON object whose "type" field names it.
package protocol

import (
	"encoding/json"
	"time"
)

// client -> server
const (
	TypeRegister        = "register"
	TypeJoinRoom        = "join-room"
	TypeLeaveRoom       = "leave-room"
	TypeOffer           = "offer"
	TypeAnswer          = "answer"
	TypeICECandidate    = "ice-candidate"
	TypeMuteAudio       = "mute-audio"
	TypeToggleVideo     = "toggle-video"
	TypeHoldCall        = "hold-call"
	TypeTransferCall    = "transfer-call"
	TypeCallStateUpdate = "call-state-update"
	TypePing            = "ping"
)

// server -> client
const (
	TypeRegistered            = "registered"
	TypeRoomUsers             = "room-users"
	TypeUserJoined            = "user-joined"
	TypeUserLeft              = "user-left"
	TypeUserAudioMuted        = "user-audio-muted"
	TypeUserVideoToggled      = "user-video-toggled"
	TypeCallHeld              = "call-held"
	TypeCallTransferInitiated = "call-transfer-initiated"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Error reasons sent back to the originating connection.
const (
	ReasonBadPayload  = "bad_payload"
	ReasonMissingRoom = "missing_room"
	ReasonRateLimited = "rate_limited"
	ReasonUnknownType = "unknown_type"
)

// NoticeTypes maps a call-control request to the notice relayed to the room.
var NoticeTypes = map[string]string{
	TypeMuteAudio:    TypeUserAudioMuted,
	TypeToggleVideo:  TypeUserVideoToggled,
	TypeHoldCall:     TypeCallHeld,
	TypeTransferCall: TypeCallTransferInitiated,
}

type Envelope struct {
	Type string `json:"type"`
}

// Message is one inbound frame as seen by an agent: its type and the raw JSON.
type Message struct {
	Type string
	Data []byte
}

// Decode unmarshals the frame into one of the message structs.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

type Register struct {
	Type      string `json:"type"`
	UserID    string `json:"userId,omitempty"`
	AgentID   string `json:"agentId"`
	Extension string `json:"extension"`
}

type Registered struct {
	Type      string `json:"type"`
	SocketID  string `json:"socketId"`
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
}

type JoinRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

type LeaveRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
}

type RoomUser struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId,omitempty"`
}

type RoomUsers struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"roomId"`
	Users     []RoomUser `json:"users"`
	Timestamp string     `json:"timestamp"`
}

type UserJoined struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	SocketID  string `json:"socketId"`
	UserID    string `json:"userId,omitempty"`
	Timestamp string `json:"timestamp"`
}

type UserLeft struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	SocketID  string `json:"socketId"`
	Timestamp string `json:"timestamp"`
}

// Signal carries offer, answer and ice-candidate. The negotiation payloads are
// opaque to the relay and forwarded byte for byte.
type Signal struct {
	Type           string          `json:"type"`
	RoomID         string          `json:"roomId,omitempty"`
	TargetSocketID string          `json:"targetSocketId,omitempty"`
	FromSocketID   string          `json:"fromSocketId,omitempty"`
	Offer          json.RawMessage `json:"offer,omitempty"`
	Answer         json.RawMessage `json:"answer,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
}

// Notice carries mute, video, hold and transfer requests and the notices the
// relay derives from them. Only the field matching the kind is set.
type Notice struct {
	Type           string `json:"type"`
	RoomID         string `json:"roomId,omitempty"`
	TargetSocketID string `json:"targetSocketId,omitempty"`
	SocketID       string `json:"socketId,omitempty"`
	FromSocketID   string `json:"fromSocketId,omitempty"`
	Muted          *bool  `json:"muted,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
	Held           *bool  `json:"held,omitempty"`
	TargetAgent    string `json:"targetAgent,omitempty"`
	CallID         string `json:"callId,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

type CallStateUpdate struct {
	Type           string `json:"type"`
	RoomID         string `json:"roomId,omitempty"`
	State          string `json:"state"`
	CallID         string `json:"callId,omitempty"`
	InteractionID  string `json:"interactionId,omitempty"`
	TargetSocketID string `json:"targetSocketId,omitempty"`
	FromSocketID   string `json:"fromSocketId,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

type Error struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// Now formats the current time the way every server message stamps it.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Bool is a helper for the optional notice flags.
func Bool(v bool) *bool { return &v }

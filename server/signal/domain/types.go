package domain

import (
	"encoding/json"
	"time"
)

const (
	EventJoined            = "joined"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventMessage           = "message"
)

const (
	FrameMessage = "message"
	FrameLeave   = "leave"
	FramePing    = "ping"
)

// Event is every frame the server writes to a participant.
type Event struct {
	Event         string          `json:"event"`
	RoomID        string          `json:"roomId,omitempty"`
	ParticipantID string          `json:"participantId,omitempty"`
	SenderID      string          `json:"senderId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
	Members       []string        `json:"members,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// InboundFrame is what a participant sends over the socket.
type InboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RoomMembers struct {
	RoomID  string   `json:"roomId"`
	Members []string `json:"members"`
}

type RelayInput struct {
	SenderID string          `json:"senderId"`
	Payload  json.RawMessage `json:"payload"`
}

// RoomLifecycle is published to the events exchange when a room opens or closes.
type RoomLifecycle struct {
	RoomID    string    `json:"room_id"`
	NodeID    string    `json:"node_id"`
	At        time.Time `json:"at"`
	Members   int       `json:"members"`
	Initiator string    `json:"initiator"`
}

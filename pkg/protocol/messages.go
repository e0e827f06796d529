// Package protocol defines the JSON messages exchanged over the signaling
// websocket. Every frame is an Envelope; sdp and candidate bodies are
// carried as raw JSON and never interpreted by the server.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

// Client to server.
const (
	TypeJoin               MessageType = "join"
	TypeLeave              MessageType = "leave"
	TypeOffer              MessageType = "offer"
	TypeAnswer             MessageType = "answer"
	TypeICECandidate       MessageType = "ice-candidate"
	TypeChat               MessageType = "chat"
	TypeScreenShareStarted MessageType = "screen-share-started"
	TypeScreenShareStopped MessageType = "screen-share-stopped"
)

// Server to client. offer, answer, ice-candidate, chat and the screen-share
// notices reuse the inbound names.
const (
	TypeJoined           MessageType = "joined"
	TypeUserConnected    MessageType = "user-connected"
	TypeUserDisconnected MessageType = "user-disconnected"
	TypeError            MessageType = "error"
)

type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an envelope frame.
func Encode(t MessageType, payload interface{}) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into T. A missing payload
// yields the zero value.
func DecodePayload[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return v, nil
}

// Inbound payloads.

type JoinRequest struct {
	RoomCode string `json:"roomCode"`
	Nickname string `json:"nickname"`
	Title    string `json:"title,omitempty"`
}

type OfferRequest struct {
	TargetID string          `json:"targetId"`
	SDP      json.RawMessage `json:"sdp"`
}

type AnswerRequest struct {
	TargetID string          `json:"targetId"`
	SDP      json.RawMessage `json:"sdp"`
}

type ICECandidateRequest struct {
	TargetID  string          `json:"targetId"`
	Candidate json.RawMessage `json:"candidate"`
}

type ChatRequest struct {
	Text string `json:"text"`
}

// Outbound payloads.

type Participant struct {
	ConnectionID string    `json:"connectionId"`
	Nickname     string    `json:"nickname"`
	JoinedAt     time.Time `json:"joinedAt"`
}

type RoomInfo struct {
	Code      string    `json:"code"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomSummary is served by the HTTP API ahead of a join.
type RoomSummary struct {
	RoomInfo
	Participants int    `json:"participants"`
	ShareLink    string `json:"shareLink"`
}

// RoomLink answers room creation and share-link resolution.
type RoomLink struct {
	Code      string `json:"code"`
	ShareLink string `json:"shareLink"`
}

// Joined goes to the joiner only. Participants excludes the joiner and is
// in join order.
type Joined struct {
	ConnectionID string        `json:"connectionId"`
	Room         RoomInfo      `json:"room"`
	Participants []Participant `json:"participants"`
}

type UserConnected struct {
	ConnectionID string `json:"connectionId"`
	Nickname     string `json:"nickname"`
}

type UserDisconnected struct {
	ConnectionID string `json:"connectionId"`
	Nickname     string `json:"nickname"`
}

type Offer struct {
	From     string          `json:"from"`
	Nickname string          `json:"nickname"`
	SDP      json.RawMessage `json:"sdp"`
}

type Answer struct {
	From string          `json:"from"`
	SDP  json.RawMessage `json:"sdp"`
}

type ICECandidate struct {
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

type Chat struct {
	From      string    `json:"from"`
	Nickname  string    `json:"nickname"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type ScreenShareNotice struct {
	From     string `json:"from"`
	Nickname string `json:"nickname"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

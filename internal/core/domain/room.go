package domain

import (
	"time"

	"github.com/elliotchance/orderedmap/v2"
)

type RoomCode string
type ConnectionID string

type Participant struct {
	ConnectionID ConnectionID `json:"connectionId"`
	Nickname     string       `json:"nickname"`
	JoinedAt     time.Time    `json:"joinedAt"`
}

type RoomMetadata struct {
	Code      RoomCode  `json:"code"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Admission is the registry's record of one join.
type Admission struct {
	// Existing holds the participants present before the join, in join
	// order.
	Existing []Participant
	Metadata RoomMetadata
	// Created is set only when this join made the room.
	Created bool
}

// Room is not safe for concurrent use; the registry owning it serializes
// access per room code.
type Room struct {
	Code      RoomCode
	Title     string
	CreatedAt time.Time

	participants *orderedmap.OrderedMap[ConnectionID, Participant]
}

func NewRoom(code RoomCode, title string, createdAt time.Time) *Room {
	return &Room{
		Code:         code,
		Title:        title,
		CreatedAt:    createdAt,
		participants: orderedmap.NewOrderedMap[ConnectionID, Participant](),
	}
}

func (r *Room) Metadata() RoomMetadata {
	return RoomMetadata{
		Code:      r.Code,
		Title:     r.Title,
		CreatedAt: r.CreatedAt,
	}
}

// Add appends p in join order. It reports false if the connection is
// already a member, leaving the room unchanged.
func (r *Room) Add(p Participant) bool {
	if _, exists := r.participants.Get(p.ConnectionID); exists {
		return false
	}
	r.participants.Set(p.ConnectionID, p)
	return true
}

func (r *Room) Remove(id ConnectionID) (Participant, bool) {
	p, exists := r.participants.Get(id)
	if !exists {
		return Participant{}, false
	}
	r.participants.Delete(id)
	return p, true
}

func (r *Room) Has(id ConnectionID) bool {
	_, exists := r.participants.Get(id)
	return exists
}

// Participants returns a copy of the member list in join order.
func (r *Room) Participants() []Participant {
	out := make([]Participant, 0, r.participants.Len())
	for el := r.participants.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

func (r *Room) Len() int {
	return r.participants.Len()
}

func (r *Room) IsEmpty() bool {
	return r.participants.Len() == 0
}

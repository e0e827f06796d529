package ports

import (
	"context"
	"time"

	"meshroom/internal/core/domain"
)

type JoinResult struct {
	// Participant is the joiner as stored, after nickname normalization.
	Participant domain.Participant
	Existing    []domain.Participant
	Metadata    domain.RoomMetadata
	RoomCreated bool
}

type Departure struct {
	Room        domain.RoomCode
	Participant domain.Participant
	RoomDeleted bool
}

type RoomService interface {
	Join(ctx context.Context, code domain.RoomCode, p domain.Participant, title string) (*JoinResult, error)
	Leave(ctx context.Context, code domain.RoomCode, id domain.ConnectionID) (*Departure, error)
	// LeaveAll removes the connection from every room it belongs to.
	LeaveAll(ctx context.Context, id domain.ConnectionID) ([]Departure, error)
	Members(ctx context.Context, code domain.RoomCode) ([]domain.Participant, error)
	GetRoom(ctx context.Context, code domain.RoomCode) (*domain.Room, error)
	GenerateCode() domain.RoomCode
	ShareLink(code domain.RoomCode) string
}

type MetricsRecorder interface {
	RecordRoomCreated()
	RecordRoomDeleted()
	RecordParticipantJoined()
	RecordParticipantLeft()
	ObserveJoinDuration(d time.Duration)
	RecordMessageRouted(messageType string)
	RecordMessageDropped(messageType, reason string)
	RecordConnectionOpened()
	RecordConnectionClosed()
}

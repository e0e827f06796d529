package ports

import (
	"context"

	"meshroom/internal/core/domain"
)

// RoomRepository is the room registry. A room exists iff it has at least one
// participant; operations on the same room code are serialized.
type RoomRepository interface {
	// Join adds p to the room, creating it with title when absent. A
	// connection that is already a member is not added again and does not
	// count as creating the room.
	Join(ctx context.Context, code domain.RoomCode, p domain.Participant, title string) (domain.Admission, error)
	// Leave removes the participant if present. The bool reports whether the
	// room was deleted because it became empty. Leaving twice is a no-op.
	Leave(ctx context.Context, code domain.RoomCode, id domain.ConnectionID) (*domain.Participant, bool, error)
	RoomsOf(ctx context.Context, id domain.ConnectionID) ([]domain.RoomCode, error)
	Get(ctx context.Context, code domain.RoomCode) (*domain.Room, error)
	Members(ctx context.Context, code domain.RoomCode) ([]domain.Participant, error)
	Count(ctx context.Context) (int, error)
}

package memory

import (
	"context"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
)

// roomEntry owns one room. Its mutex serializes every operation on that room
// code; deleted is set under the same mutex once the room has been emptied so
// that a joiner holding a stale entry retries against the rooms map.
type roomEntry struct {
	mu      sync.Mutex
	room    *domain.Room
	deleted bool
}

type MemoryRoomRepository struct {
	rooms map[domain.RoomCode]*roomEntry
	mu    sync.RWMutex

	// connection -> rooms it currently belongs to
	memberships map[domain.ConnectionID]map[domain.RoomCode]struct{}
	membersMu   sync.Mutex

	now func() time.Time
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return newMemoryRoomRepository(time.Now)
}

func newMemoryRoomRepository(now func() time.Time) *MemoryRoomRepository {
	return &MemoryRoomRepository{
		rooms:       make(map[domain.RoomCode]*roomEntry),
		memberships: make(map[domain.ConnectionID]map[domain.RoomCode]struct{}),
		now:         now,
	}
}

// entry returns the live entry for code, creating an empty one when absent.
// The global lock is never held while a room lock is being acquired.
func (r *MemoryRoomRepository) entry(code domain.RoomCode, create bool) *roomEntry {
	r.mu.RLock()
	e, ok := r.rooms[code]
	r.mu.RUnlock()
	if ok || !create {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.rooms[code]; ok {
		return e
	}
	e = &roomEntry{}
	r.rooms[code] = e
	return e
}

func (r *MemoryRoomRepository) Join(ctx context.Context, code domain.RoomCode, p domain.Participant, title string) (domain.Admission, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Admission{}, err
		}

		e := r.entry(code, true)
		e.mu.Lock()
		if e.deleted {
			// Lost a race with the last leaver; the map now holds a fresh entry
			// or none at all.
			e.mu.Unlock()
			continue
		}

		created := e.room == nil
		if created {
			e.room = domain.NewRoom(code, title, r.now())
		}

		existing := e.room.Participants()
		if e.room.Has(p.ConnectionID) {
			existing = without(existing, p.ConnectionID)
		} else {
			e.room.Add(p)
			r.addMembership(p.ConnectionID, code)
		}
		meta := e.room.Metadata()
		e.mu.Unlock()

		return domain.Admission{Existing: existing, Metadata: meta, Created: created}, nil
	}
}

func (r *MemoryRoomRepository) Leave(ctx context.Context, code domain.RoomCode, id domain.ConnectionID) (*domain.Participant, bool, error) {
	e := r.entry(code, false)
	if e == nil {
		return nil, false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted || e.room == nil {
		return nil, false, nil
	}

	removed, ok := e.room.Remove(id)
	if !ok {
		return nil, false, nil
	}
	r.removeMembership(id, code)

	if !e.room.IsEmpty() {
		return &removed, false, nil
	}

	e.deleted = true
	r.mu.Lock()
	if r.rooms[code] == e {
		delete(r.rooms, code)
	}
	r.mu.Unlock()

	return &removed, true, nil
}

func (r *MemoryRoomRepository) RoomsOf(ctx context.Context, id domain.ConnectionID) ([]domain.RoomCode, error) {
	r.membersMu.Lock()
	defer r.membersMu.Unlock()

	rooms := r.memberships[id]
	codes := make([]domain.RoomCode, 0, len(rooms))
	for code := range rooms {
		codes = append(codes, code)
	}
	return codes, nil
}

// Get returns a snapshot of the room; later mutations are not reflected.
func (r *MemoryRoomRepository) Get(ctx context.Context, code domain.RoomCode) (*domain.Room, error) {
	e := r.entry(code, false)
	if e == nil {
		return nil, domain.ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted || e.room == nil || e.room.IsEmpty() {
		return nil, domain.ErrRoomNotFound
	}

	snapshot := domain.NewRoom(e.room.Code, e.room.Title, e.room.CreatedAt)
	for _, p := range e.room.Participants() {
		snapshot.Add(p)
	}
	return snapshot, nil
}

func (r *MemoryRoomRepository) Members(ctx context.Context, code domain.RoomCode) ([]domain.Participant, error) {
	e := r.entry(code, false)
	if e == nil {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted || e.room == nil {
		return nil, nil
	}
	return e.room.Participants(), nil
}

func (r *MemoryRoomRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), nil
}

func (r *MemoryRoomRepository) addMembership(id domain.ConnectionID, code domain.RoomCode) {
	r.membersMu.Lock()
	defer r.membersMu.Unlock()

	rooms, ok := r.memberships[id]
	if !ok {
		rooms = make(map[domain.RoomCode]struct{})
		r.memberships[id] = rooms
	}
	rooms[code] = struct{}{}
}

func (r *MemoryRoomRepository) removeMembership(id domain.ConnectionID, code domain.RoomCode) {
	r.membersMu.Lock()
	defer r.membersMu.Unlock()

	rooms, ok := r.memberships[id]
	if !ok {
		return
	}
	delete(rooms, code)
	if len(rooms) == 0 {
		delete(r.memberships, id)
	}
}

func without(ps []domain.Participant, id domain.ConnectionID) []domain.Participant {
	out := ps[:0]
	for _, p := range ps {
		if p.ConnectionID != id {
			out = append(out, p)
		}
	}
	return out
}

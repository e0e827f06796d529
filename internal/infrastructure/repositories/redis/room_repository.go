package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/distributed"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "meshroom:"

// RedisRoomRepository shares the registry between server instances. Every
// mutation of a room runs under that room's distributed lock.
type RedisRoomRepository struct {
	client redis.Cmdable
	locks  *distributed.LockManager
	now    func() time.Time
}

func NewRedisRoomRepository(client redis.Cmdable, lockTTL time.Duration) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		locks:  distributed.NewLockManager(client, keyPrefix+"lock:room:", lockTTL),
		now:    time.Now,
	}
}

func (r *RedisRoomRepository) metaKey(code domain.RoomCode) string {
	return fmt.Sprintf("%sroom:%s:meta", keyPrefix, code)
}

func (r *RedisRoomRepository) membersKey(code domain.RoomCode) string {
	return fmt.Sprintf("%sroom:%s:members", keyPrefix, code)
}

// orderKey holds member ids scored by join sequence.
func (r *RedisRoomRepository) orderKey(code domain.RoomCode) string {
	return fmt.Sprintf("%sroom:%s:order", keyPrefix, code)
}

func (r *RedisRoomRepository) connRoomsKey(id domain.ConnectionID) string {
	return fmt.Sprintf("%sconn:%s:rooms", keyPrefix, id)
}

func (r *RedisRoomRepository) activeRoomsKey() string {
	return keyPrefix + "rooms:active"
}

func (r *RedisRoomRepository) joinSeqKey() string {
	return keyPrefix + "rooms:join_seq"
}

func (r *RedisRoomRepository) Join(ctx context.Context, code domain.RoomCode, p domain.Participant, title string) (domain.Admission, error) {
	var (
		existing []domain.Participant
		meta     domain.RoomMetadata
		created  bool
	)

	err := r.locks.WithLock(ctx, string(code), func() error {
		members, err := r.members(ctx, code)
		if err != nil {
			return err
		}

		if len(members) == 0 {
			created = true
			meta = domain.RoomMetadata{Code: code, Title: title, CreatedAt: r.now()}
			_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, r.metaKey(code))
				pipe.HSet(ctx, r.metaKey(code),
					"title", meta.Title,
					"created_at", meta.CreatedAt.UnixNano(),
				)
				pipe.SAdd(ctx, r.activeRoomsKey(), string(code))
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to create room in Redis: %w", err)
			}
		} else {
			meta, err = r.metadata(ctx, code)
			if err != nil {
				return err
			}
		}

		for _, m := range members {
			if m.ConnectionID == p.ConnectionID {
				existing = without(members, p.ConnectionID)
				return nil
			}
		}
		existing = members

		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal participant: %w", err)
		}
		seq, err := r.client.Incr(ctx, r.joinSeqKey()).Result()
		if err != nil {
			return fmt.Errorf("failed to allocate join sequence: %w", err)
		}

		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.membersKey(code), string(p.ConnectionID), data)
			pipe.ZAdd(ctx, r.orderKey(code), redis.Z{Score: float64(seq), Member: string(p.ConnectionID)})
			pipe.SAdd(ctx, r.connRoomsKey(p.ConnectionID), string(code))
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to add participant in Redis: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Admission{}, err
	}

	return domain.Admission{Existing: existing, Metadata: meta, Created: created}, nil
}

func (r *RedisRoomRepository) Leave(ctx context.Context, code domain.RoomCode, id domain.ConnectionID) (*domain.Participant, bool, error) {
	var (
		removed *domain.Participant
		deleted bool
	)

	err := r.locks.WithLock(ctx, string(code), func() error {
		data, err := r.client.HGet(ctx, r.membersKey(code), string(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get participant from Redis: %w", err)
		}

		var p domain.Participant
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal participant: %w", err)
		}

		var remaining *redis.IntCmd
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, r.membersKey(code), string(id))
			pipe.ZRem(ctx, r.orderKey(code), string(id))
			pipe.SRem(ctx, r.connRoomsKey(id), string(code))
			remaining = pipe.HLen(ctx, r.membersKey(code))
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to remove participant in Redis: %w", err)
		}
		removed = &p

		if remaining.Val() > 0 {
			return nil
		}

		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.metaKey(code), r.membersKey(code), r.orderKey(code))
			pipe.SRem(ctx, r.activeRoomsKey(), string(code))
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to delete room in Redis: %w", err)
		}
		deleted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return removed, deleted, nil
}

func (r *RedisRoomRepository) RoomsOf(ctx context.Context, id domain.ConnectionID) ([]domain.RoomCode, error) {
	codes, err := r.client.SMembers(ctx, r.connRoomsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get rooms of connection from Redis: %w", err)
	}

	out := make([]domain.RoomCode, 0, len(codes))
	for _, c := range codes {
		out = append(out, domain.RoomCode(c))
	}
	return out, nil
}

func (r *RedisRoomRepository) Get(ctx context.Context, code domain.RoomCode) (*domain.Room, error) {
	members, err := r.members(ctx, code)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, domain.ErrRoomNotFound
	}

	meta, err := r.metadata(ctx, code)
	if err != nil {
		return nil, err
	}

	room := domain.NewRoom(meta.Code, meta.Title, meta.CreatedAt)
	for _, m := range members {
		room.Add(m)
	}
	return room, nil
}

func (r *RedisRoomRepository) Members(ctx context.Context, code domain.RoomCode) ([]domain.Participant, error) {
	return r.members(ctx, code)
}

func (r *RedisRoomRepository) Count(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, r.activeRoomsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count rooms in Redis: %w", err)
	}
	return int(n), nil
}

// members returns the participants in join order.
func (r *RedisRoomRepository) members(ctx context.Context, code domain.RoomCode) ([]domain.Participant, error) {
	ids, err := r.client.ZRange(ctx, r.orderKey(code), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room order from Redis: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := r.client.HMGet(ctx, r.membersKey(code), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room members from Redis: %w", err)
	}

	out := make([]domain.Participant, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// removed between the two reads
			continue
		}
		var p domain.Participant
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal participant: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *RedisRoomRepository) metadata(ctx context.Context, code domain.RoomCode) (domain.RoomMetadata, error) {
	fields, err := r.client.HGetAll(ctx, r.metaKey(code)).Result()
	if err != nil {
		return domain.RoomMetadata{}, fmt.Errorf("failed to get room metadata from Redis: %w", err)
	}

	meta := domain.RoomMetadata{Code: code, Title: fields["title"]}
	if ns, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		meta.CreatedAt = time.Unix(0, ns)
	}
	return meta, nil
}

func without(ps []domain.Participant, id domain.ConnectionID) []domain.Participant {
	out := make([]domain.Participant, 0, len(ps))
	for _, p := range ps {
		if p.ConnectionID != id {
			out = append(out, p)
		}
	}
	return out
}

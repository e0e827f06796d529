package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/utils"

	"go.uber.org/zap"
)

const (
	maxNicknameLength = 64
	maxTitleLength    = 120
	maxRoomCodeLength = 100
)

type RoomService struct {
	repo      ports.RoomRepository
	metrics   ports.MetricsRecorder
	publicURL string
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewRoomService(
	repo ports.RoomRepository,
	metrics ports.MetricsRecorder,
	publicURL string,
	logger *zap.SugaredLogger,
) *RoomService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RoomService{
		repo:      repo,
		metrics:   metrics,
		publicURL: publicURL,
		logger:    logger,
		now:       time.Now,
	}
}

// NormalizeRoomCode trims user-entered codes and rejects empty ones or ones
// longer than maxRoomCodeLength characters. The registry itself accepts any
// code; see registryKey.
func NormalizeRoomCode(code domain.RoomCode) (domain.RoomCode, error) {
	c := strings.TrimSpace(string(code))
	if c == "" || utf8.RuneCountInString(c) > maxRoomCodeLength {
		return "", domain.ErrInvalidRoomCode
	}
	return domain.RoomCode(c), nil
}

// registryKey maps any requested code, empty included, onto the key a room
// is stored under. Joining never fails on the code.
func registryKey(code domain.RoomCode) domain.RoomCode {
	c := []rune(strings.TrimSpace(string(code)))
	if len(c) > maxRoomCodeLength {
		c = c[:maxRoomCodeLength]
	}
	return domain.RoomCode(c)
}

func (s *RoomService) Join(ctx context.Context, code domain.RoomCode, p domain.Participant, title string) (*ports.JoinResult, error) {
	start := s.now()

	code = registryKey(code)

	p.Nickname = utils.TruncateString(utils.SanitizeString(p.Nickname), maxNicknameLength)
	if p.Nickname == "" {
		return nil, domain.ErrInvalidNickname
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = start
	}
	title = utils.TruncateString(utils.SanitizeString(title), maxTitleLength)

	admission, err := s.repo.Join(ctx, code, p, title)
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", code, err)
	}
	existing, meta, created := admission.Existing, admission.Metadata, admission.Created
	if created {
		s.metrics.RecordRoomCreated()
		s.logger.Infow("room created",
			"room_code", code,
			"title", meta.Title,
		)
	}
	s.metrics.RecordParticipantJoined()
	s.metrics.ObserveJoinDuration(s.now().Sub(start))

	s.logger.Infow("participant joined",
		"room_code", code,
		"connection_id", p.ConnectionID,
		"nickname", p.Nickname,
		"participants", len(existing)+1,
	)

	return &ports.JoinResult{
		Participant: p,
		Existing:    existing,
		Metadata:    meta,
		RoomCreated: created,
	}, nil
}

// Leave returns nil without error when the connection was not in the room.
func (s *RoomService) Leave(ctx context.Context, code domain.RoomCode, id domain.ConnectionID) (*ports.Departure, error) {
	removed, deleted, err := s.repo.Leave(ctx, code, id)
	if err != nil {
		return nil, fmt.Errorf("leave room %s: %w", code, err)
	}
	if removed == nil {
		return nil, nil
	}

	s.metrics.RecordParticipantLeft()
	if deleted {
		s.metrics.RecordRoomDeleted()
		s.logger.Infow("room deleted", "room_code", code)
	}

	s.logger.Infow("participant left",
		"room_code", code,
		"connection_id", id,
		"nickname", removed.Nickname,
	)

	return &ports.Departure{
		Room:        code,
		Participant: *removed,
		RoomDeleted: deleted,
	}, nil
}

func (s *RoomService) LeaveAll(ctx context.Context, id domain.ConnectionID) ([]ports.Departure, error) {
	codes, err := s.repo.RoomsOf(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rooms of %s: %w", id, err)
	}

	var departures []ports.Departure
	var firstErr error
	for _, code := range codes {
		d, err := s.Leave(ctx, code, id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if d != nil {
			departures = append(departures, *d)
		}
	}
	return departures, firstErr
}

func (s *RoomService) Members(ctx context.Context, code domain.RoomCode) ([]domain.Participant, error) {
	return s.repo.Members(ctx, code)
}

func (s *RoomService) GetRoom(ctx context.Context, code domain.RoomCode) (*domain.Room, error) {
	return s.repo.Get(ctx, registryKey(code))
}

func (s *RoomService) GenerateCode() domain.RoomCode {
	return GenerateRoomCode(s.now())
}

func (s *RoomService) ShareLink(code domain.RoomCode) string {
	return BuildShareLink(s.publicURL, code)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RecordRoomCreated() {}
func (NopMetrics) RecordRoomDeleted() {}
func (NopMetrics) RecordParticipantJoined() {}
func (NopMetrics) RecordParticipantLeft() {}
func (NopMetrics) ObserveJoinDuration(time.Duration) {}
func (NopMetrics) RecordMessageRouted(string) {}
func (NopMetrics) RecordMessageDropped(string, string) {}
func (NopMetrics) RecordConnectionOpened() {}
func (NopMetrics) RecordConnectionClosed() {}

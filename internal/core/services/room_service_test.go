package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockMetrics struct {
	mock.Mock
}

func (m *mockMetrics) RecordRoomCreated()                    { m.Called() }
func (m *mockMetrics) RecordRoomDeleted()                    { m.Called() }
func (m *mockMetrics) RecordParticipantJoined()              { m.Called() }
func (m *mockMetrics) RecordParticipantLeft()                { m.Called() }
func (m *mockMetrics) ObserveJoinDuration(d time.Duration)   { m.Called(d) }
func (m *mockMetrics) RecordMessageRouted(t string)          { m.Called(t) }
func (m *mockMetrics) RecordMessageDropped(t, reason string) { m.Called(t, reason) }
func (m *mockMetrics) RecordConnectionOpened()               { m.Called() }
func (m *mockMetrics) RecordConnectionClosed()               { m.Called() }

func newTestRoomService(t *testing.T, metrics *mockMetrics) *RoomService {
	t.Helper()
	if metrics == nil {
		return NewRoomService(memory.NewMemoryRoomRepository(), nil, "https://meet.example.com", zaptest.NewLogger(t).Sugar())
	}
	return NewRoomService(memory.NewMemoryRoomRepository(), metrics, "https://meet.example.com", zaptest.NewLogger(t).Sugar())
}

func participant(id, nickname string) domain.Participant {
	return domain.Participant{ConnectionID: domain.ConnectionID(id), Nickname: nickname}
}

func TestRoomService_JoinAndLeaveLifecycle(t *testing.T) {
	metrics := &mockMetrics{}
	metrics.On("RecordRoomCreated").Once()
	metrics.On("RecordParticipantJoined").Twice()
	metrics.On("ObserveJoinDuration", mock.AnythingOfType("time.Duration")).Twice()
	metrics.On("RecordParticipantLeft").Twice()
	metrics.On("RecordRoomDeleted").Once()

	svc := newTestRoomService(t, metrics)
	ctx := context.Background()

	first, err := svc.Join(ctx, " standup ", participant("c1", "alice"), "Daily")
	require.NoError(t, err)
	assert.True(t, first.RoomCreated)
	assert.Empty(t, first.Existing)
	assert.Equal(t, "Daily", first.Metadata.Title)
	assert.False(t, first.Participant.JoinedAt.IsZero())

	second, err := svc.Join(ctx, "standup", participant("c2", "bob"), "Ignored")
	require.NoError(t, err)
	assert.False(t, second.RoomCreated)
	require.Len(t, second.Existing, 1)
	assert.Equal(t, domain.ConnectionID("c1"), second.Existing[0].ConnectionID)
	assert.Equal(t, "Daily", second.Metadata.Title)

	d, err := svc.Leave(ctx, "standup", "c1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.False(t, d.RoomDeleted)
	assert.Equal(t, "alice", d.Participant.Nickname)

	// second leave of the same connection is a no-op
	d, err = svc.Leave(ctx, "standup", "c1")
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = svc.Leave(ctx, "standup", "c2")
	require.NoError(t, err)
	assert.True(t, d.RoomDeleted)

	_, err = svc.GetRoom(ctx, "standup")
	assert.True(t, errors.Is(err, domain.ErrRoomNotFound))

	metrics.AssertExpectations(t)
}

func TestRoomService_JoinValidation(t *testing.T) {
	svc := newTestRoomService(t, nil)
	ctx := context.Background()

	// any code is a room, the empty one included
	blank, err := svc.Join(ctx, "  ", participant("c0", "alice"), "")
	require.NoError(t, err)
	assert.True(t, blank.RoomCreated)
	assert.Equal(t, domain.RoomCode(""), blank.Metadata.Code)

	long, err := svc.Join(ctx, domain.RoomCode(strings.Repeat("x", maxRoomCodeLength+10)), participant("c9", "zed"), "")
	require.NoError(t, err)
	assert.Len(t, string(long.Metadata.Code), maxRoomCodeLength)

	_, err = svc.Join(ctx, "room", participant("c1", " \x00 "), "")
	assert.ErrorIs(t, err, domain.ErrInvalidNickname)

	res, err := svc.Join(ctx, "room", participant("c1", strings.Repeat("n", 100)), strings.Repeat("t", 200))
	require.NoError(t, err)
	assert.Len(t, []rune(res.Participant.Nickname), maxNicknameLength)
	assert.Len(t, []rune(res.Metadata.Title), maxTitleLength)
}

func TestRoomService_LeaveAll(t *testing.T) {
	svc := newTestRoomService(t, nil)
	ctx := context.Background()

	_, err := svc.Join(ctx, "a", participant("c1", "alice"), "")
	require.NoError(t, err)
	_, err = svc.Join(ctx, "a", participant("c2", "bob"), "")
	require.NoError(t, err)

	departures, err := svc.LeaveAll(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, departures, 1)
	assert.Equal(t, domain.RoomCode("a"), departures[0].Room)
	assert.False(t, departures[0].RoomDeleted)

	departures, err = svc.LeaveAll(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, departures)

	members, err := svc.Members(ctx, "a")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "bob", members[0].Nickname)
}

func TestRoomService_GenerateCodeAndShareLink(t *testing.T) {
	svc := newTestRoomService(t, nil)

	code := svc.GenerateCode()
	link := svc.ShareLink(code)
	assert.True(t, strings.HasPrefix(link, "https://meet.example.com/?code="), link)

	parsed, err := ParseShareLink(link)
	require.NoError(t, err)
	assert.Equal(t, code, parsed)
}

func TestRoomService_SoleMemberRejoin(t *testing.T) {
	metrics := &mockMetrics{}
	metrics.On("RecordRoomCreated").Once()
	metrics.On("RecordParticipantJoined").Twice()
	metrics.On("ObserveJoinDuration", mock.AnythingOfType("time.Duration")).Twice()

	svc := newTestRoomService(t, metrics)
	ctx := context.Background()

	first, err := svc.Join(ctx, "standup", participant("c1", "alice"), "Daily")
	require.NoError(t, err)
	assert.True(t, first.RoomCreated)

	again, err := svc.Join(ctx, "standup", participant("c1", "alice"), "Daily")
	require.NoError(t, err)
	assert.False(t, again.RoomCreated, "the room already existed")
	assert.Empty(t, again.Existing)

	metrics.AssertExpectations(t)
}

func TestRoomCodeLengthIsCountedInCharacters(t *testing.T) {
	svc := newTestRoomService(t, nil)
	ctx := context.Background()

	// 100 three-byte characters
	code := domain.RoomCode(strings.Repeat("회", maxRoomCodeLength))
	normalized, err := NormalizeRoomCode(code)
	require.NoError(t, err)
	assert.Equal(t, code, normalized)

	res, err := svc.Join(ctx, normalized, participant("c1", "alice"), "")
	require.NoError(t, err)
	assert.Equal(t, code, res.Metadata.Code, "a valid code is stored as entered")

	_, err = NormalizeRoomCode(code + "회")
	assert.ErrorIs(t, err, domain.ErrInvalidRoomCode)

	// the registry cuts at the same boundary
	res, err = svc.Join(ctx, code+"회", participant("c2", "bob"), "")
	require.NoError(t, err)
	assert.Equal(t, code, res.Metadata.Code)
	require.Len(t, res.Existing, 1)
}

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/middleware"
	"meshroom/internal/infrastructure/repositories/memory"
	"meshroom/pkg/protocol"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupRouter(t *testing.T) (*gin.Engine, *services.RoomService) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	rooms := services.NewRoomService(memory.NewMemoryRoomRepository(), nil, "https://meet.example.com", logger)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewRoomHandler(rooms, logger).SetupRoutes(router)
	return router, rooms
}

func serve(router *gin.Engine, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestRoomHandler_CreateRoom(t *testing.T) {
	router, _ := setupRouter(t)

	rec := serve(router, http.MethodPost, "/api/v1/rooms")
	require.Equal(t, http.StatusCreated, rec.Code)

	var link protocol.RoomLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	assert.NotEmpty(t, link.Code)
	assert.True(t, strings.HasPrefix(link.ShareLink, "https://meet.example.com/?code="))

	u, err := url.Parse(link.ShareLink)
	require.NoError(t, err)
	assert.Equal(t, link.Code, u.Query().Get("code"))
}

func TestRoomHandler_GetRoom(t *testing.T) {
	router, rooms := setupRouter(t)
	ctx := context.Background()

	rec := serve(router, http.MethodGet, "/api/v1/rooms/abc123")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")

	_, err := rooms.Join(ctx, "abc123", domain.Participant{ConnectionID: "c1", Nickname: "ann"}, "standup")
	require.NoError(t, err)
	_, err = rooms.Join(ctx, "abc123", domain.Participant{ConnectionID: "c2", Nickname: "ben"}, "")
	require.NoError(t, err)

	rec = serve(router, http.MethodGet, "/api/v1/rooms/abc123")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary protocol.RoomSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "abc123", summary.Code)
	assert.Equal(t, "standup", summary.Title)
	assert.Equal(t, 2, summary.Participants)
	assert.False(t, summary.CreatedAt.IsZero())
}

func TestRoomHandler_ResolveLink(t *testing.T) {
	router, _ := setupRouter(t)

	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{name: "code param", target: "/join?code=abc123", status: http.StatusOK, code: "abc123"},
		{name: "full link", target: "/join?link=" + url.QueryEscape("https://meet.example.com/?code=xyz"), status: http.StatusOK, code: "xyz"},
		{name: "missing code", target: "/join", status: http.StatusBadRequest},
		{name: "blank code", target: "/join?code=%20%20", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, http.MethodGet, tt.target)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status != http.StatusOK {
				return
			}

			var link protocol.RoomLink
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
			assert.Equal(t, tt.code, link.Code)
		})
	}
}

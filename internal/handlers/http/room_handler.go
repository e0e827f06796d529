package http

import (
	stderrors "errors"
	"net/http"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/core/services"
	"meshroom/pkg/errors"
	"meshroom/pkg/protocol"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RoomHandler struct {
	rooms  ports.RoomService
	logger *zap.SugaredLogger
}

var _ ports.HTTPHandler = (*RoomHandler)(nil)

func NewRoomHandler(rooms ports.RoomService, logger *zap.SugaredLogger) *RoomHandler {
	return &RoomHandler{
		rooms:  rooms,
		logger: logger,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/rooms", h.CreateRoom)
		api.GET("/rooms/:code", h.GetRoom)
	}
	router.GET("/join", h.ResolveLink)
}

// CreateRoom hands out a fresh code. The room itself only exists once
// somebody joins it.
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	code := h.rooms.GenerateCode()

	h.logger.Debugw("room code issued", "room_code", code)
	c.JSON(http.StatusCreated, protocol.RoomLink{
		Code:      string(code),
		ShareLink: h.rooms.ShareLink(code),
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	code := domain.RoomCode(c.Param("code"))

	room, err := h.rooms.GetRoom(c.Request.Context(), code)
	switch {
	case err == nil:
	case stderrors.Is(err, domain.ErrRoomNotFound):
		_ = c.Error(errors.NewNotFoundError("room").WithContext("room_code", string(code)))
		return
	default:
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to load room", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, protocol.RoomSummary{
		RoomInfo: protocol.RoomInfo{
			Code:      string(room.Code),
			Title:     room.Title,
			CreatedAt: room.CreatedAt,
		},
		Participants: room.Len(),
		ShareLink:    h.rooms.ShareLink(room.Code),
	})
}

// ResolveLink accepts either ?code=<code> or ?link=<share link>.
func (h *RoomHandler) ResolveLink(c *gin.Context) {
	raw := c.Query("link")
	if raw == "" {
		raw = c.Request.URL.String()
	}

	code, err := services.ParseShareLink(raw)
	if err == nil {
		code, err = services.NormalizeRoomCode(code)
	}
	if err != nil {
		_ = c.Error(errors.NewInvalidInputError("share link carries no room code"))
		return
	}

	c.JSON(http.StatusOK, protocol.RoomLink{
		Code:      string(code),
		ShareLink: h.rooms.ShareLink(code),
	})
}

package ports

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	CreateRoom(c *gin.Context)
	GetRoom(c *gin.Context)
	ResolveLink(c *gin.Context)
}

type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	HealthCheck(w http.ResponseWriter, r *http.Request)
}

package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/haowen-zh/chat-relay/internal/common"
	"github.com/haowen-zh/chat-relay/internal/config"
	"github.com/haowen-zh/chat-relay/internal/httpapi/handlers"
	"github.com/haowen-zh/chat-relay/internal/httpapi/middleware"
	"github.com/haowen-zh/chat-relay/internal/stream"
)

func NewRouter(db *gorm.DB, cfg config.Config, buffer stream.Buffer, limiter stream.RateLimiter, publisher stream.TerminalPublisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, buffer, limiter, publisher)

	r.GET("/ping", h.Ping)

	// streaming + chat reads (JWT required)
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthRequired(cfg.JWTSecret))
	v1.POST("/stream/start", h.StartStream)
	v1.GET("/stream/resume", h.ResumeStream)
	v1.POST("/stream/stop", h.StopStream)
	v1.GET("/chats/:chat_id", h.GetChat)
	v1.GET("/chats/:chat_id/messages", h.ListChatMessages)

	return r
}

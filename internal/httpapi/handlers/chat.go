package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/haowen-zh/chat-relay/internal/common"
	"github.com/haowen-zh/chat-relay/internal/httpapi/middleware"
)

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// GetChat returns the chat row, active-stream pointer included, so a
// reconnecting client can decide whether to hit resume.
func (h *Handler) GetChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatID := c.Param("chat_id")
	ch, err := h.Repo.GetChat(c.Request.Context(), uid, chatID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to load chat")
		return
	}

	common.OK(c, ch)
}

// ListChatMessages is the persisted-content fallback for clients with
// nothing to resume.
func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatID := c.Param("chat_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	beforeID := c.Query("before_id")

	msgs, err := h.Repo.ListMessages(c.Request.Context(), uid, chatID, limit, beforeID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	var nextBeforeID string
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/haowen-zh/chat-relay/internal/ai"
	"github.com/haowen-zh/chat-relay/internal/chat"
	"github.com/haowen-zh/chat-relay/internal/common"
	"github.com/haowen-zh/chat-relay/internal/stream"
)

const heartbeatInterval = 15 * time.Second

// writeStartError maps the pre-stream error taxonomy onto HTTP statuses.
// These are returned synchronously, before any SSE framing.
func writeStartError(c *gin.Context, err error) {
	var verr *stream.ValidationError
	var aerr *ai.AuthError
	var rerr *ai.RateLimitError
	var uerr *ai.UpstreamError

	switch {
	case errors.As(err, &verr):
		common.FailError(c, http.StatusBadRequest, verr.Msg)
	case errors.As(err, &aerr):
		common.FailError(c, http.StatusUnauthorized, aerr.Error())
	case errors.As(err, &rerr):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      rerr.Error(),
			"retryAfter": int64(rerr.RetryAfter / time.Millisecond),
		})
	case errors.As(err, &uerr):
		status := uerr.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		common.FailError(c, status, uerr.Msg)
	case errors.Is(err, ai.ErrNotConfigured):
		common.FailError(c, http.StatusInternalServerError, "provider is not configured")
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, chat.ErrChatNotFound):
		common.FailError(c, http.StatusNotFound, "chat not found")
	default:
		common.FailError(c, http.StatusInternalServerError, "internal error")
	}
}

type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
	started bool
}

func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.FailError(c, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	return &sseWriter{c: c, flusher: flusher}, true
}

// begin sends the SSE headers. Deferred until the first event so that a
// stream failing before its first token can still answer with a plain
// HTTP status.
func (w *sseWriter) begin() {
	if w.started {
		return
	}
	w.started = true
	w.c.Header("Content-Type", "text/event-stream")
	w.c.Header("Cache-Control", "no-cache")
	w.c.Header("Connection", "keep-alive")
	w.c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	w.c.Status(http.StatusOK)
}

func (w *sseWriter) writeEvent(ev stream.Event) {
	w.begin()
	b, err := json.Marshal(ev)
	if err != nil {
		fmt.Fprintf(w.c.Writer, "event: error\ndata: {\"type\":\"error\",\"text\":\"encode failed\"}\n\n")
		w.flusher.Flush()
		return
	}
	fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", ev.Type, b)
	w.flusher.Flush()
}

func (w *sseWriter) heartbeat() {
	if !w.started {
		return
	}
	fmt.Fprintf(w.c.Writer, ": ping %d\n\n", time.Now().Unix())
	w.flusher.Flush()
}

// StartStream handles POST /v1/stream/start.
func (h *Handler) StartStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.FailError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req stream.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailError(c, http.StatusBadRequest, "invalid json")
		return
	}
	req.UserID = uid

	sess, err := h.Orc.Start(c.Request.Context(), &req)
	if err != nil {
		writeStartError(c, err)
		return
	}
	// returning for any reason propagates cancellation into the relay;
	// a finished relay ignores it
	defer sess.Cancel()

	// a client that started without a chatId learns its ids here, before
	// any SSE framing, so a later resume knows where to point
	c.Header("X-Chat-Id", sess.ChatID)
	c.Header("X-Stream-Id", sess.StreamID)

	w, okw := newSSEWriter(c)
	if !okw {
		return
	}

	ctx := c.Request.Context()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sess.Events:
			if !ok {
				return
			}
			// an error before any output means the upstream refused the
			// connection; answer with a real status instead of SSE
			if ev.Type == "error" && !w.started {
				select {
				case serr := <-sess.Err:
					writeStartError(c, serr)
				default:
					common.FailError(c, http.StatusBadGateway, ev.Text)
				}
				return
			}
			w.writeEvent(ev)
			if ev.Type == "done" || ev.Type == "error" {
				return
			}

		case <-ticker.C:
			w.heartbeat()

		case <-ctx.Done():
			return
		}
	}
}

// ResumeStream handles GET /v1/stream/resume. It replays the durable
// buffer; there is never a new upstream call on this path.
func (h *Handler) ResumeStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.FailError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	chatID := c.Query("chatId")
	if chatID == "" {
		common.FailError(c, http.StatusBadRequest, "chatId is required")
		return
	}

	lastSeen := int64(-1)
	if v := c.Query("lastId"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < -1 {
			common.FailError(c, http.StatusBadRequest, "invalid lastId")
			return
		}
		lastSeen = n
	}

	events, err := h.Orc.Resume(c.Request.Context(), uid, chatID, lastSeen)
	if err != nil {
		switch {
		case errors.Is(err, stream.ErrNoActiveStream):
			c.Status(http.StatusNoContent)
		case errors.Is(err, gorm.ErrRecordNotFound):
			common.FailError(c, http.StatusNotFound, "chat not found")
		default:
			common.FailError(c, http.StatusInternalServerError, "internal error")
		}
		return
	}

	w, okw := newSSEWriter(c)
	if !okw {
		return
	}

	ctx := c.Request.Context()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.writeEvent(ev)
			if ev.Type == "done" || ev.Type == "error" {
				return
			}

		case <-ticker.C:
			w.heartbeat()

		case <-ctx.Done():
			return
		}
	}
}

type stopStreamReq struct {
	ChatID string `json:"chatId" binding:"required"`
}

// StopStream handles POST /v1/stream/stop: a server-side abort that
// takes the interrupted terminal path, preserving partial content.
func (h *Handler) StopStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.FailError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req stopStreamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailError(c, http.StatusBadRequest, "chatId is required")
		return
	}

	err := h.Orc.Stop(c.Request.Context(), uid, req.ChatID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"stopped": true})
	case errors.Is(err, stream.ErrNoActiveStream):
		common.FailError(c, http.StatusNotFound, "no active stream")
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.FailError(c, http.StatusNotFound, "chat not found")
	default:
		common.FailError(c, http.StatusInternalServerError, "internal error")
	}
}

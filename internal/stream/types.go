package stream

import (
	"context"
	"strconv"
	"time"

	"github.com/haowen-zh/chat-relay/internal/chat"
)

// Event is what clients receive over the SSE response, live or replayed.
// ID is the buffer offset of the underlying entry, when it has one.
type Event struct {
	Type string `json:"type"` // text | reasoning | done | error
	Text string `json:"text,omitempty"`
	ID   string `json:"id,omitempty"`
}

func entryToEvent(e Entry) Event {
	return Event{
		Type: string(e.Kind),
		Text: e.Payload,
		ID:   strconv.FormatInt(e.Offset, 10),
	}
}

// MessageStore is the narrow capability the relay and flusher get at
// orchestration time: just the mutations a running stream needs.
type MessageStore interface {
	CheckpointMessage(ctx context.Context, messageID, content string, reasoning *string) error
	CompleteMessage(ctx context.Context, messageID, content string, reasoning *string, thinkingTimeMs *int64) error
	MarkInterrupted(ctx context.Context, messageID, partialContent string, reasoning *string) error
	ClearActiveStream(ctx context.Context, chatID, streamID string) error
	GetMessage(ctx context.Context, messageID string) (*chat.Message, error)
}

// RateDecision is the answer from the rate-limit gate.
type RateDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type RateLimiter interface {
	CheckAndConsume(ctx context.Context, bucketKey string) (RateDecision, error)
}

// Outcome values carried on terminal events.
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeError       = "error"
)

// TerminalEvent is published when a stream reaches a terminal state, for
// downstream usage accounting.
type TerminalEvent struct {
	StreamID     string `json:"stream_id"`
	ChatID       string `json:"chat_id"`
	MessageID    string `json:"message_id"`
	UserID       uint64 `json:"user_id"`
	Outcome      string `json:"outcome"`
	Chunks       int64  `json:"chunks"`
	ContentBytes int64  `json:"content_bytes"`
}

// TerminalPublisher delivers terminal events to the accounting queue.
// Publish failures are logged by callers, never fatal to a relay.
type TerminalPublisher interface {
	PublishStreamEvent(ctx context.Context, ev TerminalEvent) error
}

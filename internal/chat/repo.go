package chat

import (
	"context"
	"errors"

	"github.com/haowen-zh/chat-relay/internal/common"
	"gorm.io/gorm"
)

var ErrChatNotFound = errors.New("chat not found")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetChat(ctx context.Context, userID uint64, chatID string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", chatID, userID).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		id, err := common.NewULID()
		if err != nil {
			return err
		}
		m.ID = id
	}
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns messages in DESC id order (newest -> oldest).
// ULID ids sort by creation time, so id pagination is time pagination.
func (r *Repo) ListMessages(ctx context.Context, userID uint64, chatID string, limit int, beforeID string) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND chat_id = ?", userID, chatID).
		Order("id DESC").
		Limit(limit)

	if beforeID != "" {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC id order.
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, userID uint64, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND chat_id = ?", userID, chatID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// CreateAssistantMessage inserts the placeholder row a stream writes into.
func (r *Repo) CreateAssistantMessage(ctx context.Context, userID uint64, chatID, streamID string) (*Message, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:       id,
		ChatID:   chatID,
		UserID:   userID,
		Role:     RoleAssistant,
		Content:  "",
		Status:   StatusStreaming,
		StreamID: &streamID,
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// GetLatestAssistantMessage returns the chat's newest assistant message.
func (r *Repo) GetLatestAssistantMessage(ctx context.Context, userID uint64, chatID string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND chat_id = ? AND role = ?", userID, chatID, RoleAssistant).
		Order("id DESC").
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) GetMessageByStreamID(ctx context.Context, streamID string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "stream_id = ?", streamID).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", messageID).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// SetActiveStream points the chat at a new live stream. A previous live
// stream is superseded atomically; its relay will fail its conditional
// clear and leave the new pointer alone.
func (r *Repo) SetActiveStream(ctx context.Context, userID uint64, chatID, streamID string) error {
	res := r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ? AND user_id = ?", chatID, userID).
		Update("active_stream_id", streamID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}

// ClearActiveStream clears the pointer only if it still names streamID,
// so a relay that was superseded cannot clobber the newer stream.
func (r *Repo) ClearActiveStream(ctx context.Context, chatID, streamID string) error {
	return r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ? AND active_stream_id = ?", chatID, streamID).
		Update("active_stream_id", nil).Error
}

func (r *Repo) GetActiveStream(ctx context.Context, userID uint64, chatID string) (*string, error) {
	c, err := r.GetChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	return c.ActiveStreamID, nil
}

// CheckpointMessage replaces the accumulated content while the message is
// still streaming. Full replacement, so repeated calls are safe.
func (r *Repo) CheckpointMessage(ctx context.Context, messageID, content string, reasoning *string) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND status = ?", messageID, StatusStreaming).
		Updates(map[string]any{
			"content":   content,
			"reasoning": reasoning,
		}).Error
}

// CompleteMessage is the terminal commit for a finished stream. The
// status guard makes a repeat call a no-op.
func (r *Repo) CompleteMessage(ctx context.Context, messageID, content string, reasoning *string, thinkingTimeMs *int64) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND status = ?", messageID, StatusStreaming).
		Updates(map[string]any{
			"content":          content,
			"reasoning":        reasoning,
			"thinking_time_ms": thinkingTimeMs,
			"status":           StatusCompleted,
		}).Error
}

// MarkInterrupted is the terminal commit for a cancelled or failed
// stream; partial content is preserved. Idempotent via the status guard.
func (r *Repo) MarkInterrupted(ctx context.Context, messageID, partialContent string, reasoning *string) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND status = ?", messageID, StatusStreaming).
		Updates(map[string]any{
			"content":   partialContent,
			"reasoning": reasoning,
			"status":    StatusError,
		}).Error
}

func (r *Repo) InsertUsageRecord(ctx context.Context, rec *UsageRecord) error {
	if rec.ID == "" {
		id, err := common.NewULID()
		if err != nil {
			return err
		}
		rec.ID = id
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

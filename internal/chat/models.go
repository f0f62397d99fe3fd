package chat

import "time"

type MessageStatus string

const (
	StatusStreaming MessageStatus = "streaming"
	StatusCompleted MessageStatus = "completed"
	StatusError     MessageStatus = "error"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Chat struct {
	ID     string `gorm:"primaryKey;size:26" json:"id"` // ULID length
	UserID uint64 `gorm:"index;not null" json:"-"`
	Title  string `gorm:"type:varchar(255)" json:"title"`

	// ActiveStreamID names the currently live stream for this chat, or is
	// NULL when no stream is running. Set before the first upstream byte is
	// relayed, cleared exactly once at terminal state.
	ActiveStreamID *string `gorm:"type:varchar(26);index" json:"active_stream_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

type Message struct {
	ID     string `gorm:"primaryKey;size:26" json:"id"`
	ChatID string `gorm:"type:varchar(26);not null;index:idx_msg_user_chat_id,priority:2" json:"chat_id"`
	UserID uint64 `gorm:"not null;index:idx_msg_user_chat_id,priority:1" json:"-"`
	Role   string `gorm:"type:varchar(16);index;not null" json:"role"`

	Content        string  `gorm:"type:text;not null" json:"content"`
	Reasoning      *string `gorm:"type:text" json:"reasoning,omitempty"`
	ThinkingTimeMs *int64  `json:"thinking_time_ms,omitempty"`

	Status   MessageStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	StreamID *string       `gorm:"type:varchar(26);index" json:"stream_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// UsageRecord is written by the worker from terminal stream events.
type UsageRecord struct {
	ID        string `gorm:"primaryKey;size:26"`
	UserID    uint64 `gorm:"index;not null"`
	ChatID    string `gorm:"type:varchar(26);index;not null"`
	MessageID string `gorm:"type:varchar(26);not null"`

	StreamID     string `gorm:"type:varchar(26);uniqueIndex;not null"`
	Chunks       int64  `gorm:"not null"`
	ContentBytes int64  `gorm:"not null"`
	Outcome      string `gorm:"type:varchar(16);not null"` // completed|interrupted|error

	CreatedAt time.Time
}

func (UsageRecord) TableName() string { return "usage_records" }

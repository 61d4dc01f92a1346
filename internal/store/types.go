package store

import (
	"context"
	"time"
)

// Message content types.
const (
	// ContentTypeText bodies are plain text, or legacy-encrypted text.
	ContentTypeText = "text"
	// ContentTypeMultipart bodies are a JSON array of content blocks.
	ContentTypeMultipart = "multipart"
)

// Conversation groups the messages of one chat thread.
type Conversation struct {
	ID           string    `json:"conversation_id"`
	Title        string    `json:"title"`
	Archived     bool      `json:"archived"`
	MessageCount int       `json:"message_count"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is a stored conversation turn. Number is assigned on insert and is
// gapless per conversation.
type Message struct {
	ID             string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Number         int       `json:"message_number"`
	Body           string    `json:"content"`
	SpeakerID      string    `json:"user_id"`
	ContentType    string    `json:"content_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// Attachment is an uploaded file waiting to be merged into a user turn.
type Attachment struct {
	ID        string    `json:"attachment_id"`
	FileData  string    `json:"-"`
	FileType  string    `json:"file_type"`
	FileName  string    `json:"file_name,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationFilter narrows ListConversations. Zero Limit means no limit.
type ConversationFilter struct {
	CreatedBy string
	Archived  *bool
	Query     string
	Limit     int
	Offset    int
}

// ConversationUpdate holds the mutable conversation fields; nil leaves a
// field unchanged.
type ConversationUpdate struct {
	Title    *string
	Archived *bool
}

// Store is the document storage driver used by the session core and the
// conversation endpoints.
type Store interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]Conversation, int, error)
	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	// InsertMessage appends a message, assigning the next message number
	// atomically with the conversation's message count.
	InsertMessage(ctx context.Context, m Message) (Message, error)

	// GetAttachments returns the attachments that exist, in the order of ids.
	GetAttachments(ctx context.Context, ids []string) ([]Attachment, error)
	InsertAttachment(ctx context.Context, a Attachment) (Attachment, error)
	// DeleteAttachment is idempotent.
	DeleteAttachment(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}

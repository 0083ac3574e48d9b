// Package entity 定义领域实体
package entity

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole 消息角色
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Citation 回答引用的知识来源
type Citation struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title,omitempty"`
	Snippet       string  `json:"snippet"`
	Score         float64 `json:"score"`
}

// Conversation 会话实体
type Conversation struct {
	ID        string     `json:"id" gorm:"type:uuid;primaryKey"`
	UserID    string     `json:"user_id" gorm:"type:uuid;index;not null"`
	ProjectID *string    `json:"project_id,omitempty" gorm:"type:uuid;index"`
	Title     string     `json:"title" gorm:"type:varchar(255)"`
	Messages  []*Message `json:"messages,omitempty" gorm:"foreignKey:ConversationID"`
	CreatedAt time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Conversation) TableName() string {
	return "conversations"
}

// NewConversation 创建新会话
func NewConversation(userID string, projectID *string, title string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProjectID: projectID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Message 会话消息实体（仅追加，不可修改）
type Message struct {
	ID             string      `json:"id" gorm:"type:uuid;primaryKey"`
	ConversationID string      `json:"conversation_id" gorm:"type:uuid;index;not null"`
	Role           MessageRole `json:"role" gorm:"type:varchar(20);not null"`
	Content        string      `json:"content" gorm:"type:text;not null"`
	Citations      []Citation  `json:"citations,omitempty" gorm:"type:jsonb;serializer:json"`
	TokenCount     int         `json:"token_count" gorm:"default:0"`
	CreatedAt      time.Time   `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "conversation_messages"
}

// NewMessage 创建新消息
func NewMessage(conversationID string, role MessageRole, content string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}

// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"ai-knowledge-assistant/internal/domain/entity"
)

// ConversationRepository 会话仓储接口
type ConversationRepository interface {
	// Create 创建会话
	Create(ctx context.Context, conv *entity.Conversation) error

	// GetByID 根据 ID 获取会话
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)

	// ListByUser 分页查询用户会话
	ListByUser(ctx context.Context, userID string, pagination Pagination) (*PagedResult[*entity.Conversation], error)

	// Update 更新会话元信息
	Update(ctx context.Context, conv *entity.Conversation) error

	// AppendMessage 追加消息（仅追加，不可修改历史）
	AppendMessage(ctx context.Context, msg *entity.Message) error

	// ListMessages 获取会话最近的消息（按创建时间升序）
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*entity.Message, error)

	// Delete 删除会话及其消息
	Delete(ctx context.Context, id string) error
}

// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"ai-knowledge-assistant/internal/domain/entity"
)

// DocumentFilter 文档查询过滤条件
type DocumentFilter struct {
	OwnerID   string
	ProjectID string
	ScopeTag  string
	Status    entity.DocumentStatus
}

// DocumentRepository 文档仓储接口
type DocumentRepository interface {
	// Create 创建文档
	Create(ctx context.Context, doc *entity.Document) error

	// GetByID 根据 ID 获取文档
	GetByID(ctx context.Context, id string) (*entity.Document, error)

	// List 分页查询文档列表
	List(ctx context.Context, filter DocumentFilter, pagination Pagination) (*PagedResult[*entity.Document], error)

	// Update 更新文档
	Update(ctx context.Context, doc *entity.Document) error

	// UpdateStatus 更新文档处理状态
	UpdateStatus(ctx context.Context, id string, status entity.DocumentStatus, errMsg string) error

	// Delete 删除文档
	Delete(ctx context.Context, id string) error
}

// ChunkRepository 文档分块仓储接口
type ChunkRepository interface {
	// BatchCreate 批量创建分块
	BatchCreate(ctx context.Context, chunks []*entity.Chunk) error

	// GetByID 根据 ID 获取分块
	GetByID(ctx context.Context, id string) (*entity.Chunk, error)

	// ListByDocument 获取文档的全部分块（按 seq 升序）
	ListByDocument(ctx context.Context, documentID string) ([]*entity.Chunk, error)

	// DeleteByDocument 删除文档的全部分块
	DeleteByDocument(ctx context.Context, documentID string) error
}

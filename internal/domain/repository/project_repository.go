// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"ai-knowledge-assistant/internal/domain/entity"
)

// ProjectRepository 项目仓储接口
type ProjectRepository interface {
	// Create 创建项目
	Create(ctx context.Context, project *entity.Project) error

	// GetByID 根据 ID 获取项目
	GetByID(ctx context.Context, id string) (*entity.Project, error)

	// ListByOwner 获取用户拥有的项目
	ListByOwner(ctx context.Context, ownerID string, pagination Pagination) (*PagedResult[*entity.Project], error)

	// Update 更新项目
	Update(ctx context.Context, project *entity.Project) error

	// Delete 删除项目
	Delete(ctx context.Context, id string) error
}

// MembershipRepository 项目成员仓储接口
type MembershipRepository interface {
	// AddMember 添加项目成员
	AddMember(ctx context.Context, member *entity.ProjectMember) error

	// RemoveMember 移除项目成员
	RemoveMember(ctx context.Context, projectID, userID string) error

	// ListProjectIDsByUser 获取用户所属的全部项目 ID
	ListProjectIDsByUser(ctx context.Context, userID string) ([]string, error)

	// ListAllProjectIDs 获取全部项目 ID（管理员范围解析用）
	ListAllProjectIDs(ctx context.Context) ([]string, error)

	// ListMembers 获取项目的全部成员
	ListMembers(ctx context.Context, projectID string) ([]*entity.ProjectMember, error)
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"ai-knowledge-assistant/internal/domain/entity"
	"ai-knowledge-assistant/internal/domain/repository"
	apperrors "ai-knowledge-assistant/pkg/errors"
)

// ProjectRepository 项目仓储实现
type ProjectRepository struct {
	client *Client
}

// NewProjectRepository 创建项目仓储
func NewProjectRepository(client *Client) *ProjectRepository {
	return &ProjectRepository{client: client}
}

// Create 创建项目
func (r *ProjectRepository) Create(ctx context.Context, project *entity.Project) error {
	ctx, span := tracer.Start(ctx, "postgres.ProjectRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(project).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取项目
func (r *ProjectRepository) GetByID(ctx context.Context, id string) (*entity.Project, error) {
	ctx, span := tracer.Start(ctx, "postgres.ProjectRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var project entity.Project
	if err := db.First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrProjectNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &project, nil
}

// ListByOwner 获取用户拥有的项目
func (r *ProjectRepository) ListByOwner(ctx context.Context, ownerID string, pagination repository.Pagination) (*repository.PagedResult[*entity.Project], error) {
	ctx, span := tracer.Start(ctx, "postgres.ProjectRepository.ListByOwner")
	defer span.End()

	db := getDB(ctx, r.client.db)
	query := db.Model(&entity.Project{}).Where("owner_id = ?", ownerID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}

	var projects []*entity.Project
	if err := query.Order("created_at DESC").
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Find(&projects).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	return repository.NewPagedResult(projects, total, pagination), nil
}

// Update 更新项目
func (r *ProjectRepository) Update(ctx context.Context, project *entity.Project) error {
	ctx, span := tracer.Start(ctx, "postgres.ProjectRepository.Update")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Save(project).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update project: %w", err)
	}
	return nil
}

// Delete 删除项目
func (r *ProjectRepository) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "postgres.ProjectRepository.Delete")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Delete(&entity.Project{}, "id = ?", id).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

// MembershipRepository 项目成员仓储实现
type MembershipRepository struct {
	client *Client
}

// NewMembershipRepository 创建项目成员仓储
func NewMembershipRepository(client *Client) *MembershipRepository {
	return &MembershipRepository{client: client}
}

// AddMember 添加项目成员
func (r *MembershipRepository) AddMember(ctx context.Context, member *entity.ProjectMember) error {
	ctx, span := tracer.Start(ctx, "postgres.MembershipRepository.AddMember")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(member).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to add project member: %w", err)
	}
	return nil
}

// RemoveMember 移除项目成员
func (r *MembershipRepository) RemoveMember(ctx context.Context, projectID, userID string) error {
	ctx, span := tracer.Start(ctx, "postgres.MembershipRepository.RemoveMember")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Delete(&entity.ProjectMember{},
		"project_id = ? AND user_id = ?", projectID, userID).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to remove project member: %w", err)
	}
	return nil
}

// ListProjectIDsByUser 获取用户所属的全部项目 ID
func (r *MembershipRepository) ListProjectIDsByUser(ctx context.Context, userID string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "postgres.MembershipRepository.ListProjectIDsByUser")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var ids []string
	if err := db.Model(&entity.ProjectMember{}).
		Where("user_id = ?", userID).
		Pluck("project_id", &ids).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list project ids by user: %w", err)
	}
	return ids, nil
}

// ListAllProjectIDs 获取全部项目 ID（管理员范围解析用）
func (r *MembershipRepository) ListAllProjectIDs(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "postgres.MembershipRepository.ListAllProjectIDs")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var ids []string
	if err := db.Model(&entity.Project{}).
		Pluck("id", &ids).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list all project ids: %w", err)
	}
	return ids, nil
}

// ListMembers 获取项目的全部成员
func (r *MembershipRepository) ListMembers(ctx context.Context, projectID string) ([]*entity.ProjectMember, error) {
	ctx, span := tracer.Start(ctx, "postgres.MembershipRepository.ListMembers")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var members []*entity.ProjectMember
	if err := db.Where("project_id = ?", projectID).
		Find(&members).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list project members: %w", err)
	}
	return members, nil
}

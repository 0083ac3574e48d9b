// Package access 实现用户知识范围解析
package access

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ai-knowledge-assistant/internal/domain/entity"
	"ai-knowledge-assistant/internal/domain/repository"
)

var tracer = otel.Tracer("application.access")

// DefaultGrantTTL 范围缓存默认有效期
// 缓存期内的权限变更不会立即生效，因此有效期必须保持短
const DefaultGrantTTL = 30 * time.Second

// GrantCache 范围缓存接口
type GrantCache interface {
	GetOrLoadSafe(ctx context.Context, key string, ttl time.Duration, loader func() (interface{}, error)) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
}

// Resolver 知识范围解析器
// 根据用户角色与项目成员关系计算其可检索的范围集合
type Resolver struct {
	users       repository.UserRepository
	memberships repository.MembershipRepository
	cache       GrantCache // 可为 nil，表示不缓存
	ttl         time.Duration
}

// NewResolver 创建范围解析器
func NewResolver(users repository.UserRepository, memberships repository.MembershipRepository, cache GrantCache, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	return &Resolver{
		users:       users,
		memberships: memberships,
		cache:       cache,
		ttl:         ttl,
	}
}

// ResolveScopeTags 解析用户可检索的范围标签集合
// 任何用户都包含 global 与本人的 personal 范围；
// 普通用户按项目成员关系获得 project 范围；
// 管理员获得全部 project 范围，但绝不包含他人的 personal 范围
func (r *Resolver) ResolveScopeTags(ctx context.Context, userID string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "access.ResolveScopeTags",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if r.cache == nil {
		tags, err := r.loadScopeTags(ctx, userID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		return tags, nil
	}

	data, err := r.cache.GetOrLoadSafe(ctx, grantCacheKey(userID), r.ttl, func() (interface{}, error) {
		return r.loadScopeTags(ctx, userID)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal scope tags: %w", err)
	}
	return tags, nil
}

// AddProjectMember 添加项目成员并使其范围缓存失效
func (r *Resolver) AddProjectMember(ctx context.Context, projectID, userID string, role entity.MemberRole) error {
	member := entity.NewProjectMember(projectID, userID, role)
	if err := r.memberships.AddMember(ctx, member); err != nil {
		return fmt.Errorf("failed to add project member: %w", err)
	}
	return r.Invalidate(ctx, userID)
}

// RemoveProjectMember 移除项目成员并使其范围缓存失效
func (r *Resolver) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	if err := r.memberships.RemoveMember(ctx, projectID, userID); err != nil {
		return fmt.Errorf("failed to remove project member: %w", err)
	}
	return r.Invalidate(ctx, userID)
}

// Invalidate 使用户的范围缓存失效
// 成员关系或角色变更后调用，缩短权限收敛窗口
func (r *Resolver) Invalidate(ctx context.Context, userID string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Delete(ctx, grantCacheKey(userID))
}

// loadScopeTags 从仓储计算范围标签（未走缓存）
func (r *Resolver) loadScopeTags(ctx context.Context, userID string) ([]string, error) {
	user, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	tags := []string{
		entity.GlobalScope().Tag(),
		entity.PersonalScope(userID).Tag(),
	}

	var projectIDs []string
	switch {
	case user.IsAdmin():
		projectIDs, err = r.memberships.ListAllProjectIDs(ctx)
	case user.Role == entity.UserRoleUser:
		projectIDs, err = r.memberships.ListProjectIDsByUser(ctx, userID)
	default:
		// guest 只能访问 global 与本人 personal
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list project ids: %w", err)
	}

	sort.Strings(projectIDs)
	for _, id := range projectIDs {
		tags = append(tags, entity.ProjectScope(id).Tag())
	}
	return tags, nil
}

// grantCacheKey 构造范围缓存键
func grantCacheKey(userID string) string {
	return "access:scopes:" + userID
}

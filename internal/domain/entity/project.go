// Package entity 定义领域实体
package entity

import (
	"time"

	"github.com/google/uuid"
)

// ProjectStatus 项目状态
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusArchived ProjectStatus = "archived"
)

// Project 项目实体
type Project struct {
	ID          string        `json:"id" gorm:"type:uuid;primaryKey"`
	OwnerID     string        `json:"owner_id" gorm:"type:uuid;index;not null"`
	Name        string        `json:"name" gorm:"type:varchar(255);not null"`
	Description string        `json:"description,omitempty" gorm:"type:text"`
	Status      ProjectStatus `json:"status" gorm:"type:varchar(20);default:'active'"`
	CreatedAt   time.Time     `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time     `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Project) TableName() string {
	return "projects"
}

// NewProject 创建新项目
func NewProject(ownerID, name string) *Project {
	now := time.Now()
	return &Project{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		Status:    ProjectStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MemberRole 项目成员角色
type MemberRole string

const (
	MemberRoleOwner  MemberRole = "owner"
	MemberRoleEditor MemberRole = "editor"
	MemberRoleViewer MemberRole = "viewer"
)

// ProjectMember 项目成员关系
type ProjectMember struct {
	ID        string     `json:"id" gorm:"type:uuid;primaryKey"`
	ProjectID string     `json:"project_id" gorm:"type:uuid;uniqueIndex:idx_project_user;not null"`
	UserID    string     `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_project_user;index;not null"`
	Role      MemberRole `json:"role" gorm:"type:varchar(20);default:'viewer'"`
	CreatedAt time.Time  `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定表名
func (ProjectMember) TableName() string {
	return "project_members"
}

// NewProjectMember 创建项目成员关系
func NewProjectMember(projectID, userID string, role MemberRole) *ProjectMember {
	return &ProjectMember{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    userID,
		Role:      role,
		CreatedAt: time.Now(),
	}
}

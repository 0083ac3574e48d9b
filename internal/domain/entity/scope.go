// Package entity 定义领域实体
package entity

import (
	"fmt"
	"strings"
)

// ScopeKind 知识可见范围类型
type ScopeKind string

const (
	ScopeKindGlobal   ScopeKind = "global"
	ScopeKindProject  ScopeKind = "project"
	ScopeKindPersonal ScopeKind = "personal"
)

// KnowledgeScope 知识可见范围
// 标签格式: global / project:<project_id> / personal:<user_id>
type KnowledgeScope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// GlobalScope 全局可见范围
func GlobalScope() KnowledgeScope {
	return KnowledgeScope{Kind: ScopeKindGlobal}
}

// ProjectScope 项目可见范围
func ProjectScope(projectID string) KnowledgeScope {
	return KnowledgeScope{Kind: ScopeKindProject, ID: projectID}
}

// PersonalScope 个人可见范围
func PersonalScope(userID string) KnowledgeScope {
	return KnowledgeScope{Kind: ScopeKindPersonal, ID: userID}
}

// ParseScope 解析范围标签
func ParseScope(tag string) (KnowledgeScope, error) {
	if tag == string(ScopeKindGlobal) {
		return GlobalScope(), nil
	}
	kind, id, ok := strings.Cut(tag, ":")
	if !ok || id == "" {
		return KnowledgeScope{}, fmt.Errorf("invalid scope tag: %q", tag)
	}
	switch ScopeKind(kind) {
	case ScopeKindProject:
		return ProjectScope(id), nil
	case ScopeKindPersonal:
		return PersonalScope(id), nil
	default:
		return KnowledgeScope{}, fmt.Errorf("invalid scope tag: %q", tag)
	}
}

// Tag 返回范围标签字符串
func (s KnowledgeScope) Tag() string {
	if s.Kind == ScopeKindGlobal {
		return string(ScopeKindGlobal)
	}
	return string(s.Kind) + ":" + s.ID
}

// IsGlobal 是否为全局范围
func (s KnowledgeScope) IsGlobal() bool {
	return s.Kind == ScopeKindGlobal
}

// Validate 校验范围是否合法
func (s KnowledgeScope) Validate() error {
	switch s.Kind {
	case ScopeKindGlobal:
		if s.ID != "" {
			return fmt.Errorf("global scope must not carry an id")
		}
		return nil
	case ScopeKindProject, ScopeKindPersonal:
		if s.ID == "" {
			return fmt.Errorf("%s scope requires an id", s.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown scope kind: %q", s.Kind)
	}
}

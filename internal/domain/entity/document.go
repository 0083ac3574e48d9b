// Package entity 定义领域实体
package entity

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus 文档处理状态
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// SourceType 文档来源类型
type SourceType string

const (
	SourceTypeText SourceType = "text"
	SourceTypePDF  SourceType = "pdf"
	SourceTypeDocx SourceType = "docx"
	SourceTypeXlsx SourceType = "xlsx"
)

// Document 知识文档实体
type Document struct {
	ID            string         `json:"id" gorm:"type:uuid;primaryKey"`
	OwnerID       string         `json:"owner_id" gorm:"type:uuid;index;not null"`
	ProjectID     *string        `json:"project_id,omitempty" gorm:"type:uuid;index"`
	Title         string         `json:"title" gorm:"type:varchar(255);not null"`
	SourceType    SourceType     `json:"source_type" gorm:"type:varchar(20);not null"`
	ScopeTag      string         `json:"scope_tag" gorm:"type:varchar(100);index;not null"`
	ContentHash   string         `json:"content_hash,omitempty" gorm:"type:varchar(64);index"`
	ExtractedText string         `json:"-" gorm:"type:text"`
	ChunkCount    int            `json:"chunk_count" gorm:"default:0"`
	Status        DocumentStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	ErrorMessage  string         `json:"error_message,omitempty" gorm:"type:text"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Document) TableName() string {
	return "knowledge_documents"
}

// NewDocument 创建新文档
func NewDocument(ownerID, title string, sourceType SourceType, scope KnowledgeScope) *Document {
	now := time.Now()
	doc := &Document{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Title:      title,
		SourceType: sourceType,
		ScopeTag:   scope.Tag(),
		Status:     DocumentStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if scope.Kind == ScopeKindProject {
		projectID := scope.ID
		doc.ProjectID = &projectID
	}
	return doc
}

// Scope 返回文档的可见范围
func (d *Document) Scope() (KnowledgeScope, error) {
	return ParseScope(d.ScopeTag)
}

// MarkProcessing 标记为处理中
func (d *Document) MarkProcessing() {
	d.Status = DocumentStatusProcessing
	d.ErrorMessage = ""
	d.UpdatedAt = time.Now()
}

// MarkCompleted 标记为处理完成
func (d *Document) MarkCompleted(contentHash string, chunkCount int) {
	now := time.Now()
	d.Status = DocumentStatusCompleted
	d.ContentHash = contentHash
	d.ChunkCount = chunkCount
	d.ErrorMessage = ""
	d.ProcessedAt = &now
	d.UpdatedAt = now
}

// MarkFailed 标记为处理失败
func (d *Document) MarkFailed(errMsg string) {
	d.Status = DocumentStatusFailed
	d.ErrorMessage = errMsg
	d.UpdatedAt = time.Now()
}

// Chunk 文档分块实体
type Chunk struct {
	ID         string    `json:"id" gorm:"type:uuid;primaryKey"`
	DocumentID string    `json:"document_id" gorm:"type:uuid;index;not null"`
	Seq        int       `json:"seq" gorm:"not null"`
	Content    string    `json:"content" gorm:"type:text;not null"`
	TokenCount int       `json:"token_count" gorm:"default:0"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定表名
func (Chunk) TableName() string {
	return "knowledge_chunks"
}

// NewChunk 创建新分块
func NewChunk(documentID string, seq int, content string, tokenCount int) *Chunk {
	return &Chunk{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Seq:        seq,
		Content:    content,
		TokenCount: tokenCount,
		CreatedAt:  time.Now(),
	}
}

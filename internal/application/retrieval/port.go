// Package retrieval 实现带范围过滤的向量检索引擎
package retrieval

import "context"

// Embedder 定义应用层对向量化能力的最小依赖（port）
// 由基础设施层提供具体实现（HTTP 服务或 OpenAI 兼容接口）
type Embedder interface {
	// EmbedTexts 批量向量化文本，返回与输入等长的向量列表
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension 返回向量维度
	Dimension() int
}

// VectorIndex 定义应用层对向量索引的最小依赖（port）
// 范围过滤必须在索引内部完成，不允许先取回再过滤
type VectorIndex interface {
	// Upsert 插入或覆盖分块向量
	Upsert(ctx context.Context, chunks []*IndexedChunk) error

	// ReplaceDocument 原子替换文档的全部分块
	// 其他并发检索要么看到旧分块集合，要么看到新分块集合
	ReplaceDocument(ctx context.Context, documentID string, chunks []*IndexedChunk) error

	// RemoveDocument 移除文档的全部分块
	// 与并发检索互斥，移除后的检索不再返回该文档的任何分块
	RemoveDocument(ctx context.Context, documentID string) error

	// UpdateScope 更新文档全部分块的范围标签
	UpdateScope(ctx context.Context, documentID, scopeTag string) error

	// Search 在给定范围标签内检索最相似的分块
	// scopeTags 为空时返回空结果；limit 为返回上限
	Search(ctx context.Context, vector []float32, scopeTags []string, limit int) ([]*SearchResult, error)
}

// IndexedChunk 待索引的分块
type IndexedChunk struct {
	ID           string
	DocumentID   string
	Seq          int
	ScopeTag     string
	DocUpdatedAt int64 // 文档更新时间（毫秒时间戳），用于确定性排序
	Content      string
	Vector       []float32
}

// SearchResult 检索命中结果
type SearchResult struct {
	ChunkID      string
	DocumentID   string
	Seq          int
	ScopeTag     string
	DocUpdatedAt int64
	Content      string
	Score        float64 // 余弦相似度，越大越相似
}

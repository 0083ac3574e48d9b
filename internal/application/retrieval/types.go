package retrieval

import "context"

// 检索参数默认值
const (
	DefaultTopK            = 5
	MaxTopK                = 20
	DefaultOverfetchFactor = 3

	// 去重后每篇文档最多保留的分块数（最优命中加一个次优命中）
	maxChunksPerDocument = 2
)

// ScopeResolver 定义检索引擎对范围解析的依赖（port）
type ScopeResolver interface {
	ResolveScopeTags(ctx context.Context, userID string) ([]string, error)
}

// QueryInput 检索输入
type QueryInput struct {
	UserID string
	Query  string
	TopK   int // <=0 时使用默认值

	// ProjectScope 可选的项目范围提示，仅在可见范围内收窄检索，不会扩大访问
	ProjectScope string
}

// CitationRecord 检索引用结果
type CitationRecord struct {
	ChunkID       string
	DocumentID    string
	DocumentTitle string
	Seq           int
	ScopeTag      string
	Content       string
	Score         float64
	TokenCount    int
}

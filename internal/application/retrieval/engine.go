package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ai-knowledge-assistant/internal/application/chunker"
	"ai-knowledge-assistant/internal/domain/entity"
	apperrors "ai-knowledge-assistant/pkg/errors"
	"ai-knowledge-assistant/pkg/metrics"
)

var tracer = otel.Tracer("application.retrieval")

// Engine 检索引擎
// 流程：向量化查询 → 解析用户范围 → 范围内超额召回 → 按文档去重 → 截取 TopK
type Engine struct {
	embedder Embedder
	index    VectorIndex
	scopes   ScopeResolver

	overfetchFactor int
	maxTopK         int
}

// NewEngine 创建检索引擎
func NewEngine(embedder Embedder, index VectorIndex, scopes ScopeResolver, overfetchFactor int) *Engine {
	if overfetchFactor <= 0 {
		overfetchFactor = DefaultOverfetchFactor
	}
	return &Engine{
		embedder:        embedder,
		index:           index,
		scopes:          scopes,
		overfetchFactor: overfetchFactor,
		maxTopK:         MaxTopK,
	}
}

// Retrieve 在用户可见范围内检索与查询最相关的分块
// 范围集合为空时返回空结果而非错误；越权内容不会出现在结果中
func (e *Engine) Retrieve(ctx context.Context, in QueryInput) ([]CitationRecord, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.Int("retrieval.top_k", in.TopK),
		))
	defer span.End()

	start := time.Now()
	status := "success"
	defer func() {
		metrics.RetrievalTotal.WithLabelValues(status).Inc()
		metrics.RetrievalDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	query := strings.TrimSpace(in.Query)
	if query == "" {
		status = "error"
		return nil, fmt.Errorf("query is required")
	}
	topK := in.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > e.maxTopK {
		topK = e.maxTopK
	}

	scopeTags, err := e.scopes.ResolveScopeTags(ctx, in.UserID)
	if err != nil {
		status = "error"
		span.RecordError(err)
		return nil, fmt.Errorf("failed to resolve scopes: %w", err)
	}
	if len(scopeTags) == 0 {
		return []CitationRecord{}, nil
	}
	// 项目范围提示只在已解析的可见范围内收窄；提示命不中任何可见范围时
	// 静默返回空结果，绝不以提示扩大访问
	if hint := strings.TrimSpace(in.ProjectScope); hint != "" {
		hintTag := entity.ProjectScope(hint).Tag()
		narrowed := scopeTags[:0:0]
		for _, tag := range scopeTags {
			if tag == hintTag {
				narrowed = append(narrowed, tag)
			}
		}
		if len(narrowed) == 0 {
			return []CitationRecord{}, nil
		}
		scopeTags = narrowed
	}

	vectors, err := e.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		status = "error"
		span.RecordError(err)
		return nil, apperrors.ErrEmbeddingUnavailable.WithError(err)
	}
	if len(vectors) == 0 {
		status = "error"
		return nil, apperrors.ErrEmbeddingUnavailable.WithDetail("empty embedding result")
	}

	// 超额召回，为去重留出余量
	results, err := e.index.Search(ctx, vectors[0], scopeTags, topK*e.overfetchFactor)
	if err != nil {
		status = "error"
		span.RecordError(err)
		return nil, apperrors.ErrVectorIndexUnavailable.WithError(err)
	}

	citations := e.dedupe(results, topK)
	span.SetAttributes(attribute.Int("retrieval.citations", len(citations)))
	metrics.RetrievalCitations.Observe(float64(len(citations)))
	return citations, nil
}

// dedupe 按文档去重并截取 TopK
// 每篇文档最多保留最优与次优两个分块；排序完全确定：
// 相似度降序 → 文档更新时间降序 → 分块序号升序
func (e *Engine) dedupe(results []*SearchResult, topK int) []CitationRecord {
	sorted := make([]*SearchResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DocUpdatedAt != b.DocUpdatedAt {
			return a.DocUpdatedAt > b.DocUpdatedAt
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.Seq < b.Seq
	})

	citations := make([]CitationRecord, 0, topK)
	perDoc := make(map[string]int, len(sorted))
	for _, r := range sorted {
		if len(citations) >= topK {
			break
		}
		if perDoc[r.DocumentID] >= maxChunksPerDocument {
			continue
		}
		perDoc[r.DocumentID]++
		citations = append(citations, CitationRecord{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Seq:        r.Seq,
			ScopeTag:   r.ScopeTag,
			Content:    r.Content,
			Score:      r.Score,
			TokenCount: chunker.EstimateTokens(r.Content),
		})
	}
	return citations
}

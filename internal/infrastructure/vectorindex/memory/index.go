// Package memory 提供内存向量索引实现
// 适用于单机部署与测试环境；生产环境使用 Milvus 实现
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"ai-knowledge-assistant/internal/application/retrieval"
	"ai-knowledge-assistant/pkg/metrics"
)

const driverName = "memory"

// storedChunk 索引内部存储的分块
type storedChunk struct {
	chunk *retrieval.IndexedChunk
	norm  float64 // 预计算的向量模长
}

// Index 内存向量索引
// 读写锁保证替换、移除与检索互斥：检索要么看到替换前的分块集合，
// 要么看到替换后的，绝不会看到中间状态
type Index struct {
	mu        sync.RWMutex
	dimension int
	docs      map[string][]*storedChunk // documentID → 分块列表
}

// NewIndex 创建内存向量索引
func NewIndex(dimension int) *Index {
	return &Index{
		dimension: dimension,
		docs:      make(map[string][]*storedChunk),
	}
}

// Upsert 插入或覆盖分块向量
func (idx *Index) Upsert(ctx context.Context, chunks []*retrieval.IndexedChunk) error {
	stored, err := idx.prepare(chunks)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, s := range stored {
		docChunks := idx.docs[s.chunk.DocumentID]
		replaced := false
		for i, existing := range docChunks {
			if existing.chunk.ID == s.chunk.ID {
				docChunks[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			docChunks = append(docChunks, s)
		}
		idx.docs[s.chunk.DocumentID] = docChunks
	}
	return nil
}

// ReplaceDocument 原子替换文档的全部分块
func (idx *Index) ReplaceDocument(ctx context.Context, documentID string, chunks []*retrieval.IndexedChunk) error {
	stored, err := idx.prepare(chunks)
	if err != nil {
		return err
	}
	for _, s := range stored {
		if s.chunk.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to document %s, not %s",
				s.chunk.ID, s.chunk.DocumentID, documentID)
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(stored) == 0 {
		delete(idx.docs, documentID)
		return nil
	}
	idx.docs[documentID] = stored
	return nil
}

// RemoveDocument 移除文档的全部分块
func (idx *Index) RemoveDocument(ctx context.Context, documentID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.docs, documentID)
	return nil
}

// UpdateScope 更新文档全部分块的范围标签
func (idx *Index) UpdateScope(ctx context.Context, documentID, scopeTag string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, s := range idx.docs[documentID] {
		s.chunk.ScopeTag = scopeTag
	}
	return nil
}

// Search 在给定范围标签内检索最相似的分块
// 范围过滤在排序截断之前进行，越权分块不参与候选
func (idx *Index) Search(ctx context.Context, vector []float32, scopeTags []string, limit int) ([]*retrieval.SearchResult, error) {
	start := time.Now()
	defer func() {
		metrics.IndexSearchDuration.WithLabelValues(driverName).Observe(time.Since(start).Seconds())
		metrics.IndexSearchTotal.WithLabelValues(driverName, "success").Inc()
	}()

	if len(scopeTags) == 0 || limit <= 0 {
		return []*retrieval.SearchResult{}, nil
	}
	if idx.dimension > 0 && len(vector) != idx.dimension {
		return nil, fmt.Errorf("query vector dimension mismatch: got %d, want %d", len(vector), idx.dimension)
	}

	allowed := make(map[string]struct{}, len(scopeTags))
	for _, t := range scopeTags {
		allowed[t] = struct{}{}
	}
	queryNorm := vectorNorm(vector)
	if queryNorm == 0 {
		return []*retrieval.SearchResult{}, nil
	}

	idx.mu.RLock()
	results := make([]*retrieval.SearchResult, 0, limit)
	for _, docChunks := range idx.docs {
		for _, s := range docChunks {
			if _, ok := allowed[s.chunk.ScopeTag]; !ok {
				continue
			}
			score := cosine(vector, queryNorm, s.chunk.Vector, s.norm)
			results = append(results, &retrieval.SearchResult{
				ChunkID:      s.chunk.ID,
				DocumentID:   s.chunk.DocumentID,
				Seq:          s.chunk.Seq,
				ScopeTag:     s.chunk.ScopeTag,
				DocUpdatedAt: s.chunk.DocUpdatedAt,
				Content:      s.chunk.Content,
				Score:        score,
			})
		}
	}
	idx.mu.RUnlock()

	// 相似度降序 → 文档更新时间降序 → 文档 ID 升序 → 分块序号升序
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
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

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count 返回索引中的分块总数
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	total := 0
	for _, chunks := range idx.docs {
		total += len(chunks)
	}
	return total
}

// prepare 校验维度并预计算模长
func (idx *Index) prepare(chunks []*retrieval.IndexedChunk) ([]*storedChunk, error) {
	stored := make([]*storedChunk, 0, len(chunks))
	for _, c := range chunks {
		if c == nil {
			continue
		}
		if idx.dimension > 0 && len(c.Vector) != idx.dimension {
			return nil, fmt.Errorf("chunk %s vector dimension mismatch: got %d, want %d",
				c.ID, len(c.Vector), idx.dimension)
		}
		copied := *c
		stored = append(stored, &storedChunk{
			chunk: &copied,
			norm:  vectorNorm(c.Vector),
		})
	}
	return stored, nil
}

// cosine 计算余弦相似度
func cosine(a []float32, normA float64, b []float32, normB float64) float64 {
	if normA == 0 || normB == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}

// vectorNorm 计算向量模长
func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

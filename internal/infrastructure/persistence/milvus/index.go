// Package milvus 提供 Milvus 向量索引实现
package milvus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ai-knowledge-assistant/internal/application/retrieval"
	"ai-knowledge-assistant/pkg/metrics"
)

const driverName = "milvus"

// Index 基于 Milvus 的向量索引
// 实现范围过滤检索：过滤表达式在 Milvus 内部执行，越权分块不进入候选集
type Index struct {
	client    *Client
	dimension int
}

// NewIndex 创建 Milvus 向量索引
func NewIndex(client *Client, dimension int) *Index {
	return &Index{client: client, dimension: dimension}
}

// EnsureCollection 确保集合与索引可用（不存在则创建）
// 约束：不会做 drop/rebuild 等破坏性操作
func (idx *Index) EnsureCollection(ctx context.Context) error {
	if idx == nil || idx.client == nil || idx.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}

	exists, err := idx.client.HasCollection(ctx, CollectionKnowledgeChunks)
	if err != nil {
		return err
	}
	if !exists {
		schema := KnowledgeChunksSchema(idx.dimension)
		schema.CollectionName = idx.client.CollectionName(CollectionKnowledgeChunks)
		if err := idx.client.milvus.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		if err := idx.createIndex(ctx); err != nil {
			return err
		}
	}

	return idx.client.LoadCollection(ctx, CollectionKnowledgeChunks)
}

// createIndex 创建 HNSW 索引
func (idx *Index) createIndex(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "milvus.CreateIndex")
	defer span.End()

	collName := idx.client.CollectionName(CollectionKnowledgeChunks)

	hnsw, err := entity.NewIndexHNSW(
		entity.COSINE,
		idx.client.config.HNSWM,
		idx.client.config.HNSWEfConstruction,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := idx.client.milvus.CreateIndex(ctx, collName, "vector", hnsw, false); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Upsert 插入或覆盖分块向量
func (idx *Index) Upsert(ctx context.Context, chunks []*retrieval.IndexedChunk) error {
	if idx == nil || idx.client == nil || idx.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	if len(chunks) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "milvus.Upsert",
		trace.WithAttributes(attribute.Int("count", len(chunks))))
	defer span.End()

	collName := idx.client.CollectionName(CollectionKnowledgeChunks)

	// 先删除同 ID 旧数据再插入
	var parts []string
	for _, c := range chunks {
		parts = append(parts, fmt.Sprintf(`"%s"`, c.ID))
	}
	filter := fmt.Sprintf(`id in [%s]`, strings.Join(parts, ", "))
	if err := idx.client.milvus.Delete(ctx, collName, "", filter); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete existing chunks: %w", err)
	}

	return idx.insert(ctx, chunks)
}

// ReplaceDocument 替换文档的全部分块
// Milvus 的删除与插入之间存在短暂窗口；需要严格原子替换的部署使用内存实现
func (idx *Index) ReplaceDocument(ctx context.Context, documentID string, chunks []*retrieval.IndexedChunk) error {
	if idx == nil || idx.client == nil || idx.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.ReplaceDocument",
		trace.WithAttributes(
			attribute.String("document_id", documentID),
			attribute.Int("count", len(chunks)),
		))
	defer span.End()

	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to document %s, not %s", c.ID, c.DocumentID, documentID)
		}
	}

	collName := idx.client.CollectionName(CollectionKnowledgeChunks)
	filter := fmt.Sprintf(`document_id == "%s"`, documentID)
	if err := idx.client.milvus.Delete(ctx, collName, "", filter); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}

	if len(chunks) == 0 {
		return nil
	}
	return idx.insert(ctx, chunks)
}

// RemoveDocument 移除文档的全部分块
func (idx *Index) RemoveDocument(ctx context.Context, documentID string) error {
	if idx == nil || idx.client == nil || idx.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.RemoveDocument",
		trace.WithAttributes(attribute.String("document_id", documentID)))
	defer span.End()

	collName := idx.client.CollectionName(CollectionKnowledgeChunks)
	filter := fmt.Sprintf(`document_id == "%s"`, documentID)
	if err := idx.client.milvus.Delete(ctx, collName, "", filter); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}
	return nil
}

// UpdateScope 更新文档全部分块的范围标签
// Milvus 不支持标量字段原地更新，读出后重写
func (idx *Index) UpdateScope(ctx context.Context, documentID, scopeTag string) error {
	if idx == nil || idx.client == nil || idx.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.UpdateScope",
		trace.WithAttributes(
			attribute.String("document_id", documentID),
			attribute.String("scope_tag", scopeTag),
		))
	defer span.End()

	collName := idx.client.CollectionName(CollectionKnowledgeChunks)
	filter := fmt.Sprintf(`document_id == "%s"`, documentID)

	rs, err := idx.client.milvus.Query(ctx, collName, nil, filter,
		[]string{"id", "vector", "document_id", "chunk_seq", "doc_updated_at", "text_content"})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to query document chunks: %w", err)
	}

	chunks, err := columnsToChunks(rs)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, c := range chunks {
		c.ScopeTag = scopeTag
	}

	return idx.ReplaceDocument(ctx, documentID, chunks)
}

// Search 在给定范围标签内检索最相似的分块
func (idx *Index) Search(ctx context.Context, vector []float32, scopeTags []string, limit int) ([]*retrieval.SearchResult, error) {
	if idx == nil || idx.client == nil || idx.client.milvus == nil {
		return nil, fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.Search",
		trace.WithAttributes(
			attribute.Int("scope_count", len(scopeTags)),
			attribute.Int("limit", limit),
		))
	defer span.End()

	start := time.Now()
	status := "success"
	defer func() {
		metrics.IndexSearchDuration.WithLabelValues(driverName).Observe(time.Since(start).Seconds())
		metrics.IndexSearchTotal.WithLabelValues(driverName, status).Inc()
	}()

	if len(scopeTags) == 0 || limit <= 0 {
		return []*retrieval.SearchResult{}, nil
	}

	// 范围过滤表达式；用 OR 条件构建，避免依赖 IN 语法差异
	var parts []string
	for _, tag := range scopeTags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf(`scope_tag == "%s"`, tag))
	}
	if len(parts) == 0 {
		return []*retrieval.SearchResult{}, nil
	}
	filter := "(" + strings.Join(parts, " || ") + ")"

	sp, err := entity.NewIndexHNSWSearchParam(128)
	if err != nil {
		status = "error"
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create search param: %w", err)
	}

	collName := idx.client.CollectionName(CollectionKnowledgeChunks)
	results, err := idx.client.milvus.Search(ctx,
		collName,
		nil,
		filter,
		[]string{"id", "scope_tag", "document_id", "chunk_seq", "doc_updated_at", "text_content"},
		[]entity.Vector{entity.FloatVector(vector)},
		"vector",
		entity.COSINE,
		limit,
		sp,
	)
	if err != nil {
		status = "error"
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var searchResults []*retrieval.SearchResult
	for _, result := range results {
		for i := 0; i < result.ResultCount; i++ {
			sr := &retrieval.SearchResult{
				Score: float64(result.Scores[i]),
			}
			if col, ok := result.Fields.GetColumn("id").(*entity.ColumnVarChar); ok {
				sr.ChunkID = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("scope_tag").(*entity.ColumnVarChar); ok {
				sr.ScopeTag = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("document_id").(*entity.ColumnVarChar); ok {
				sr.DocumentID = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("chunk_seq").(*entity.ColumnInt64); ok {
				sr.Seq = int(col.Data()[i])
			}
			if col, ok := result.Fields.GetColumn("doc_updated_at").(*entity.ColumnInt64); ok {
				sr.DocUpdatedAt = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("text_content").(*entity.ColumnVarChar); ok {
				sr.Content = col.Data()[i]
			}
			searchResults = append(searchResults, sr)
		}
	}

	span.SetAttributes(attribute.Int("result_count", len(searchResults)))
	return searchResults, nil
}

// insert 批量插入分块
func (idx *Index) insert(ctx context.Context, chunks []*retrieval.IndexedChunk) error {
	collName := idx.client.CollectionName(CollectionKnowledgeChunks)

	ids := make([]string, len(chunks))
	vectors := make([][]float32, len(chunks))
	scopeTags := make([]string, len(chunks))
	documentIDs := make([]string, len(chunks))
	seqs := make([]int64, len(chunks))
	updatedAts := make([]int64, len(chunks))
	texts := make([]string, len(chunks))

	for i, c := range chunks {
		ids[i] = c.ID
		vectors[i] = c.Vector
		scopeTags[i] = c.ScopeTag
		documentIDs[i] = c.DocumentID
		seqs[i] = int64(c.Seq)
		updatedAts[i] = c.DocUpdatedAt
		texts[i] = c.Content
	}

	_, err := idx.client.milvus.Insert(ctx, collName, "",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnFloatVector("vector", idx.dimension, vectors),
		entity.NewColumnVarChar("scope_tag", scopeTags),
		entity.NewColumnVarChar("document_id", documentIDs),
		entity.NewColumnInt64("chunk_seq", seqs),
		entity.NewColumnInt64("doc_updated_at", updatedAts),
		entity.NewColumnVarChar("text_content", texts),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	return nil
}

// columnsToChunks 将查询结果列还原为分块
func columnsToChunks(rs client.ResultSet) ([]*retrieval.IndexedChunk, error) {
	if len(rs) == 0 {
		return nil, nil
	}

	idCol, _ := rs.GetColumn("id").(*entity.ColumnVarChar)
	if idCol == nil {
		return nil, fmt.Errorf("missing id column in query result")
	}
	vecCol, _ := rs.GetColumn("vector").(*entity.ColumnFloatVector)
	docCol, _ := rs.GetColumn("document_id").(*entity.ColumnVarChar)
	seqCol, _ := rs.GetColumn("chunk_seq").(*entity.ColumnInt64)
	updatedCol, _ := rs.GetColumn("doc_updated_at").(*entity.ColumnInt64)
	textCol, _ := rs.GetColumn("text_content").(*entity.ColumnVarChar)

	chunks := make([]*retrieval.IndexedChunk, 0, idCol.Len())
	for i := 0; i < idCol.Len(); i++ {
		c := &retrieval.IndexedChunk{ID: idCol.Data()[i]}
		if vecCol != nil {
			c.Vector = vecCol.Data()[i]
		}
		if docCol != nil {
			c.DocumentID = docCol.Data()[i]
		}
		if seqCol != nil {
			c.Seq = int(seqCol.Data()[i])
		}
		if updatedCol != nil {
			c.DocUpdatedAt = updatedCol.Data()[i]
		}
		if textCol != nil {
			c.Content = textCol.Data()[i]
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// Package ingest 实现文档入库协调
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"ai-knowledge-assistant/internal/application/chunker"
	"ai-knowledge-assistant/internal/application/retrieval"
	"ai-knowledge-assistant/internal/domain/entity"
	"ai-knowledge-assistant/internal/domain/repository"
	apperrors "ai-knowledge-assistant/pkg/errors"
	"ai-knowledge-assistant/pkg/logger"
	"ai-knowledge-assistant/pkg/metrics"
)

var tracer = otel.Tracer("application.ingest")

// DefaultEmbeddingBatch 向量化批大小默认值
const DefaultEmbeddingBatch = 32

// maxEmbedConcurrency 同时在途的向量化批数上限
const maxEmbedConcurrency = 4

// Coordinator 入库协调器
// 同一文档同一时刻至多一次入库在途；内容未变化的重复入库是幂等空操作；
// 向量化全部成功后才替换索引，失败时索引保持上一次成功的状态
type Coordinator struct {
	docs     repository.DocumentRepository
	chunks   repository.ChunkRepository
	splitter *chunker.Chunker
	embedder retrieval.Embedder
	index    retrieval.VectorIndex

	embeddingBatch int

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewCoordinator 创建入库协调器
func NewCoordinator(
	docs repository.DocumentRepository,
	chunks repository.ChunkRepository,
	splitter *chunker.Chunker,
	embedder retrieval.Embedder,
	index retrieval.VectorIndex,
	embeddingBatch int,
) *Coordinator {
	if embeddingBatch <= 0 {
		embeddingBatch = DefaultEmbeddingBatch
	}
	return &Coordinator{
		docs:           docs,
		chunks:         chunks,
		splitter:       splitter,
		embedder:       embedder,
		index:          index,
		embeddingBatch: embeddingBatch,
		inFlight:       make(map[string]struct{}),
	}
}

// Ingest 处理文档入库
// 文档的提取文本已就绪；内容哈希与上次相同且处理成功时直接返回
func (c *Coordinator) Ingest(ctx context.Context, documentID string) error {
	return c.ingest(ctx, documentID, false)
}

// Reingest 强制重建文档索引，即使内容哈希未变化
func (c *Coordinator) Reingest(ctx context.Context, documentID string) error {
	return c.ingest(ctx, documentID, true)
}

func (c *Coordinator) ingest(ctx context.Context, documentID string, force bool) error {
	ctx, span := tracer.Start(ctx, "ingest.Ingest",
		trace.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.Bool("ingest.force", force),
		))
	defer span.End()

	if !c.acquire(documentID) {
		span.SetAttributes(attribute.Bool("ingest.busy", true))
		return apperrors.ErrIngestionBusy.WithDetail(fmt.Sprintf("document %s is being processed", documentID))
	}
	defer c.release(documentID)

	start := time.Now()
	status := "success"
	defer func() {
		metrics.IngestionTotal.WithLabelValues(status).Inc()
		metrics.IngestionDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	doc, err := c.docs.GetByID(ctx, documentID)
	if err != nil {
		status = "error"
		span.RecordError(err)
		return apperrors.ErrDocumentNotFound.WithError(err)
	}

	hash := ContentHash(doc.ExtractedText)
	if !force && doc.Status == entity.DocumentStatusCompleted && doc.ContentHash == hash {
		status = "noop"
		logger.Info(ctx, "document content unchanged, skipping ingestion",
			"document_id", documentID)
		return nil
	}

	doc.MarkProcessing()
	if err := c.docs.Update(ctx, doc); err != nil {
		status = "error"
		span.RecordError(err)
		return fmt.Errorf("failed to mark document processing: %w", err)
	}

	if err := c.process(ctx, doc, hash); err != nil {
		status = "error"
		span.RecordError(err)
		doc.MarkFailed(err.Error())
		if updateErr := c.docs.Update(ctx, doc); updateErr != nil {
			logger.Error(ctx, "failed to record ingestion failure", updateErr,
				"document_id", documentID)
		}
		return err
	}

	return nil
}

// process 执行分块、向量化与索引替换
// 索引替换放在全部向量化成功之后，保证失败不破坏已有索引
func (c *Coordinator) process(ctx context.Context, doc *entity.Document, hash string) error {
	pieces, err := c.splitter.Split(doc.ExtractedText)
	if err != nil {
		return fmt.Errorf("failed to split document: %w", err)
	}

	chunks := make([]*entity.Chunk, 0, len(pieces))
	texts := make([]string, 0, len(pieces))
	for _, p := range pieces {
		chunks = append(chunks, entity.NewChunk(doc.ID, p.Seq, p.Content, p.TokenCount))
		texts = append(texts, p.Content)
	}

	vectors, err := c.embedAll(ctx, texts)
	if err != nil {
		return apperrors.ErrEmbeddingUnavailable.WithError(err)
	}

	docUpdatedAt := time.Now().UnixMilli()
	indexed := make([]*retrieval.IndexedChunk, 0, len(chunks))
	for i, ch := range chunks {
		indexed = append(indexed, &retrieval.IndexedChunk{
			ID:           ch.ID,
			DocumentID:   doc.ID,
			Seq:          ch.Seq,
			ScopeTag:     doc.ScopeTag,
			DocUpdatedAt: docUpdatedAt,
			Content:      ch.Content,
			Vector:       vectors[i],
		})
	}

	if err := c.index.ReplaceDocument(ctx, doc.ID, indexed); err != nil {
		return apperrors.ErrVectorIndexUnavailable.WithError(err)
	}

	if err := c.chunks.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("failed to delete old chunks: %w", err)
	}
	if len(chunks) > 0 {
		if err := c.chunks.BatchCreate(ctx, chunks); err != nil {
			return fmt.Errorf("failed to persist chunks: %w", err)
		}
	}

	doc.MarkCompleted(hash, len(chunks))
	if err := c.docs.Update(ctx, doc); err != nil {
		return fmt.Errorf("failed to mark document completed: %w", err)
	}

	metrics.IngestionChunks.Observe(float64(len(chunks)))
	logger.Info(ctx, "document ingested",
		"document_id", doc.ID, "chunks", len(chunks))
	return nil
}

// embedAll 并发批量向量化全部分块，任一批失败则整体失败
func (c *Coordinator) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxEmbedConcurrency)
	for start := 0; start < len(texts); start += c.embeddingBatch {
		start := start
		end := start + c.embeddingBatch
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			batch, err := c.embedder.EmbedTexts(ctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("failed to embed batch at offset %d: %w", start, err)
			}
			if len(batch) != end-start {
				return fmt.Errorf("embedding count mismatch: got %d, want %d", len(batch), end-start)
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Remove 移除文档的索引与分块
func (c *Coordinator) Remove(ctx context.Context, documentID string) error {
	ctx, span := tracer.Start(ctx, "ingest.Remove",
		trace.WithAttributes(attribute.String("document.id", documentID)))
	defer span.End()

	if !c.acquire(documentID) {
		return apperrors.ErrIngestionBusy.WithDetail(fmt.Sprintf("document %s is being processed", documentID))
	}
	defer c.release(documentID)

	if err := c.index.RemoveDocument(ctx, documentID); err != nil {
		span.RecordError(err)
		return apperrors.ErrVectorIndexUnavailable.WithError(err)
	}
	if err := c.chunks.DeleteByDocument(ctx, documentID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// UpdateScope 更新文档索引的范围标签
func (c *Coordinator) UpdateScope(ctx context.Context, documentID, scopeTag string) error {
	if err := c.index.UpdateScope(ctx, documentID, scopeTag); err != nil {
		return apperrors.ErrVectorIndexUnavailable.WithError(err)
	}
	return nil
}

// acquire 获取文档级入库许可
func (c *Coordinator) acquire(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[documentID]; busy {
		return false
	}
	c.inFlight[documentID] = struct{}{}
	return true
}

// release 释放文档级入库许可
func (c *Coordinator) release(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, documentID)
}

// ContentHash 计算提取文本的内容哈希
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

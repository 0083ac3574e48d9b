package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-knowledge-assistant/internal/application/chunker"
	"ai-knowledge-assistant/internal/application/retrieval"
	"ai-knowledge-assistant/internal/domain/entity"
	"ai-knowledge-assistant/internal/domain/repository"
	apperrors "ai-knowledge-assistant/pkg/errors"
)

type memDocRepo struct {
	mu   sync.Mutex
	docs map[string]*entity.Document
}

func newMemDocRepo(docs ...*entity.Document) *memDocRepo {
	r := &memDocRepo{docs: map[string]*entity.Document{}}
	for _, d := range docs {
		copied := *d
		r.docs[d.ID] = &copied
	}
	return r
}

func (r *memDocRepo) Create(ctx context.Context, doc *entity.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *doc
	r.docs[doc.ID] = &copied
	return nil
}

func (r *memDocRepo) GetByID(ctx context.Context, id string) (*entity.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, errors.New("document not found")
	}
	copied := *d
	return &copied, nil
}

func (r *memDocRepo) List(ctx context.Context, filter repository.DocumentFilter, p repository.Pagination) (*repository.PagedResult[*entity.Document], error) {
	return nil, errors.New("not implemented")
}

func (r *memDocRepo) Update(ctx context.Context, doc *entity.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *doc
	r.docs[doc.ID] = &copied
	return nil
}

func (r *memDocRepo) UpdateStatus(ctx context.Context, id string, status entity.DocumentStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[id]; ok {
		d.Status = status
		d.ErrorMessage = errMsg
	}
	return nil
}

func (r *memDocRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}

type memChunkRepo struct {
	mu     sync.Mutex
	chunks map[string][]*entity.Chunk
}

func newMemChunkRepo() *memChunkRepo {
	return &memChunkRepo{chunks: map[string][]*entity.Chunk{}}
}

func (r *memChunkRepo) BatchCreate(ctx context.Context, chunks []*entity.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chunks {
		r.chunks[c.DocumentID] = append(r.chunks[c.DocumentID], c)
	}
	return nil
}

func (r *memChunkRepo) GetByID(ctx context.Context, id string) (*entity.Chunk, error) {
	return nil, errors.New("not implemented")
}

func (r *memChunkRepo) ListByDocument(ctx context.Context, documentID string) ([]*entity.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunks[documentID], nil
}

func (r *memChunkRepo) DeleteByDocument(ctx context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chunks, documentID)
	return nil
}

// blockingEmbedder 可在向量化时阻塞，用于并发测试
type blockingEmbedder struct {
	mu      sync.Mutex
	calls   int
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *blockingEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
		f.started = nil
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *blockingEmbedder) Dimension() int { return 3 }

func (f *blockingEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingIndex struct {
	mu       sync.Mutex
	replaced map[string][]*retrieval.IndexedChunk
	removed  []string
	scopes   map[string]string
	err      error
}

func newRecordingIndex() *recordingIndex {
	return &recordingIndex{
		replaced: map[string][]*retrieval.IndexedChunk{},
		scopes:   map[string]string{},
	}
}

func (r *recordingIndex) Upsert(ctx context.Context, chunks []*retrieval.IndexedChunk) error {
	return r.err
}

func (r *recordingIndex) ReplaceDocument(ctx context.Context, documentID string, chunks []*retrieval.IndexedChunk) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaced[documentID] = chunks
	return nil
}

func (r *recordingIndex) RemoveDocument(ctx context.Context, documentID string) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, documentID)
	delete(r.replaced, documentID)
	return nil
}

func (r *recordingIndex) UpdateScope(ctx context.Context, documentID, scopeTag string) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes[documentID] = scopeTag
	return nil
}

func (r *recordingIndex) Search(ctx context.Context, vector []float32, scopeTags []string, limit int) ([]*retrieval.SearchResult, error) {
	return nil, nil
}

func (r *recordingIndex) replacedChunks(documentID string) []*retrieval.IndexedChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replaced[documentID]
}

func testDocument(text string) *entity.Document {
	doc := entity.NewDocument("owner-1", "测试文档", entity.SourceTypeText, entity.GlobalScope())
	doc.ExtractedText = text
	return doc
}

func newTestCoordinator(docs *memDocRepo, chunks *memChunkRepo, embedder retrieval.Embedder, index retrieval.VectorIndex) *Coordinator {
	return NewCoordinator(docs, chunks, chunker.New(100, 10), embedder, index, 2)
}

func TestCoordinator_Ingest(t *testing.T) {
	ctx := context.Background()

	t.Run("入库成功后文档状态与索引一致", func(t *testing.T) {
		doc := testDocument(strings.Repeat("知识入库流程测试。", 40))
		docs := newMemDocRepo(doc)
		chunkRepo := newMemChunkRepo()
		index := newRecordingIndex()
		c := newTestCoordinator(docs, chunkRepo, &blockingEmbedder{}, index)

		require.NoError(t, c.Ingest(ctx, doc.ID))

		stored, err := docs.GetByID(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.DocumentStatusCompleted, stored.Status)
		assert.Equal(t, ContentHash(doc.ExtractedText), stored.ContentHash)
		assert.NotNil(t, stored.ProcessedAt)
		assert.Positive(t, stored.ChunkCount)

		indexed := index.replacedChunks(doc.ID)
		require.Len(t, indexed, stored.ChunkCount)
		for _, ch := range indexed {
			assert.Equal(t, "global", ch.ScopeTag)
			assert.Equal(t, doc.ID, ch.DocumentID)
		}

		persisted, err := chunkRepo.ListByDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Len(t, persisted, stored.ChunkCount)
	})

	t.Run("内容未变化时为幂等空操作", func(t *testing.T) {
		doc := testDocument("unchanged content")
		docs := newMemDocRepo(doc)
		index := newRecordingIndex()
		embedder := &blockingEmbedder{}
		c := newTestCoordinator(docs, newMemChunkRepo(), embedder, index)

		require.NoError(t, c.Ingest(ctx, doc.ID))
		firstCalls := embedder.callCount()

		require.NoError(t, c.Ingest(ctx, doc.ID))
		assert.Equal(t, firstCalls, embedder.callCount())
	})

	t.Run("强制重建时跳过内容哈希短路", func(t *testing.T) {
		doc := testDocument("unchanged content")
		docs := newMemDocRepo(doc)
		embedder := &blockingEmbedder{}
		c := newTestCoordinator(docs, newMemChunkRepo(), embedder, newRecordingIndex())

		require.NoError(t, c.Ingest(ctx, doc.ID))
		firstCalls := embedder.callCount()

		require.NoError(t, c.Reingest(ctx, doc.ID))
		assert.Greater(t, embedder.callCount(), firstCalls)
	})

	t.Run("同一文档并发入库返回忙错误", func(t *testing.T) {
		doc := testDocument("concurrent ingestion test content")
		docs := newMemDocRepo(doc)
		embedder := &blockingEmbedder{
			started: make(chan struct{}),
			release: make(chan struct{}),
		}
		started := embedder.started
		c := newTestCoordinator(docs, newMemChunkRepo(), embedder, newRecordingIndex())

		firstDone := make(chan error, 1)
		go func() {
			firstDone <- c.Ingest(ctx, doc.ID)
		}()

		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("first ingestion did not start")
		}

		err := c.Ingest(ctx, doc.ID)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrIngestionBusy))

		close(embedder.release)
		require.NoError(t, <-firstDone)

		// 首次完成后可以再次入库
		err = c.Ingest(ctx, doc.ID)
		assert.NoError(t, err)
	})

	t.Run("向量化失败时索引保持上一次成功状态", func(t *testing.T) {
		doc := testDocument("original content for the index")
		docs := newMemDocRepo(doc)
		index := newRecordingIndex()
		good := &blockingEmbedder{}
		c := newTestCoordinator(docs, newMemChunkRepo(), good, index)
		require.NoError(t, c.Ingest(ctx, doc.ID))
		lastGood := index.replacedChunks(doc.ID)
		require.NotEmpty(t, lastGood)

		// 修改内容后用失败的 embedder 重新入库
		stored, err := docs.GetByID(ctx, doc.ID)
		require.NoError(t, err)
		stored.ExtractedText = "changed content that fails to embed"
		require.NoError(t, docs.Update(ctx, stored))

		bad := &blockingEmbedder{err: errors.New("embedding service down")}
		failing := newTestCoordinator(docs, newMemChunkRepo(), bad, index)
		err = failing.Ingest(ctx, doc.ID)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrEmbeddingUnavailable))

		after, err := docs.GetByID(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.DocumentStatusFailed, after.Status)
		assert.NotEmpty(t, after.ErrorMessage)

		// 索引内容未被破坏
		assert.Equal(t, lastGood, index.replacedChunks(doc.ID))
	})

	t.Run("文档不存在返回可识别错误", func(t *testing.T) {
		c := newTestCoordinator(newMemDocRepo(), newMemChunkRepo(), &blockingEmbedder{}, newRecordingIndex())

		err := c.Ingest(ctx, "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrDocumentNotFound))
	})
}

func TestCoordinator_Remove(t *testing.T) {
	ctx := context.Background()

	t.Run("移除后索引与分块均被清理", func(t *testing.T) {
		doc := testDocument("content to be removed later on")
		docs := newMemDocRepo(doc)
		chunkRepo := newMemChunkRepo()
		index := newRecordingIndex()
		c := newTestCoordinator(docs, chunkRepo, &blockingEmbedder{}, index)
		require.NoError(t, c.Ingest(ctx, doc.ID))

		require.NoError(t, c.Remove(ctx, doc.ID))
		assert.Empty(t, index.replacedChunks(doc.ID))
		persisted, err := chunkRepo.ListByDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Empty(t, persisted)
	})
}

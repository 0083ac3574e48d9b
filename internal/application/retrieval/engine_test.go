package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ai-knowledge-assistant/pkg/errors"
)

type fakeScopeResolver struct {
	tags map[string][]string
	err  error
}

func (f *fakeScopeResolver) ResolveScopeTags(ctx context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tags[userID], nil
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }

// fakeIndex 按范围标签过滤预置结果
type fakeIndex struct {
	results   []*SearchResult
	lastTags  []string
	lastLimit int
	err       error
}

func (f *fakeIndex) Upsert(ctx context.Context, chunks []*IndexedChunk) error { return nil }

func (f *fakeIndex) ReplaceDocument(ctx context.Context, documentID string, chunks []*IndexedChunk) error {
	return nil
}

func (f *fakeIndex) RemoveDocument(ctx context.Context, documentID string) error { return nil }

func (f *fakeIndex) UpdateScope(ctx context.Context, documentID, scopeTag string) error { return nil }

func (f *fakeIndex) Search(ctx context.Context, vector []float32, scopeTags []string, limit int) ([]*SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastTags = scopeTags
	f.lastLimit = limit
	allowed := make(map[string]bool, len(scopeTags))
	for _, t := range scopeTags {
		allowed[t] = true
	}
	var out []*SearchResult
	for _, r := range f.results {
		if allowed[r.ScopeTag] {
			out = append(out, r)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func result(chunkID, docID string, seq int, scopeTag string, score float64, docUpdatedAt int64) *SearchResult {
	return &SearchResult{
		ChunkID:      chunkID,
		DocumentID:   docID,
		Seq:          seq,
		ScopeTag:     scopeTag,
		DocUpdatedAt: docUpdatedAt,
		Content:      "content of " + chunkID,
		Score:        score,
	}
}

func TestEngine_Retrieve(t *testing.T) {
	ctx := context.Background()

	t.Run("结果不包含用户范围之外的分块", func(t *testing.T) {
		index := &fakeIndex{results: []*SearchResult{
			result("c1", "d1", 0, "personal:u1", 0.95, 100),
			result("c2", "d2", 0, "global", 0.80, 100),
		}}
		scopes := &fakeScopeResolver{tags: map[string][]string{
			"u1": {"global", "personal:u1"},
			"u2": {"global", "personal:u2"},
		}}
		engine := NewEngine(&fakeEmbedder{}, index, scopes, 3)

		// u1 能检索到本人的私有分块
		got, err := engine.Retrieve(ctx, QueryInput{UserID: "u1", Query: "query", TopK: 5})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "c1", got[0].ChunkID)

		// u2 的结果只含 global，绝不含 u1 的私有分块
		got, err = engine.Retrieve(ctx, QueryInput{UserID: "u2", Query: "query", TopK: 5})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "c2", got[0].ChunkID)
	})

	t.Run("按超额系数召回", func(t *testing.T) {
		index := &fakeIndex{}
		scopes := &fakeScopeResolver{tags: map[string][]string{"u1": {"global"}}}
		engine := NewEngine(&fakeEmbedder{}, index, scopes, 3)

		_, err := engine.Retrieve(ctx, QueryInput{UserID: "u1", Query: "query", TopK: 5})
		require.NoError(t, err)
		assert.Equal(t, 15, index.lastLimit)
		assert.Equal(t, []string{"global"}, index.lastTags)
	})

	t.Run("同一文档最多保留两个分块", func(t *testing.T) {
		index := &fakeIndex{results: []*SearchResult{
			result("c1", "d1", 0, "global", 0.95, 100),
			result("c2", "d1", 1, "global", 0.90, 100),
			result("c3", "d1", 2, "global", 0.85, 100),
			result("c4", "d2", 0, "global", 0.70, 100),
		}}
		scopes := &fakeScopeResolver{tags: map[string][]string{"u1": {"global"}}}
		engine := NewEngine(&fakeEmbedder{}, index, scopes, 3)

		got, err := engine.Retrieve(ctx, QueryInput{UserID: "u1", Query: "query", TopK: 5})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "c1", got[0].ChunkID)
		assert.Equal(t, "c2", got[1].ChunkID)
		assert.Equal(t, "c4", got[2].ChunkID)
	})

	t.Run("范围集合为空时返回空结果且不调用向量化", func(t *testing.T) {
		embedder := &fakeEmbedder{}
		scopes := &fakeScopeResolver{tags: map[string][]string{}}
		engine := NewEngine(embedder, &fakeIndex{}, scopes, 3)

		got, err := engine.Retrieve(ctx, QueryInput{UserID: "nobody", Query: "query", TopK: 5})
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, 0, embedder.calls)
	})

	t.Run("项目范围提示在可见范围内收窄检索", func(t *testing.T) {
		index := &fakeIndex{results: []*SearchResult{
			result("c1", "d1", 0, "personal:u1", 0.95, 100),
			result("c2", "d2", 0, "project:p1", 0.80, 100),
			result("c3", "d3", 0, "global", 0.70, 100),
		}}
		scopes := &fakeScopeResolver{tags: map[string][]string{
			"u1": {"global", "personal:u1", "project:p1"},
		}}
		engine := NewEngine(&fakeEmbedder{}, index, scopes, 3)

		got, err := engine.Retrieve(ctx, QueryInput{UserID: "u1", Query: "query", TopK: 5, ProjectScope: "p1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "c2", got[0].ChunkID)
		assert.Equal(t, []string{"project:p1"}, index.lastTags)
	})

	t.Run("范围提示超出可见范围时静默返回空结果", func(t *testing.T) {
		embedder := &fakeEmbedder{}
		index := &fakeIndex{results: []*SearchResult{
			result("c1", "d1", 0, "project:p9", 0.95, 100),
		}}
		scopes := &fakeScopeResolver{tags: map[string][]string{
			"u1": {"global", "personal:u1"},
		}}
		engine := NewEngine(embedder, index, scopes, 3)

		got, err := engine.Retrieve(ctx, QueryInput{UserID: "u1", Query: "query", TopK: 5, ProjectScope: "p9"})
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, 0, embedder.calls)
	})

	t.Run("向量化失败返回可识别错误", func(t *testing.T) {
		embedder := &fakeEmbedder{err: errors.New("connection refused")}
		scopes := &fakeScopeResolver{tags: map[string][]string{"u1": {"global"}}}
		engine := NewEngine(embedder, &fakeIndex{}, scopes, 3)

		_, err := engine.Retrieve(ctx, QueryInput{UserID: "u1", Query: "query", TopK: 5})
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrEmbeddingUnavailable))
	})

	t.Run("索引不可用立即失败", func(t *testing.T) {
		index := &fakeIndex{err: errors.New("index down")}
		scopes := &fakeScopeResolver{tags: map[string][]string{"u1": {"global"}}}
		engine := NewEngine(&fakeEmbedder{}, index, scopes, 3)

		_, err := engine.Retrieve(ctx, QueryInput{UserID: "u1", Query: "query", TopK: 5})
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrVectorIndexUnavailable))
	})

	t.Run("空查询返回错误", func(t *testing.T) {
		scopes := &fakeScopeResolver{tags: map[string][]string{"u1": {"global"}}}
		engine := NewEngine(&fakeEmbedder{}, &fakeIndex{}, scopes, 3)

		_, err := engine.Retrieve(ctx, QueryInput{UserID: "u1", Query: "   ", TopK: 5})
		assert.Error(t, err)
	})

	t.Run("相同得分按文档更新时间与分块序号确定排序", func(t *testing.T) {
		index := &fakeIndex{results: []*SearchResult{
			result("old", "d-old", 3, "global", 0.9, 100),
			result("new", "d-new", 1, "global", 0.9, 200),
			result("new-later", "d-new", 5, "global", 0.9, 200),
		}}
		scopes := &fakeScopeResolver{tags: map[string][]string{"u1": {"global"}}}
		engine := NewEngine(&fakeEmbedder{}, index, scopes, 3)

		for i := 0; i < 5; i++ {
			got, err := engine.Retrieve(ctx, QueryInput{UserID: "u1", Query: "query", TopK: 3})
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "new", got[0].ChunkID)
			assert.Equal(t, "new-later", got[1].ChunkID)
			assert.Equal(t, "old", got[2].ChunkID)
		}
	})
}

package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-knowledge-assistant/internal/application/chunker"
	"ai-knowledge-assistant/internal/application/contextbuilder"
	"ai-knowledge-assistant/internal/application/extraction"
	"ai-knowledge-assistant/internal/application/ingest"
	"ai-knowledge-assistant/internal/application/retrieval"
	"ai-knowledge-assistant/internal/domain/entity"
	"ai-knowledge-assistant/internal/domain/repository"
	"ai-knowledge-assistant/internal/infrastructure/llm"
	"ai-knowledge-assistant/internal/infrastructure/vectorindex/memory"
	apperrors "ai-knowledge-assistant/pkg/errors"
)

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*entity.User
}

func newFakeUserRepo(users ...*entity.User) *fakeUserRepo {
	r := &fakeUserRepo{users: make(map[string]*entity.User)}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *fakeUserRepo) Create(_ context.Context, u *entity.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
	return nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id string) (*entity.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	return u, nil
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*entity.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, apperrors.ErrUserNotFound
}

func (r *fakeUserRepo) Update(_ context.Context, u *entity.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
	return nil
}

type fakeDocRepo struct {
	mu   sync.Mutex
	docs map[string]*entity.Document
}

func newFakeDocRepo() *fakeDocRepo {
	return &fakeDocRepo{docs: make(map[string]*entity.Document)}
}

func (r *fakeDocRepo) Create(_ context.Context, doc *entity.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *doc
	r.docs[doc.ID] = &clone
	return nil
}

func (r *fakeDocRepo) GetByID(_ context.Context, id string) (*entity.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, apperrors.ErrDocumentNotFound
	}
	clone := *doc
	return &clone, nil
}

func (r *fakeDocRepo) List(_ context.Context, filter repository.DocumentFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.Document], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*entity.Document
	for _, doc := range r.docs {
		if filter.OwnerID != "" && doc.OwnerID != filter.OwnerID {
			continue
		}
		if filter.ScopeTag != "" && doc.ScopeTag != filter.ScopeTag {
			continue
		}
		clone := *doc
		items = append(items, &clone)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return repository.NewPagedResult(items, int64(len(items)), pagination), nil
}

func (r *fakeDocRepo) Update(_ context.Context, doc *entity.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[doc.ID]; !ok {
		return apperrors.ErrDocumentNotFound
	}
	clone := *doc
	r.docs[doc.ID] = &clone
	return nil
}

func (r *fakeDocRepo) UpdateStatus(_ context.Context, id string, status entity.DocumentStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return apperrors.ErrDocumentNotFound
	}
	doc.Status = status
	doc.ErrorMessage = errMsg
	return nil
}

func (r *fakeDocRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}

type fakeChunkRepo struct {
	mu     sync.Mutex
	chunks map[string][]*entity.Chunk
}

func newFakeChunkRepo() *fakeChunkRepo {
	return &fakeChunkRepo{chunks: make(map[string][]*entity.Chunk)}
}

func (r *fakeChunkRepo) BatchCreate(_ context.Context, chunks []*entity.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range chunks {
		r.chunks[ch.DocumentID] = append(r.chunks[ch.DocumentID], ch)
	}
	return nil
}

func (r *fakeChunkRepo) GetByID(_ context.Context, id string) (*entity.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.chunks {
		for _, ch := range list {
			if ch.ID == id {
				return ch, nil
			}
		}
	}
	return nil, apperrors.ErrChunkNotFound
}

func (r *fakeChunkRepo) ListByDocument(_ context.Context, documentID string) ([]*entity.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunks[documentID], nil
}

func (r *fakeChunkRepo) DeleteByDocument(_ context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chunks, documentID)
	return nil
}

type fakeConversationRepo struct {
	mu       sync.Mutex
	convs    map[string]*entity.Conversation
	messages map[string][]*entity.Message
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{
		convs:    make(map[string]*entity.Conversation),
		messages: make(map[string][]*entity.Message),
	}
}

func (r *fakeConversationRepo) Create(_ context.Context, conv *entity.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[conv.ID] = conv
	return nil
}

func (r *fakeConversationRepo) GetByID(_ context.Context, id string) (*entity.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[id]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	return conv, nil
}

func (r *fakeConversationRepo) ListByUser(_ context.Context, userID string, pagination repository.Pagination) (*repository.PagedResult[*entity.Conversation], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*entity.Conversation
	for _, conv := range r.convs {
		if conv.UserID == userID {
			items = append(items, conv)
		}
	}
	return repository.NewPagedResult(items, int64(len(items)), pagination), nil
}

func (r *fakeConversationRepo) Update(_ context.Context, conv *entity.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[conv.ID] = conv
	return nil
}

func (r *fakeConversationRepo) AppendMessage(_ context.Context, msg *entity.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], msg)
	return nil
}

func (r *fakeConversationRepo) ListMessages(_ context.Context, conversationID string, limit int) ([]*entity.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (r *fakeConversationRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, id)
	delete(r.messages, id)
	return nil
}

// keywordEmbedder 按关键词命中生成固定方向向量，便于断言相关性排序
type keywordEmbedder struct{}

func (keywordEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v := []float32{0, 0, 0, 1}
		switch {
		case strings.Contains(t, "报销"):
			v = []float32{1, 0, 0, 0}
		case strings.Contains(t, "考勤"):
			v = []float32{0, 1, 0, 0}
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}

func (keywordEmbedder) Dimension() int { return 4 }

type staticScopeResolver struct {
	tags map[string][]string
}

func (r *staticScopeResolver) ResolveScopeTags(_ context.Context, userID string) ([]string, error) {
	return r.tags[userID], nil
}

type cannedGenerator struct {
	mu       sync.Mutex
	answer   string
	lastMsgs []llm.Message
}

func (g *cannedGenerator) Generate(_ context.Context, messages []llm.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastMsgs = messages
	return g.answer, nil
}

type serviceFixture struct {
	svc       *Service
	docs      *fakeDocRepo
	chunks    *fakeChunkRepo
	convs     *fakeConversationRepo
	generator *cannedGenerator
}

func newServiceFixture(t *testing.T, users *fakeUserRepo, scopes *staticScopeResolver) *serviceFixture {
	t.Helper()

	docs := newFakeDocRepo()
	chunks := newFakeChunkRepo()
	convs := newFakeConversationRepo()
	index := memory.NewIndex(4)
	embedder := keywordEmbedder{}
	generator := &cannedGenerator{answer: "根据资料 [1]，流程如下。"}

	coordinator := ingest.NewCoordinator(docs, chunks, chunker.New(100, 20), embedder, index, 0)
	engine := retrieval.NewEngine(embedder, index, scopes, 0)
	assembler := contextbuilder.NewAssembler(500)

	svc := NewService(
		users, docs, chunks, convs,
		extraction.NewRegistry(),
		coordinator, engine, assembler,
		generator,
		nil, // 同步摄取
		0,
	)
	return &serviceFixture{svc: svc, docs: docs, chunks: chunks, convs: convs, generator: generator}
}

func TestServiceCreateDocumentAndAsk(t *testing.T) {
	users := newFakeUserRepo(
		&entity.User{ID: "u1", Role: entity.UserRoleUser},
	)
	scopes := &staticScopeResolver{tags: map[string][]string{
		"u1": {"global", "personal:u1"},
	}}
	f := newServiceFixture(t, users, scopes)
	ctx := context.Background()

	doc, err := f.svc.CreateDocument(ctx, CreateDocumentInput{
		OwnerID:    "u1",
		Title:      "财务制度",
		SourceType: entity.SourceTypeText,
		Scope:      entity.GlobalScope(),
		Content:    strings.NewReader("差旅报销需在出差结束后七日内提交申请。"),
	})
	require.NoError(t, err)

	stored, err := f.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusCompleted, stored.Status)
	assert.NotEmpty(t, stored.ContentHash)

	answer, err := f.svc.Ask(ctx, AskInput{UserID: "u1", Question: "报销流程是什么"})
	require.NoError(t, err)
	assert.NotEmpty(t, answer.ConversationID)
	assert.Equal(t, f.generator.answer, answer.Content)
	require.NotEmpty(t, answer.Citations)
	assert.Equal(t, doc.ID, answer.Citations[0].DocumentID)
	assert.Equal(t, "财务制度", answer.Citations[0].DocumentTitle)

	// 系统提示中应包含参考资料，且每条引用标注来源文档名
	require.NotEmpty(t, f.generator.lastMsgs)
	assert.Contains(t, f.generator.lastMsgs[0].Content, "报销")
	assert.Contains(t, f.generator.lastMsgs[0].Content, "[Source: 财务制度]")
}

func TestServiceAskProjectScopeHint(t *testing.T) {
	users := newFakeUserRepo(&entity.User{ID: "u1", Role: entity.UserRoleUser})
	scopes := &staticScopeResolver{tags: map[string][]string{
		"u1": {"global", "personal:u1", "project:p1"},
	}}
	f := newServiceFixture(t, users, scopes)
	ctx := context.Background()

	globalDoc, err := f.svc.CreateDocument(ctx, CreateDocumentInput{
		OwnerID:    "u1",
		Title:      "全员财务制度",
		SourceType: entity.SourceTypeText,
		Scope:      entity.GlobalScope(),
		Content:    strings.NewReader("差旅报销的全员规定。"),
	})
	require.NoError(t, err)

	projectDoc, err := f.svc.CreateDocument(ctx, CreateDocumentInput{
		OwnerID:    "u1",
		Title:      "项目报销细则",
		SourceType: entity.SourceTypeText,
		Scope:      entity.ProjectScope("p1"),
		Content:    strings.NewReader("本项目的差旅报销细则。"),
	})
	require.NoError(t, err)

	// 不带提示时两个范围的文档都可命中
	answer, err := f.svc.Ask(ctx, AskInput{UserID: "u1", Question: "报销流程是什么"})
	require.NoError(t, err)
	docIDs := make(map[string]bool)
	for _, c := range answer.Citations {
		docIDs[c.DocumentID] = true
	}
	assert.True(t, docIDs[globalDoc.ID])
	assert.True(t, docIDs[projectDoc.ID])

	// 提示收窄到项目范围后只命中项目文档
	answer, err = f.svc.Ask(ctx, AskInput{UserID: "u1", Question: "报销流程是什么", ProjectScope: "p1"})
	require.NoError(t, err)
	require.NotEmpty(t, answer.Citations)
	for _, c := range answer.Citations {
		assert.Equal(t, projectDoc.ID, c.DocumentID)
	}

	// 提示超出可见范围时静默返回空引用，既不报错也不扩大访问
	answer, err = f.svc.Ask(ctx, AskInput{UserID: "u1", Question: "报销流程是什么", ProjectScope: "p9"})
	require.NoError(t, err)
	assert.Empty(t, answer.Citations)
}

func TestServiceCreateDocumentRejectsForeignPersonalScope(t *testing.T) {
	users := newFakeUserRepo(&entity.User{ID: "u1", Role: entity.UserRoleUser})
	f := newServiceFixture(t, users, &staticScopeResolver{})

	_, err := f.svc.CreateDocument(context.Background(), CreateDocumentInput{
		OwnerID:    "u1",
		Title:      "doc",
		SourceType: entity.SourceTypeText,
		Scope:      entity.PersonalScope("u2"),
		Content:    strings.NewReader("content"),
	})
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestServiceAskScopeIsolation(t *testing.T) {
	users := newFakeUserRepo(
		&entity.User{ID: "u1", Role: entity.UserRoleUser},
		&entity.User{ID: "u2", Role: entity.UserRoleUser},
	)
	scopes := &staticScopeResolver{tags: map[string][]string{
		"u1": {"global", "personal:u1"},
		"u2": {"global", "personal:u2"},
	}}
	f := newServiceFixture(t, users, scopes)
	ctx := context.Background()

	_, err := f.svc.CreateDocument(ctx, CreateDocumentInput{
		OwnerID:    "u1",
		Title:      "私人笔记",
		SourceType: entity.SourceTypeText,
		Scope:      entity.PersonalScope("u1"),
		Content:    strings.NewReader("差旅报销的个人备忘。"),
	})
	require.NoError(t, err)

	answer, err := f.svc.Ask(ctx, AskInput{UserID: "u2", Question: "报销流程是什么"})
	require.NoError(t, err)
	assert.Empty(t, answer.Citations)
}

func TestServiceAskContinuesConversation(t *testing.T) {
	users := newFakeUserRepo(&entity.User{ID: "u1", Role: entity.UserRoleUser})
	scopes := &staticScopeResolver{tags: map[string][]string{
		"u1": {"global", "personal:u1"},
	}}
	f := newServiceFixture(t, users, scopes)
	ctx := context.Background()

	first, err := f.svc.Ask(ctx, AskInput{UserID: "u1", Question: "你好"})
	require.NoError(t, err)

	second, err := f.svc.Ask(ctx, AskInput{
		UserID:         "u1",
		ConversationID: first.ConversationID,
		Question:       "继续",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	msgs, err := f.convs.ListMessages(ctx, first.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, entity.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, entity.MessageRoleAssistant, msgs[1].Role)

	// 第二轮生成请求应带上第一轮历史
	assert.GreaterOrEqual(t, len(f.generator.lastMsgs), 4)
}

func TestServiceAskRejectsForeignConversation(t *testing.T) {
	users := newFakeUserRepo(
		&entity.User{ID: "u1", Role: entity.UserRoleUser},
		&entity.User{ID: "u2", Role: entity.UserRoleUser},
	)
	scopes := &staticScopeResolver{tags: map[string][]string{
		"u1": {"global", "personal:u1"},
		"u2": {"global", "personal:u2"},
	}}
	f := newServiceFixture(t, users, scopes)
	ctx := context.Background()

	first, err := f.svc.Ask(ctx, AskInput{UserID: "u1", Question: "你好"})
	require.NoError(t, err)

	_, err = f.svc.Ask(ctx, AskInput{
		UserID:         "u2",
		ConversationID: first.ConversationID,
		Question:       "窥探",
	})
	assert.ErrorIs(t, err, apperrors.ErrConversationNotFound)
}

func TestServiceDeleteDocumentAuthorization(t *testing.T) {
	users := newFakeUserRepo(
		&entity.User{ID: "owner", Role: entity.UserRoleUser},
		&entity.User{ID: "other", Role: entity.UserRoleUser},
		&entity.User{ID: "admin", Role: entity.UserRoleAdmin},
	)
	scopes := &staticScopeResolver{tags: map[string][]string{
		"owner": {"global", "personal:owner"},
	}}
	f := newServiceFixture(t, users, scopes)
	ctx := context.Background()

	doc, err := f.svc.CreateDocument(ctx, CreateDocumentInput{
		OwnerID:    "owner",
		Title:      "doc",
		SourceType: entity.SourceTypeText,
		Scope:      entity.GlobalScope(),
		Content:    strings.NewReader("报销内容若干。"),
	})
	require.NoError(t, err)

	err = f.svc.DeleteDocument(ctx, "other", doc.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	err = f.svc.DeleteDocument(ctx, "admin", doc.ID)
	require.NoError(t, err)

	_, err = f.docs.GetByID(ctx, doc.ID)
	assert.ErrorIs(t, err, apperrors.ErrDocumentNotFound)

	// 删除后不再被检索到
	answer, err := f.svc.Ask(ctx, AskInput{UserID: "owner", Question: "报销流程是什么"})
	require.NoError(t, err)
	assert.Empty(t, answer.Citations)
}

func TestServiceUpdateDocumentScope(t *testing.T) {
	users := newFakeUserRepo(
		&entity.User{ID: "u1", Role: entity.UserRoleUser},
		&entity.User{ID: "u2", Role: entity.UserRoleUser},
	)
	scopes := &staticScopeResolver{tags: map[string][]string{
		"u1": {"global", "personal:u1", "project:p1"},
		"u2": {"global", "personal:u2", "project:p1"},
	}}
	f := newServiceFixture(t, users, scopes)
	ctx := context.Background()

	doc, err := f.svc.CreateDocument(ctx, CreateDocumentInput{
		OwnerID:    "u1",
		Title:      "项目文档",
		SourceType: entity.SourceTypeText,
		Scope:      entity.PersonalScope("u1"),
		Content:    strings.NewReader("考勤打卡规则说明。"),
	})
	require.NoError(t, err)

	// 个人范围下 u2 不可见
	answer, err := f.svc.Ask(ctx, AskInput{UserID: "u2", Question: "考勤规则"})
	require.NoError(t, err)
	assert.Empty(t, answer.Citations)

	err = f.svc.UpdateDocumentScope(ctx, "u1", doc.ID, entity.ProjectScope("p1"))
	require.NoError(t, err)

	stored, err := f.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "project:p1", stored.ScopeTag)
	require.NotNil(t, stored.ProjectID)
	assert.Equal(t, "p1", *stored.ProjectID)

	// 项目成员现在可见
	answer, err = f.svc.Ask(ctx, AskInput{UserID: "u2", Question: "考勤规则"})
	require.NoError(t, err)
	require.NotEmpty(t, answer.Citations)
	assert.Equal(t, doc.ID, answer.Citations[0].DocumentID)
}

func TestServiceReingestRebuildsUnchangedDocument(t *testing.T) {
	users := newFakeUserRepo(&entity.User{ID: "u1", Role: entity.UserRoleUser})
	scopes := &staticScopeResolver{tags: map[string][]string{
		"u1": {"global", "personal:u1"},
	}}
	f := newServiceFixture(t, users, scopes)
	ctx := context.Background()

	doc, err := f.svc.CreateDocument(ctx, CreateDocumentInput{
		OwnerID:    "u1",
		Title:      "doc",
		SourceType: entity.SourceTypeText,
		Scope:      entity.GlobalScope(),
		Content:    strings.NewReader("报销内容。"),
	})
	require.NoError(t, err)

	before, err := f.chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	// 内容未变化时强制重建仍应生成新分块
	require.NoError(t, f.svc.ReingestDocument(ctx, "u1", doc.ID))

	after, err := f.chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	assert.NotEqual(t, before[0].ID, after[0].ID)

	stored, err := f.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusCompleted, stored.Status)
}

type stubRateLimiter struct {
	queryAllowed  bool
	ingestAllowed bool
}

func (l stubRateLimiter) AllowQuery(_ context.Context, _ string) (bool, error) {
	return l.queryAllowed, nil
}

func (l stubRateLimiter) AllowIngest(_ context.Context, _ string) (bool, error) {
	return l.ingestAllowed, nil
}

func TestServiceRateLimitExceeded(t *testing.T) {
	users := newFakeUserRepo(&entity.User{ID: "u1", Role: entity.UserRoleUser})
	scopes := &staticScopeResolver{tags: map[string][]string{
		"u1": {"global", "personal:u1"},
	}}
	f := newServiceFixture(t, users, scopes)
	f.svc.WithRateLimiter(stubRateLimiter{})
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, AskInput{UserID: "u1", Question: "报销流程是什么"})
	assert.ErrorIs(t, err, apperrors.ErrTooManyRequests)

	_, err = f.svc.CreateDocument(ctx, CreateDocumentInput{
		OwnerID:    "u1",
		Title:      "doc",
		SourceType: entity.SourceTypeText,
		Scope:      entity.GlobalScope(),
		Content:    strings.NewReader("content"),
	})
	assert.ErrorIs(t, err, apperrors.ErrTooManyRequests)
}

type recordingScheduler struct {
	mu           sync.Mutex
	scheduled    []string
	removed      []string
	scopeUpdates []string
}

func (s *recordingScheduler) Schedule(_ context.Context, documentID, _ string, reingest bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := documentID
	if reingest {
		key += ":reingest"
	}
	s.scheduled = append(s.scheduled, key)
	return nil
}

func (s *recordingScheduler) ScheduleRemove(_ context.Context, documentID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, documentID)
	return nil
}

func (s *recordingScheduler) ScheduleScopeUpdate(_ context.Context, documentID, _, scopeTag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopeUpdates = append(s.scopeUpdates, documentID+":"+scopeTag)
	return nil
}

func TestServiceSchedulerDelegation(t *testing.T) {
	users := newFakeUserRepo(&entity.User{ID: "u1", Role: entity.UserRoleUser})
	scopes := &staticScopeResolver{tags: map[string][]string{
		"u1": {"global", "personal:u1"},
	}}
	f := newServiceFixture(t, users, scopes)
	scheduler := &recordingScheduler{}
	f.svc.scheduler = scheduler
	ctx := context.Background()

	doc, err := f.svc.CreateDocument(ctx, CreateDocumentInput{
		OwnerID:    "u1",
		Title:      "doc",
		SourceType: entity.SourceTypeText,
		Scope:      entity.GlobalScope(),
		Content:    strings.NewReader("content"),
	})
	require.NoError(t, err)
	// 任务进入队列，文档保持待处理状态
	assert.Equal(t, []string{doc.ID}, scheduler.scheduled)
	stored, err := f.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentStatusPending, stored.Status)

	require.NoError(t, f.svc.ReingestDocument(ctx, "u1", doc.ID))
	assert.Equal(t, []string{doc.ID, doc.ID + ":reingest"}, scheduler.scheduled)

	require.NoError(t, f.svc.UpdateDocumentScope(ctx, "u1", doc.ID, entity.PersonalScope("u1")))
	assert.Equal(t, []string{doc.ID + ":personal:u1"}, scheduler.scopeUpdates)

	require.NoError(t, f.svc.DeleteDocument(ctx, "u1", doc.ID))
	assert.Equal(t, []string{doc.ID}, scheduler.removed)
	_, err = f.docs.GetByID(ctx, doc.ID)
	assert.Error(t, err)
}

func TestTrimHistory(t *testing.T) {
	turn := func(convID, q, a string) []*entity.Message {
		return []*entity.Message{
			entity.NewMessage(convID, entity.MessageRoleUser, q),
			entity.NewMessage(convID, entity.MessageRoleAssistant, a),
		}
	}

	var history []*entity.Message
	history = append(history, turn("c1", "one two three", "four five six")...)
	history = append(history, turn("c1", "seven eight", "nine ten")...)

	t.Run("预算充足时保留全部轮次", func(t *testing.T) {
		got := trimHistory(history, 100)
		assert.Len(t, got, 4)
	})

	t.Run("预算不足时丢弃较早的完整轮次", func(t *testing.T) {
		// 最近一轮 4 词，前一轮 6 词
		got := trimHistory(history, 5)
		require.Len(t, got, 2)
		assert.Equal(t, "seven eight", got[0].Content)
	})

	t.Run("预算为零时不带历史", func(t *testing.T) {
		assert.Empty(t, trimHistory(history, 0))
	})
}

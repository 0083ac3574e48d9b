// Package knowledge 提供知识库门面服务
// 聚合文档管理、检索问答与会话持久化，是各接口层的唯一入口
package knowledge

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ai-knowledge-assistant/internal/application/chunker"
	"ai-knowledge-assistant/internal/application/contextbuilder"
	"ai-knowledge-assistant/internal/application/extraction"
	"ai-knowledge-assistant/internal/application/ingest"
	"ai-knowledge-assistant/internal/application/retrieval"
	"ai-knowledge-assistant/internal/domain/entity"
	"ai-knowledge-assistant/internal/domain/repository"
	"ai-knowledge-assistant/internal/infrastructure/llm"
	apperrors "ai-knowledge-assistant/pkg/errors"
	"ai-knowledge-assistant/pkg/logger"
)

var tracer = otel.Tracer("application.knowledge")

// snippetRunes 引用摘要的最大长度
const snippetRunes = 200

// DefaultMaxHistoryTurns 默认带入生成的历史消息条数
const DefaultMaxHistoryTurns = 10

// Generator 回答生成接口
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
}

// IngestScheduler 摄取任务调度接口
// 为 nil 时摄取、移除与范围变更均在调用方协程内同步执行
type IngestScheduler interface {
	Schedule(ctx context.Context, documentID, userID string, reingest bool) error
	ScheduleRemove(ctx context.Context, documentID, userID string) error
	ScheduleScopeUpdate(ctx context.Context, documentID, userID, scopeTag string) error
}

// RateLimiter 用户级限流接口，为 nil 时不限流
type RateLimiter interface {
	AllowQuery(ctx context.Context, userID string) (bool, error)
	AllowIngest(ctx context.Context, userID string) (bool, error)
}

// Service 知识库门面服务
type Service struct {
	users         repository.UserRepository
	docs          repository.DocumentRepository
	chunks        repository.ChunkRepository
	conversations repository.ConversationRepository

	extractors  *extraction.Registry
	coordinator *ingest.Coordinator
	engine      *retrieval.Engine
	assembler   *contextbuilder.Assembler
	generator   Generator
	scheduler   IngestScheduler
	limiter     RateLimiter

	maxHistoryTurns int
}

// NewService 创建知识库门面服务
func NewService(
	users repository.UserRepository,
	docs repository.DocumentRepository,
	chunks repository.ChunkRepository,
	conversations repository.ConversationRepository,
	extractors *extraction.Registry,
	coordinator *ingest.Coordinator,
	engine *retrieval.Engine,
	assembler *contextbuilder.Assembler,
	generator Generator,
	scheduler IngestScheduler,
	maxHistoryTurns int,
) *Service {
	if maxHistoryTurns <= 0 {
		maxHistoryTurns = DefaultMaxHistoryTurns
	}
	return &Service{
		users:           users,
		docs:            docs,
		chunks:          chunks,
		conversations:   conversations,
		extractors:      extractors,
		coordinator:     coordinator,
		engine:          engine,
		assembler:       assembler,
		generator:       generator,
		scheduler:       scheduler,
		maxHistoryTurns: maxHistoryTurns,
	}
}

// WithRateLimiter 启用用户级限流
func (s *Service) WithRateLimiter(limiter RateLimiter) *Service {
	s.limiter = limiter
	return s
}

// CreateDocumentInput 文档创建参数
type CreateDocumentInput struct {
	OwnerID    string
	Title      string
	SourceType entity.SourceType
	Scope      entity.KnowledgeScope
	Content    io.Reader
}

// CreateDocument 创建文档并触发摄取
// 提取文本在创建时同步完成，分块与向量化由摄取协调器处理
func (s *Service) CreateDocument(ctx context.Context, in CreateDocumentInput) (*entity.Document, error) {
	ctx, span := tracer.Start(ctx, "knowledge.CreateDocument",
		trace.WithAttributes(
			attribute.String("owner.id", in.OwnerID),
			attribute.String("document.source_type", string(in.SourceType)),
		))
	defer span.End()

	if err := in.Scope.Validate(); err != nil {
		return nil, apperrors.ErrInvalidParam.WithError(err)
	}
	if in.Scope.Kind == entity.ScopeKindPersonal && in.Scope.ID != in.OwnerID {
		return nil, apperrors.ErrForbidden.WithDetail("personal documents can only be created in the owner's own scope")
	}
	if err := s.checkIngestLimit(ctx, in.OwnerID); err != nil {
		return nil, err
	}

	text, err := s.extractors.Extract(in.SourceType, in.Content)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	doc := entity.NewDocument(in.OwnerID, in.Title, in.SourceType, in.Scope)
	doc.ExtractedText = text
	if err := s.docs.Create(ctx, doc); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	if err := s.ingestNow(ctx, doc.ID, in.OwnerID, false); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return doc, nil
}

// ReingestDocument 重建文档索引
// 内容未变化时摄取协调器会将其识别为幂等空操作
func (s *Service) ReingestDocument(ctx context.Context, userID, documentID string) error {
	ctx, span := tracer.Start(ctx, "knowledge.ReingestDocument",
		trace.WithAttributes(attribute.String("document.id", documentID)))
	defer span.End()

	if _, err := s.authorizeManage(ctx, userID, documentID); err != nil {
		return err
	}
	if err := s.checkIngestLimit(ctx, userID); err != nil {
		return err
	}
	return s.ingestNow(ctx, documentID, userID, true)
}

// DeleteDocument 删除文档及其索引与分块
func (s *Service) DeleteDocument(ctx context.Context, userID, documentID string) error {
	ctx, span := tracer.Start(ctx, "knowledge.DeleteDocument",
		trace.WithAttributes(attribute.String("document.id", documentID)))
	defer span.End()

	if _, err := s.authorizeManage(ctx, userID, documentID); err != nil {
		return err
	}

	if s.scheduler != nil {
		if err := s.scheduler.ScheduleRemove(ctx, documentID, userID); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to schedule index removal: %w", err)
		}
	} else if err := s.coordinator.Remove(ctx, documentID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.docs.Delete(ctx, documentID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete document: %w", err)
	}
	logger.Info(ctx, "document deleted", "document_id", documentID)
	return nil
}

// UpdateDocumentScope 变更文档可见范围
// 先持久化再改写索引，索引中的范围标签最终与文档一致
func (s *Service) UpdateDocumentScope(ctx context.Context, userID, documentID string, scope entity.KnowledgeScope) error {
	ctx, span := tracer.Start(ctx, "knowledge.UpdateDocumentScope",
		trace.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.String("scope.tag", scope.Tag()),
		))
	defer span.End()

	doc, err := s.authorizeManage(ctx, userID, documentID)
	if err != nil {
		return err
	}
	if err := scope.Validate(); err != nil {
		return apperrors.ErrInvalidParam.WithError(err)
	}
	if scope.Kind == entity.ScopeKindPersonal && scope.ID != doc.OwnerID {
		return apperrors.ErrForbidden.WithDetail("documents cannot be moved into another user's personal scope")
	}

	doc.ScopeTag = scope.Tag()
	doc.ProjectID = nil
	if scope.Kind == entity.ScopeKindProject {
		projectID := scope.ID
		doc.ProjectID = &projectID
	}
	if err := s.docs.Update(ctx, doc); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update document scope: %w", err)
	}

	if s.scheduler != nil {
		if err := s.scheduler.ScheduleScopeUpdate(ctx, documentID, userID, doc.ScopeTag); err != nil {
			return fmt.Errorf("failed to schedule scope update: %w", err)
		}
		return nil
	}
	return s.coordinator.UpdateScope(ctx, documentID, doc.ScopeTag)
}

// GetDocument 获取文档元信息（不含提取文本）
func (s *Service) GetDocument(ctx context.Context, userID, documentID string) (*entity.Document, error) {
	return s.authorizeManage(ctx, userID, documentID)
}

// ListDocuments 分页查询文档
func (s *Service) ListDocuments(ctx context.Context, filter repository.DocumentFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.Document], error) {
	return s.docs.List(ctx, filter, pagination)
}

// AskInput 问答请求参数
type AskInput struct {
	UserID string
	// ConversationID 为空时创建新会话
	ConversationID string
	Question       string
	TopK           int
	// ProjectScope 可选的项目范围提示，仅收窄检索范围
	ProjectScope string
}

// Answer 问答结果
type Answer struct {
	ConversationID string
	Content        string
	Citations      []entity.Citation
}

// Ask 在用户可见范围内检索并生成回答
// 检索结果为空时仍然生成（无上下文），引用列表只包含实际进入上下文的分块
func (s *Service) Ask(ctx context.Context, in AskInput) (*Answer, error) {
	ctx, span := tracer.Start(ctx, "knowledge.Ask",
		trace.WithAttributes(attribute.String("user.id", in.UserID)))
	defer span.End()

	if in.Question == "" {
		return nil, apperrors.ErrInvalidParam.WithDetail("question must not be empty")
	}
	if err := s.checkQueryLimit(ctx, in.UserID); err != nil {
		return nil, err
	}

	conv, history, err := s.loadConversation(ctx, in)
	if err != nil {
		return nil, err
	}

	records, err := s.engine.Retrieve(ctx, retrieval.QueryInput{
		UserID:       in.UserID,
		Query:        in.Question,
		TopK:         in.TopK,
		ProjectScope: in.ProjectScope,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.attachTitles(ctx, records)

	packed := s.assembler.Assemble(records)
	citations := buildCitations(packed.Included)

	history = trimHistory(history, s.assembler.Budget()-packed.TokensUsed)
	content, err := s.generator.Generate(ctx, buildPrompt(packed.Context, history, in.Question))
	if err != nil {
		span.RecordError(err)
		return nil, apperrors.ErrGenerationUnavailable.WithError(err)
	}

	if err := s.persistTurn(ctx, conv, in.Question, content, citations, packed.TokensUsed); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("answer.citations", len(citations)))
	return &Answer{
		ConversationID: conv.ID,
		Content:        content,
		Citations:      citations,
	}, nil
}

// checkQueryLimit 检查用户检索配额
// 限流器自身故障时放行，不阻断问答
func (s *Service) checkQueryLimit(ctx context.Context, userID string) error {
	if s.limiter == nil {
		return nil
	}
	allowed, err := s.limiter.AllowQuery(ctx, userID)
	if err != nil {
		logger.Warn(ctx, "rate limiter unavailable, allowing query", "error", err.Error())
		return nil
	}
	if !allowed {
		return apperrors.ErrTooManyRequests.WithDetail("query rate limit exceeded")
	}
	return nil
}

// checkIngestLimit 检查用户摄取配额
func (s *Service) checkIngestLimit(ctx context.Context, userID string) error {
	if s.limiter == nil {
		return nil
	}
	allowed, err := s.limiter.AllowIngest(ctx, userID)
	if err != nil {
		logger.Warn(ctx, "rate limiter unavailable, allowing ingest", "error", err.Error())
		return nil
	}
	if !allowed {
		return apperrors.ErrTooManyRequests.WithDetail("ingest rate limit exceeded")
	}
	return nil
}

// ingestNow 调度或同步执行摄取
func (s *Service) ingestNow(ctx context.Context, documentID, userID string, reingest bool) error {
	if s.scheduler != nil {
		if err := s.scheduler.Schedule(ctx, documentID, userID, reingest); err != nil {
			return fmt.Errorf("failed to schedule ingestion: %w", err)
		}
		return nil
	}
	if reingest {
		return s.coordinator.Reingest(ctx, documentID)
	}
	return s.coordinator.Ingest(ctx, documentID)
}

// authorizeManage 校验用户对文档的管理权限：文档所有者或管理员
func (s *Service) authorizeManage(ctx context.Context, userID, documentID string) (*entity.Document, error) {
	doc, err := s.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID == userID {
		return doc, nil
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsAdmin() {
		return nil, apperrors.ErrForbidden.WithDetail("only the owner or an administrator can manage this document")
	}
	return doc, nil
}

// loadConversation 加载或创建会话，并取回最近的历史消息
func (s *Service) loadConversation(ctx context.Context, in AskInput) (*entity.Conversation, []*entity.Message, error) {
	if in.ConversationID == "" {
		conv := entity.NewConversation(in.UserID, nil, truncateRunes(in.Question, 60))
		if err := s.conversations.Create(ctx, conv); err != nil {
			return nil, nil, fmt.Errorf("failed to create conversation: %w", err)
		}
		return conv, nil, nil
	}

	conv, err := s.conversations.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	if conv.UserID != in.UserID {
		// 会话归属不匹配时按不存在处理，避免泄露他人会话的存在性
		return nil, nil, apperrors.ErrConversationNotFound
	}

	history, err := s.conversations.ListMessages(ctx, conv.ID, s.maxHistoryTurns)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load conversation history: %w", err)
	}
	return conv, history, nil
}

// attachTitles 为引用记录补全文档标题，供上下文标注与引用列表使用
func (s *Service) attachTitles(ctx context.Context, records []retrieval.CitationRecord) {
	titles := make(map[string]string, len(records))
	for i, rec := range records {
		title, ok := titles[rec.DocumentID]
		if !ok {
			doc, err := s.docs.GetByID(ctx, rec.DocumentID)
			if err != nil {
				// 检索与删除并发时文档可能已不存在，降级为无标题引用
				title = ""
			} else {
				title = doc.Title
			}
			titles[rec.DocumentID] = title
		}
		records[i].DocumentTitle = title
	}
}

// buildCitations 将进入上下文的引用记录转换为持久化引用
func buildCitations(included []retrieval.CitationRecord) []entity.Citation {
	citations := make([]entity.Citation, 0, len(included))
	for _, rec := range included {
		citations = append(citations, entity.Citation{
			ChunkID:       rec.ChunkID,
			DocumentID:    rec.DocumentID,
			DocumentTitle: rec.DocumentTitle,
			Snippet:       truncateRunes(rec.Content, snippetRunes),
			Score:         rec.Score,
		})
	}
	return citations
}

// persistTurn 持久化一轮问答
func (s *Service) persistTurn(ctx context.Context, conv *entity.Conversation, question, answer string, citations []entity.Citation, tokensUsed int) error {
	userMsg := entity.NewMessage(conv.ID, entity.MessageRoleUser, question)
	if err := s.conversations.AppendMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("failed to persist user message: %w", err)
	}

	assistantMsg := entity.NewMessage(conv.ID, entity.MessageRoleAssistant, answer)
	assistantMsg.Citations = citations
	assistantMsg.TokenCount = tokensUsed
	if err := s.conversations.AppendMessage(ctx, assistantMsg); err != nil {
		return fmt.Errorf("failed to persist assistant message: %w", err)
	}

	conv.UpdatedAt = time.Now()
	if err := s.conversations.Update(ctx, conv); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// buildPrompt 构造生成请求消息序列
func buildPrompt(context string, history []*entity.Message, question string) []llm.Message {
	system := "你是一个企业知识库助手。请仅依据提供的参考资料回答问题，" +
		"并在引用资料时使用对应的 [n] 标注；资料不足以回答时请明确说明。"
	if context != "" {
		system += "\n\n参考资料：\n" + context
	} else {
		system += "\n\n当前没有可用的参考资料。"
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	for _, m := range history {
		messages = append(messages, llm.Message{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	messages = append(messages, llm.Message{Role: "user", Content: question})
	return messages
}

// trimHistory 在剩余预算内保留最近的完整问答轮次
// 轮次要么整体保留要么整体丢弃，绝不截断轮次中间
func trimHistory(history []*entity.Message, budget int) []*entity.Message {
	if len(history) == 0 || budget <= 0 {
		return nil
	}

	start := len(history)
	remaining := budget
	for start > 0 {
		turnStart := start - 1
		for turnStart > 0 && history[turnStart].Role != entity.MessageRoleUser {
			turnStart--
		}
		cost := 0
		for _, m := range history[turnStart:start] {
			cost += chunker.EstimateTokens(m.Content)
		}
		if cost > remaining {
			break
		}
		remaining -= cost
		start = turnStart
	}
	return history[start:]
}

// truncateRunes 按 rune 截断字符串
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

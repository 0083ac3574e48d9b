// Package main 知识库命令行工具
// 面向运维与联调：导入文档、提问、查看文档状态
// 摄取默认在进程内同步执行；ingestion.async 开启时投递队列由 knowledge-svc 处理
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ai-knowledge-assistant/internal/application/access"
	"ai-knowledge-assistant/internal/application/chunker"
	"ai-knowledge-assistant/internal/application/contextbuilder"
	"ai-knowledge-assistant/internal/application/extraction"
	"ai-knowledge-assistant/internal/application/ingest"
	"ai-knowledge-assistant/internal/application/knowledge"
	"ai-knowledge-assistant/internal/application/retrieval"
	"ai-knowledge-assistant/internal/config"
	"ai-knowledge-assistant/internal/domain/entity"
	"ai-knowledge-assistant/internal/infrastructure/embedding"
	"ai-knowledge-assistant/internal/infrastructure/llm"
	"ai-knowledge-assistant/internal/infrastructure/messaging"
	"ai-knowledge-assistant/internal/infrastructure/persistence/milvus"
	"ai-knowledge-assistant/internal/infrastructure/persistence/postgres"
	"ai-knowledge-assistant/internal/infrastructure/persistence/redis"
	"ai-knowledge-assistant/internal/infrastructure/vectorindex/memory"
	"ai-knowledge-assistant/pkg/logger"
)

const usage = `Usage:
  knowledge-cli ingest -user <user-id> -scope <scope-tag> -title <title> <file>
  knowledge-cli ask    -user <user-id> [-conversation <id>] [-top-k <n>] [-project <id>] <question>
  knowledge-cli status -user <user-id> <document-id>
  knowledge-cli member -project <project-id> -user <user-id> [-role <role>] add|remove
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init("warn", "text")

	ctx := context.Background()
	svc, resolver, cleanup, err := buildService(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	switch os.Args[1] {
	case "ingest":
		err = runIngest(ctx, svc, os.Args[2:])
	case "ask":
		err = runAsk(ctx, svc, os.Args[2:])
	case "status":
		err = runStatus(ctx, svc, os.Args[2:])
	case "member":
		err = runMember(ctx, resolver, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// buildService 进程内装配完整服务栈
func buildService(ctx context.Context, cfg *config.Config) (*knowledge.Service, *access.Resolver, func(), error) {
	pgClient, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanups := []func(){func() { _ = pgClient.Close() }}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	userRepo := postgres.NewUserRepository(pgClient)
	docRepo := postgres.NewDocumentRepository(pgClient)
	chunkRepo := postgres.NewChunkRepository(pgClient)
	membershipRepo := postgres.NewMembershipRepository(pgClient)
	conversationRepo := postgres.NewConversationRepository(pgClient)

	// 范围缓存、限流与异步摄取均依赖 Redis：不可用时回源数据库、不限流、同步摄取
	var cache access.GrantCache
	var limiter knowledge.RateLimiter
	var scheduler knowledge.IngestScheduler
	if redisClient, err := redis.NewClient(&cfg.Cache.Redis); err == nil {
		cleanups = append(cleanups, func() { _ = redisClient.Close() })
		cache = redis.NewCache(redisClient)
		if cfg.RateLimit.Enabled {
			limiter = redis.NewUserRateLimiter(redisClient, cfg.RateLimit)
		}
		if cfg.Ingestion.Async {
			producer := messaging.NewProducer(redisClient.Redis(), int64(cfg.Messaging.RedisStream.MaxLen))
			scheduler = messaging.NewIngestScheduler(producer)
		}
	}
	resolver := access.NewResolver(userRepo, membershipRepo, cache, cfg.Access.GrantTTL)

	var embedder retrieval.Embedder
	if cfg.Embedding.Provider == "openai" {
		embedder = embedding.NewOpenAIClient(&cfg.Embedding)
	} else {
		embedder = embedding.NewHTTPClient(&cfg.Embedding)
	}

	dimension := embedder.Dimension()
	if cfg.Vector.Dimension > 0 {
		dimension = cfg.Vector.Dimension
	}

	var index retrieval.VectorIndex
	if cfg.Vector.Driver == "milvus" {
		milvusClient, err := milvus.NewClient(ctx, &cfg.Vector.Milvus)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		cleanups = append(cleanups, func() { _ = milvusClient.Close() })
		idx := milvus.NewIndex(milvusClient, dimension)
		if err := idx.EnsureCollection(ctx); err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		index = idx
	} else {
		index = memory.NewIndex(dimension)
	}

	splitter := chunker.New(cfg.Ingestion.ChunkSizeRunes, cfg.Ingestion.ChunkOverlapRunes)
	coordinator := ingest.NewCoordinator(docRepo, chunkRepo, splitter, embedder, index, cfg.Ingestion.EmbeddingBatch)
	engine := retrieval.NewEngine(embedder, index, resolver, cfg.Retrieval.OverfetchFactor)
	assembler := contextbuilder.NewAssembler(cfg.Context.TokenBudget)
	generator := llm.NewGenerator(&cfg.LLM)

	svc := knowledge.NewService(
		userRepo, docRepo, chunkRepo, conversationRepo,
		extraction.NewRegistry(),
		coordinator, engine, assembler, generator,
		scheduler, // 为 nil 时同步摄取
		cfg.Context.MaxHistoryTurns,
	)
	if limiter != nil {
		svc = svc.WithRateLimiter(limiter)
	}
	return svc, resolver, cleanup, nil
}

func runIngest(ctx context.Context, svc *knowledge.Service, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	userID := fs.String("user", "", "owner user id")
	scopeTag := fs.String("scope", "global", "scope tag: global | project:<id> | personal:<uid>")
	title := fs.String("title", "", "document title (defaults to file name)")
	_ = fs.Parse(args)

	if *userID == "" || fs.NArg() != 1 {
		return fmt.Errorf("ingest requires -user and exactly one file argument")
	}
	path := fs.Arg(0)

	scope, err := entity.ParseScope(*scopeTag)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if *title == "" {
		*title = filepath.Base(path)
	}

	created, err := svc.CreateDocument(ctx, knowledge.CreateDocumentInput{
		OwnerID:    *userID,
		Title:      *title,
		SourceType: sourceTypeFromPath(path),
		Scope:      scope,
		Content:    f,
	})
	if err != nil {
		return err
	}

	// 同步摄取完成后重读状态
	doc, err := svc.GetDocument(ctx, *userID, created.ID)
	if err != nil {
		return err
	}
	fmt.Printf("document %s ingested (%d chunks, status %s)\n", doc.ID, doc.ChunkCount, doc.Status)
	return nil
}

func runAsk(ctx context.Context, svc *knowledge.Service, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	userID := fs.String("user", "", "user id")
	conversationID := fs.String("conversation", "", "continue an existing conversation")
	topK := fs.Int("top-k", 0, "number of citations to retrieve")
	project := fs.String("project", "", "narrow retrieval to one project scope")
	_ = fs.Parse(args)

	if *userID == "" || fs.NArg() == 0 {
		return fmt.Errorf("ask requires -user and a question")
	}

	answer, err := svc.Ask(ctx, knowledge.AskInput{
		UserID:         *userID,
		ConversationID: *conversationID,
		Question:       strings.Join(fs.Args(), " "),
		TopK:           *topK,
		ProjectScope:   *project,
	})
	if err != nil {
		return err
	}

	fmt.Println(answer.Content)
	if len(answer.Citations) > 0 {
		fmt.Println("\nSources:")
		for i, c := range answer.Citations {
			fmt.Printf("  [%d] %s (score %.3f)\n", i+1, c.DocumentTitle, c.Score)
		}
	}
	fmt.Printf("\nconversation: %s\n", answer.ConversationID)
	return nil
}

func runStatus(ctx context.Context, svc *knowledge.Service, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	userID := fs.String("user", "", "user id")
	_ = fs.Parse(args)

	if *userID == "" || fs.NArg() != 1 {
		return fmt.Errorf("status requires -user and a document id")
	}

	doc, err := svc.GetDocument(ctx, *userID, fs.Arg(0))
	if err != nil {
		return err
	}

	fmt.Printf("id:      %s\n", doc.ID)
	fmt.Printf("title:   %s\n", doc.Title)
	fmt.Printf("scope:   %s\n", doc.ScopeTag)
	fmt.Printf("status:  %s\n", doc.Status)
	fmt.Printf("chunks:  %d\n", doc.ChunkCount)
	if doc.ErrorMessage != "" {
		fmt.Printf("error:   %s\n", doc.ErrorMessage)
	}
	return nil
}

// runMember 维护项目成员关系
// 变更成功后用户的范围缓存立即失效，下一次检索即可生效
func runMember(ctx context.Context, resolver *access.Resolver, args []string) error {
	fs := flag.NewFlagSet("member", flag.ExitOnError)
	projectID := fs.String("project", "", "project id")
	userID := fs.String("user", "", "user id")
	role := fs.String("role", string(entity.MemberRoleViewer), "member role: owner | editor | viewer")
	_ = fs.Parse(args)

	if *projectID == "" || *userID == "" || fs.NArg() != 1 {
		return fmt.Errorf("member requires -project, -user and an action (add|remove)")
	}

	switch fs.Arg(0) {
	case "add":
		if err := resolver.AddProjectMember(ctx, *projectID, *userID, entity.MemberRole(*role)); err != nil {
			return err
		}
		fmt.Printf("user %s added to project %s as %s\n", *userID, *projectID, *role)
	case "remove":
		if err := resolver.RemoveProjectMember(ctx, *projectID, *userID); err != nil {
			return err
		}
		fmt.Printf("user %s removed from project %s\n", *userID, *projectID)
	default:
		return fmt.Errorf("unknown member action: %s", fs.Arg(0))
	}
	return nil
}

// sourceTypeFromPath 按扩展名推断来源类型
func sourceTypeFromPath(path string) entity.SourceType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return entity.SourceTypePDF
	case ".docx":
		return entity.SourceTypeDocx
	case ".xlsx":
		return entity.SourceTypeXlsx
	default:
		return entity.SourceTypeText
	}
}

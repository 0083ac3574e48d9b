// Package llm 提供大模型生成服务客户端
package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"ai-knowledge-assistant/internal/config"
	"ai-knowledge-assistant/pkg/metrics"
)

const providerOpenAI = "openai"

// Message 对话消息
type Message struct {
	Role    string // system / user / assistant
	Content string
}

// Generator OpenAI 兼容生成客户端
type Generator struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewGenerator 创建生成客户端
func NewGenerator(cfg *config.LLMConfig) *Generator {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &Generator{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
	}
}

// Generate 根据消息序列生成回答
func (g *Generator) Generate(ctx context.Context, messages []Message) (string, error) {
	status := "success"
	defer func() {
		metrics.GenerationCallTotal.WithLabelValues(providerOpenAI, g.model, status).Inc()
	}()

	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    chatMessages,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		status = "error"
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		status = "error"
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Package embedding 提供向量化服务客户端
package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"ai-knowledge-assistant/internal/config"
	"ai-knowledge-assistant/pkg/metrics"
)

const providerOpenAI = "openai"

// OpenAIClient OpenAI 兼容向量化客户端
type OpenAIClient struct {
	client    *openai.Client
	model     string
	dimension int
}

// NewOpenAIClient 创建 OpenAI 兼容向量化客户端
func NewOpenAIClient(cfg *config.EmbeddingConfig) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = cfg.Endpoint
	}
	return &OpenAIClient{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}
}

// Dimension 返回向量维度
func (c *OpenAIClient) Dimension() int {
	return c.dimension
}

// EmbedTexts 批量向量化文本
func (c *OpenAIClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	start := time.Now()
	status := "success"
	defer func() {
		metrics.EmbeddingCallTotal.WithLabelValues(providerOpenAI, status).Inc()
		metrics.EmbeddingCallDuration.WithLabelValues(providerOpenAI).Observe(time.Since(start).Seconds())
	}()

	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.model),
		Input: texts,
	}
	// text-embedding-3 系列支持指定维度
	if strings.HasPrefix(c.model, "text-embedding-3") && c.dimension > 0 {
		req.Dimensions = c.dimension
	}

	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		status = "error"
		return nil, fmt.Errorf("openai embeddings call failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		status = "error"
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			status = "error"
			return nil, fmt.Errorf("unexpected embedding index: %d", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		copy(vec, d.Embedding)
		out[d.Index] = vec
	}
	return out, nil
}

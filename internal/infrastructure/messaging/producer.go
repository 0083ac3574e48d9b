// Package messaging 提供消息队列实现
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("messaging")

// Producer 消息生产者
type Producer struct {
	client *redis.Client
	maxLen int64
}

// NewProducer 创建消息生产者
func NewProducer(client *redis.Client, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &Producer{
		client: client,
		maxLen: maxLen,
	}
}

// Publish 发布消息到指定流
func (p *Producer) Publish(ctx context.Context, stream Stream, msg *Message) (string, error) {
	ctx, span := tracer.Start(ctx, "producer.Publish",
		trace.WithAttributes(
			attribute.String("stream", string(stream)),
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
		))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()

	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	span.SetAttributes(attribute.String("stream.message_id", result))
	return result, nil
}

// PublishIngestJob 发布文档摄取任务
func (p *Producer) PublishIngestJob(ctx context.Context, job *IngestJobMessage) (string, error) {
	msg, err := NewMessage(job.DocumentID, TypeDocumentIngest, job.UserID, job.DocumentID, job)
	if err != nil {
		return "", err
	}

	if job.TraceID != "" {
		msg.SetMetadata("trace_id", job.TraceID)
	}
	return p.Publish(ctx, StreamKnowledgeIngest, msg)
}

// PublishRemoveJob 发布文档移除任务
func (p *Producer) PublishRemoveJob(ctx context.Context, job *RemoveJobMessage) (string, error) {
	msg, err := NewMessage(job.DocumentID, TypeDocumentRemove, job.UserID, job.DocumentID, job)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, StreamKnowledgeIngest, msg)
}

// PublishScopeUpdate 发布文档范围变更任务
func (p *Producer) PublishScopeUpdate(ctx context.Context, job *ScopeUpdateMessage) (string, error) {
	msg, err := NewMessage(job.DocumentID, TypeScopeUpdate, job.UserID, job.DocumentID, job)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, StreamKnowledgeIngest, msg)
}

// IngestJobMessage 文档摄取任务消息
type IngestJobMessage struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	// Reingest 为 true 时表示对已有文档重建索引
	Reingest bool   `json:"reingest,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// RemoveJobMessage 文档移除任务消息
type RemoveJobMessage struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
}

// ScopeUpdateMessage 文档范围变更任务消息
type ScopeUpdateMessage struct {
	DocumentID  string `json:"document_id"`
	UserID      string `json:"user_id"`
	NewScopeTag string `json:"new_scope_tag"`
}

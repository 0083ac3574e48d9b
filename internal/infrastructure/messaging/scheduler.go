package messaging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// IngestScheduler 基于 Redis Stream 的摄取调度器
type IngestScheduler struct {
	producer *Producer
}

// NewIngestScheduler 创建摄取调度器
func NewIngestScheduler(producer *Producer) *IngestScheduler {
	return &IngestScheduler{producer: producer}
}

// Schedule 发布摄取任务到队列
func (s *IngestScheduler) Schedule(ctx context.Context, documentID, userID string, reingest bool) error {
	job := &IngestJobMessage{
		DocumentID: documentID,
		UserID:     userID,
		Reingest:   reingest,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		job.TraceID = sc.TraceID().String()
	}
	_, err := s.producer.PublishIngestJob(ctx, job)
	return err
}

// ScheduleRemove 发布文档移除任务到队列
func (s *IngestScheduler) ScheduleRemove(ctx context.Context, documentID, userID string) error {
	_, err := s.producer.PublishRemoveJob(ctx, &RemoveJobMessage{
		DocumentID: documentID,
		UserID:     userID,
	})
	return err
}

// ScheduleScopeUpdate 发布文档范围变更任务到队列
func (s *IngestScheduler) ScheduleScopeUpdate(ctx context.Context, documentID, userID, scopeTag string) error {
	_, err := s.producer.PublishScopeUpdate(ctx, &ScopeUpdateMessage{
		DocumentID:  documentID,
		UserID:      userID,
		NewScopeTag: scopeTag,
	})
	return err
}

package worker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"inventory-collector/internal/pipeline"
	"inventory-collector/internal/queue"
	"inventory-collector/internal/telemetry"
)

// Dispatcher runs the stages of a cleanup pipeline task.
type Dispatcher interface {
	Dispatch(ctx context.Context, task pipeline.Task) error
}

// CleanupHandler decodes cleanup descriptors and hands them to d. Failed
// stages are logged by the dispatcher and not retried; the next scheduled
// run covers them.
func CleanupHandler(d Dispatcher, log *zap.SugaredLogger) Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return func(ctx context.Context, item queue.Item) error {
		task, err := pipeline.Decode(item.Payload)
		if err != nil {
			return Permanent(err)
		}
		if task.ID == "" {
			task.ID = item.ID
		}
		ctx, span := telemetry.StartSpan(ctx, "worker.cleanup",
			attribute.String("task_id", task.ID), attribute.String("domain_id", task.Domain))
		err = d.Dispatch(ctx, task)
		telemetry.EndSpan(span, err)
		if err != nil {
			log.Warnw("cleanup task finished with errors", "task_id", task.ID, "domain_id", task.Domain, "error", err)
		}
		return nil
	}
}

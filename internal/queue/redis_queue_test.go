package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"inventory-collector/internal/pipeline"
)

func newQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	q := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestDequeuePrefersCollectLane(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	task := pipeline.Task{Name: "inventory_cleanup", Domain: "d-1", Stages: []pipeline.Stage{{Method: "terminate_jobs"}}}
	pid, err := q.EnqueuePipeline(ctx, task)
	if err != nil {
		t.Fatalf("enqueue pipeline: %v", err)
	}
	if err := q.EnqueueTask(ctx, "job-task-1"); err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 2 {
		t.Fatalf("expected depth 2, got %d", depth)
	}

	item, err := q.DequeueWithLease(ctx)
	if err != nil || item == nil {
		t.Fatalf("dequeue: %v %v", item, err)
	}
	if item.ID != "job-task-1" || item.Lane != LaneCollect {
		t.Fatalf("expected collect item first, got %+v", item)
	}

	item, err = q.DequeueWithLease(ctx)
	if err != nil || item == nil {
		t.Fatalf("dequeue: %v %v", item, err)
	}
	if item.ID != pid || item.Lane != LaneCleanup {
		t.Fatalf("expected cleanup item, got %+v", item)
	}
	decoded, err := pipeline.Decode(item.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Domain != "d-1" || decoded.Stages[0].Method != "terminate_jobs" {
		t.Fatalf("unexpected payload %+v", decoded)
	}

	item, err = q.DequeueWithLease(ctx)
	if err != nil || item != nil {
		t.Fatalf("expected empty queue, got %v %v", item, err)
	}
}

func TestRetryPromotesBackToLane(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	if err := q.EnqueueTask(ctx, "job-task-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, _ := q.DequeueWithLease(ctx)
	runAt := time.Now().Add(time.Second)
	attempts, err := q.Retry(ctx, item.ID, runAt)
	if err != nil || attempts != 1 {
		t.Fatalf("retry: attempts=%d err=%v", attempts, err)
	}

	if n, _ := q.PromoteScheduled(ctx, runAt.Add(-time.Millisecond), 10); n != 0 {
		t.Fatalf("promoted %d items before due", n)
	}
	if n, _ := q.PromoteScheduled(ctx, runAt, 10); n != 1 {
		t.Fatalf("expected one promotion, got %d", n)
	}
	item, _ = q.DequeueWithLease(ctx)
	if item == nil || item.ID != "job-task-1" || item.Attempts != 1 {
		t.Fatalf("unexpected item after promote: %+v", item)
	}
}

func TestRequeueExpiredAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	_ = q.EnqueueTask(ctx, "job-task-1")
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(ids) != 1 {
		t.Fatalf("requeue: %v %v", ids, err)
	}

	item, _ := q.DequeueWithLease(ctx)
	if err := q.DeadLetter(ctx, item.ID); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	dlq, _ := q.DLQPeek(ctx, 10)
	if len(dlq) != 1 || dlq[0] != "job-task-1" {
		t.Fatalf("unexpected dlq %v", dlq)
	}
	if ids, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10); len(ids) != 0 {
		t.Fatalf("dead-lettered item still in flight")
	}
}

func TestCancelRemovesReadyItem(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	_ = q.EnqueueTask(ctx, "job-task-1")
	_ = q.EnqueueTask(ctx, "job-task-2")
	if err := q.Cancel(ctx, "job-task-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	item, _ := q.DequeueWithLease(ctx)
	if item == nil || item.ID != "job-task-2" {
		t.Fatalf("expected job-task-2, got %+v", item)
	}
}

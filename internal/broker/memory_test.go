package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"docflow/internal/broker"
)

func TestMemoryQueuePushPullAck(t *testing.T) {
	q := broker.NewMemoryQueue(0)
	defer q.Close()

	ctx := context.Background()
	desc := broker.Descriptor{JobID: "job-1", DocumentID: "doc-1", SourceRef: "a.pdf"}
	if err := q.Push(ctx, desc); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	delivery, err := q.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if delivery.JobID != "job-1" || delivery.DocumentID != "doc-1" {
		t.Fatalf("unexpected delivery: %#v", delivery.Descriptor)
	}
	if err := delivery.Ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if q.Depth() != 0 {
		t.Fatalf("expected empty queue after ack, got depth %d", q.Depth())
	}
}

func TestMemoryQueuePullBlocksUntilPush(t *testing.T) {
	q := broker.NewMemoryQueue(0)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = q.Push(context.Background(), broker.Descriptor{JobID: "late"})
	}()

	delivery, err := q.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if delivery.JobID != "late" {
		t.Fatalf("unexpected delivery %q", delivery.JobID)
	}
}

func TestMemoryQueuePullHonorsContext(t *testing.T) {
	q := broker.NewMemoryQueue(0)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := q.Pull(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryQueueRedeliversUnacked(t *testing.T) {
	q := broker.NewMemoryQueue(50 * time.Millisecond)
	defer q.Close()

	ctx := context.Background()
	if err := q.Push(ctx, broker.Descriptor{JobID: "job-1", Attempt: 0}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	first, err := q.Pull(ctx)
	if err != nil {
		t.Fatalf("first Pull failed: %v", err)
	}
	// Simulate a crashed worker: never ack.
	_ = first

	pullCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	second, err := q.Pull(pullCtx)
	if err != nil {
		t.Fatalf("expected redelivery, got %v", err)
	}
	if second.JobID != "job-1" {
		t.Fatalf("unexpected redelivery %q", second.JobID)
	}
	if err := second.Ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	// Acked deliveries are not redelivered.
	quietCtx, quietCancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer quietCancel()
	if _, err := q.Pull(quietCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no further redelivery, got %v", err)
	}
}

func TestMemoryQueueNackRequeue(t *testing.T) {
	q := broker.NewMemoryQueue(0)
	defer q.Close()

	ctx := context.Background()
	if err := q.Push(ctx, broker.Descriptor{JobID: "job-1"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	delivery, err := q.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if err := delivery.Nack(true); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	if q.Depth() != 1 {
		t.Fatalf("expected requeued descriptor, got depth %d", q.Depth())
	}

	delivery, err = q.Pull(ctx)
	if err != nil {
		t.Fatalf("second Pull failed: %v", err)
	}
	if err := delivery.Nack(false); err != nil {
		t.Fatalf("drop Nack failed: %v", err)
	}
	if q.Depth() != 0 {
		t.Fatalf("expected dropped descriptor, got depth %d", q.Depth())
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	q := broker.NewMemoryQueue(0)
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := q.Push(context.Background(), broker.Descriptor{}); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("expected ErrClosed on push, got %v", err)
	}
	if _, err := q.Pull(context.Background()); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("expected ErrClosed on pull, got %v", err)
	}
	if err := q.Ping(context.Background()); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("expected ErrClosed on ping, got %v", err)
	}
}

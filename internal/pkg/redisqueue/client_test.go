package redisqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client, err := NewClientWithRedis(rdb)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestClient_JobFlow(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	job := &SyncJob{UserID: 7, ProductID: "9b1c7d2e-0000-4000-8000-000000000001"}
	if err := client.PushJob(ctx, job); err != nil {
		t.Fatalf("PushJob failed: %v", err)
	}
	if err := client.PushJob(ctx, &SyncJob{UserID: 7, ProductID: job.ProductID}); !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}

	waiting, processing, err := client.QueueDepth(ctx)
	if err != nil || waiting != 1 || processing != 0 {
		t.Fatalf("depth = %d/%d, %v", waiting, processing, err)
	}

	popped, err := client.PopJob(ctx, time.Second)
	if err != nil {
		t.Fatalf("PopJob failed: %v", err)
	}
	if popped.UserID != 7 || popped.ProductID != job.ProductID {
		t.Fatalf("PopJob data mismatch: %+v", popped)
	}
	waiting, processing, _ = client.QueueDepth(ctx)
	if waiting != 0 || processing != 1 {
		t.Fatalf("expected job in processing, got %d/%d", waiting, processing)
	}

	if err := client.AckJob(ctx, popped); err != nil {
		t.Fatalf("AckJob failed: %v", err)
	}
	waiting, processing, _ = client.QueueDepth(ctx)
	if waiting != 0 || processing != 0 {
		t.Fatalf("expected empty queues after ack, got %d/%d", waiting, processing)
	}

	// Acked jobs can be pushed again.
	if err := client.PushJob(ctx, &SyncJob{UserID: 7, ProductID: job.ProductID}); err != nil {
		t.Fatalf("push after ack: %v", err)
	}
}

func TestClient_RequeueAndEmpty(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	if _, err := client.PopJob(ctx, 100*time.Millisecond); !errors.Is(err, ErrNoJob) {
		t.Fatalf("expected ErrNoJob, got %v", err)
	}

	_ = client.PushJob(ctx, &SyncJob{UserID: 1, ProductID: "p1"})
	popped, err := client.PopJob(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if err := client.RequeueJob(ctx, popped); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	waiting, processing, _ := client.QueueDepth(ctx)
	if waiting != 1 || processing != 0 {
		t.Fatalf("expected job back in queue, got %d/%d", waiting, processing)
	}
	again, err := client.PopJob(ctx, time.Second)
	if err != nil || again.ProductID != "p1" {
		t.Fatalf("pop after requeue = %+v, %v", again, err)
	}
}

func TestClient_RescueStuckJobs(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	_ = client.PushJob(ctx, &SyncJob{UserID: 1, ProductID: "p1"})
	popped, err := client.PopJob(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	// Pretend the job started long ago.
	client.rdb.HSet(ctx, KeySyncStartedHash, popped.ID(), time.Now().Add(-time.Hour).Unix())

	rescued, err := client.RescueStuckJobs(ctx, time.Minute)
	if err != nil || rescued != 1 {
		t.Fatalf("rescued = %d, %v", rescued, err)
	}
	waiting, processing, _ := client.QueueDepth(ctx)
	if waiting != 1 || processing != 0 {
		t.Fatalf("expected rescued job in queue, got %d/%d", waiting, processing)
	}
}

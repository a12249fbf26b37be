package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "company-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_InFlightDuplicate(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// First request reserves the key
	if _, err := svc.CheckOrReserve(ctx, "company-1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	// Duplicate while the first is still processing
	if _, err := svc.CheckOrReserve(ctx, "company-1", "key-1"); err != ErrDuplicateRequest {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReplayReturnsCachedResult(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	stored := &IdempotencyResult{
		MessageID:  "msg-123",
		StatusCode: 201,
		CreatedAt:  time.Now().Unix(),
	}

	if err := svc.Store(ctx, "company-1", "key-1", stored); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "company-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if result.MessageID != "msg-123" {
		t.Errorf("expected msg-123, got %s", result.MessageID)
	}
	if result.StatusCode != 201 {
		t.Errorf("expected status 201, got %d", result.StatusCode)
	}
}

func TestIdempotencyService_CompanyIsolation(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// Company A reserves a key
	if _, err := svc.CheckOrReserve(ctx, "company-A", "same-key"); err != nil {
		t.Fatalf("company A failed: %v", err)
	}

	// Company B can use the same key
	result, err := svc.CheckOrReserve(ctx, "company-B", "same-key")
	if err != nil {
		t.Fatalf("company B should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("company B should get nil (new request)")
	}
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long client-provided enqueue keys are retained.
	// A replayed enqueue within this window returns the original message ID
	// instead of queueing a duplicate delivery.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the reservation held while a request is in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an idempotency key collision with an
// in-flight request.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult stores the cached outcome of an idempotent enqueue.
type IdempotencyResult struct {
	MessageID  string `json:"message_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService deduplicates enqueue requests using Redis.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(companyID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", companyID, idempotencyKey)
}

// CheckOrReserve atomically checks for an existing result or reserves the key.
// Returns the cached result if found, nil if reserved successfully, or
// ErrDuplicateRequest if another request holds the reservation.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, companyID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(companyID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if err == nil {
		if val == processingMarker {
			return nil, ErrDuplicateRequest
		}
		var result IdempotencyResult
		if err := json.Unmarshal([]byte(val), &result); err != nil {
			return nil, fmt.Errorf("invalid cached result: %w", err)
		}
		s.logger.Debug("idempotency cache hit",
			zap.String("company_id", companyID),
			zap.String("message_id", result.MessageID),
		)
		return &result, nil
	}

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}

// Store saves the result of a successfully processed enqueue.
func (s *IdempotencyService) Store(ctx context.Context, companyID, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(companyID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

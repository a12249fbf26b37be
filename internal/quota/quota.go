// Package quota enforces the provider-imposed daily send limit.
//
// The counter for each company lives in Redis under a date-stamped key, so
// calendar-day rollover needs no scheduled reset: the first access after
// midnight simply reads a fresh key. Successful sends are the only thing
// counted; priority never bypasses the quota.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ispbill/courier/internal/metrics"
	"github.com/ispbill/courier/internal/redis"
)

// keyTTL keeps yesterday's counter around long enough for dashboards that
// straddle midnight, then lets Redis reclaim it.
const keyTTL = 48 * time.Hour

// ErrQuotaExhausted signals that today's effective limit is spent. It is
// backpressure, not a failure: the dispatcher defers and messages stay queued.
var ErrQuotaExhausted = errors.New("daily quota exhausted")

// Stats is the quota snapshot served to dashboards.
type Stats struct {
	MessagesSent   int     `json:"messages_sent"`
	EffectiveLimit int     `json:"effective_limit"`
	Remaining      int     `json:"remaining"`
	PercentageUsed float64 `json:"percentage_used"`
	CanSend        bool    `json:"can_send"`
}

// Slot is one reserved send against a specific day's counter. Releasing a
// slot decrements the exact key it was acquired from, so a bracket that
// straddles midnight still balances yesterday's counter instead of touching
// the fresh day.
type Slot struct {
	CompanyID uuid.UUID
	Key       string
}

// Tracker maintains per-company, per-day send counters in Redis.
type Tracker struct {
	client *redis.Client
	logger *zap.Logger

	now func() time.Time
}

// NewTracker creates a quota tracker.
func NewTracker(client *redis.Client, logger *zap.Logger) *Tracker {
	return &Tracker{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

func (t *Tracker) key(companyID uuid.UUID) string {
	return fmt.Sprintf("quota:%s:%s", companyID, t.now().Format("2006-01-02"))
}

// Acquire reserves one send slot against today's effective limit. The
// increment and the limit check are a single atomic step: INCR first, and if
// the result overshoots, give the slot straight back. Two concurrent workers
// can therefore never both settle past the limit.
func (t *Tracker) Acquire(ctx context.Context, companyID uuid.UUID, effectiveLimit int) (Slot, error) {
	if effectiveLimit <= 0 {
		return Slot{}, ErrQuotaExhausted
	}

	key := t.key(companyID)

	n, err := t.client.RDB().Incr(ctx, key).Result()
	if err != nil {
		return Slot{}, fmt.Errorf("quota incr: %w", err)
	}
	if n == 1 {
		// First send of the day creates the key; bound its lifetime.
		if err := t.client.RDB().Expire(ctx, key, keyTTL).Err(); err != nil {
			t.logger.Warn("failed to set quota key expiry", zap.Error(err), zap.String("key", key))
		}
	}

	if int(n) > effectiveLimit {
		if err := t.client.RDB().Decr(ctx, key).Err(); err != nil {
			t.logger.Error("failed to roll back quota overshoot",
				zap.Error(err),
				zap.String("key", key),
			)
		}
		return Slot{}, ErrQuotaExhausted
	}

	metrics.SetQuotaUsed(companyID.String(), int(n))

	return Slot{CompanyID: companyID, Key: key}, nil
}

// Release returns a previously acquired slot, used when the send did not
// complete (gateway failure, or the sent transition could not be recorded).
// It decrements the slot's own key, not today's, so the counter the slot came
// from is the one that balances. The counter never goes below zero.
func (t *Tracker) Release(ctx context.Context, slot Slot) error {
	if slot.Key == "" {
		return nil
	}

	n, err := t.client.RDB().Decr(ctx, slot.Key).Result()
	if err != nil {
		return fmt.Errorf("quota decr: %w", err)
	}
	if n < 0 {
		// Over-release; clamp back to zero.
		if err := t.client.RDB().Incr(ctx, slot.Key).Err(); err != nil {
			return fmt.Errorf("quota clamp: %w", err)
		}
		n = 0
	}

	metrics.SetQuotaUsed(slot.CompanyID.String(), int(n))

	return nil
}

// Sent returns the number of sends recorded against today's counter.
func (t *Tracker) Sent(ctx context.Context, companyID uuid.UUID) (int, error) {
	val, err := t.client.RDB().Get(ctx, t.key(companyID)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota get: %w", err)
	}

	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("quota parse %q: %w", val, err)
	}
	return n, nil
}

// CanSend reports whether at least one slot remains today. Read-only; the
// dispatcher itself relies on Acquire for the authoritative answer.
func (t *Tracker) CanSend(ctx context.Context, companyID uuid.UUID, effectiveLimit int) (bool, error) {
	sent, err := t.Sent(ctx, companyID)
	if err != nil {
		return false, err
	}
	return sent < effectiveLimit, nil
}

// Snapshot assembles the dashboard view of today's quota.
func (t *Tracker) Snapshot(ctx context.Context, companyID uuid.UUID, effectiveLimit int) (*Stats, error) {
	sent, err := t.Sent(ctx, companyID)
	if err != nil {
		return nil, err
	}

	remaining := effectiveLimit - sent
	if remaining < 0 {
		remaining = 0
	}

	var pct float64
	if effectiveLimit > 0 {
		pct = float64(sent) / float64(effectiveLimit) * 100
	}

	return &Stats{
		MessagesSent:   sent,
		EffectiveLimit: effectiveLimit,
		Remaining:      remaining,
		PercentageUsed: pct,
		CanSend:        sent < effectiveLimit,
	}, nil
}

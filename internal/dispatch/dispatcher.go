// Package dispatch runs the send loop: it drains eligible messages per
// company in priority-then-age order, under the daily quota, and applies the
// retry policy to failures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ispbill/courier/internal/breaker"
	"github.com/ispbill/courier/internal/db"
	"github.com/ispbill/courier/internal/gateway"
	"github.com/ispbill/courier/internal/metrics"
	"github.com/ispbill/courier/internal/quota"
)

// Repository is the slice of the message store the dispatcher needs. All
// message mutation goes through these transition methods.
type Repository interface {
	CompaniesWithEligible(ctx context.Context) ([]uuid.UUID, error)
	GetSettings(ctx context.Context, companyID uuid.UUID) (*db.Settings, error)
	ClaimNextEligible(ctx context.Context, companyID uuid.UUID) (*db.Message, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retryCount int, nextEligibleAt time.Time) error
	MarkFailedPermanent(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error
}

// Quota reserves and returns send slots against the daily limit.
type Quota interface {
	Acquire(ctx context.Context, companyID uuid.UUID, effectiveLimit int) (quota.Slot, error)
	Release(ctx context.Context, slot quota.Slot) error
}

// Sender delivers one message to the gateway. Implemented by gateway.Client.
type Sender interface {
	SendText(ctx context.Context, recipient, content string) error
	SendImage(ctx context.Context, recipient, imageURL, caption string) error
	SendDocument(ctx context.Context, recipient, documentURL, caption string) error
}

// SenderFactory builds a sender from a company's settings snapshot, once per
// company per cycle. Swappable in tests.
type SenderFactory func(settings *db.Settings) Sender

// Config holds dispatcher tuning.
type Config struct {
	Interval       time.Duration // how often to scan for eligible work
	MaxPerCycle    int           // per-company send guard per cycle
	GatewayTimeout time.Duration
}

// Dispatcher is the only writer that initiates gateway sends.
type Dispatcher struct {
	repo    Repository
	quota   Quota
	senders SenderFactory
	retry   *RetryPolicy
	config  Config
	logger  *zap.Logger

	breakers map[uuid.UUID]*breaker.Breaker
	now      func() time.Time
}

// New creates a Dispatcher.
func New(repo Repository, q Quota, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxPerCycle == 0 {
		cfg.MaxPerCycle = 25
	}
	if cfg.GatewayTimeout == 0 {
		cfg.GatewayTimeout = 30 * time.Second
	}

	d := &Dispatcher{
		repo:     repo,
		quota:    q,
		retry:    NewRetryPolicy(),
		config:   cfg,
		logger:   logger,
		breakers: make(map[uuid.UUID]*breaker.Breaker),
		now:      time.Now,
	}
	d.senders = d.gatewaySender

	return d
}

func (d *Dispatcher) gatewaySender(settings *db.Settings) Sender {
	return gateway.NewClient(gateway.Config{
		ServerAddress: settings.ServerAddress,
		APIKey:        settings.APIKey,
		Timeout:       d.config.GatewayTimeout,
	}, d.logger)
}

// Start runs the dispatch loop until the context is cancelled. In-flight
// gateway calls run to completion; claims that were never attempted simply
// become eligible again when their lease expires.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", zap.Duration("interval", d.config.Interval))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.RunCycle(ctx)
		}
	}
}

// RunCycle performs one dispatch pass over every company with eligible work.
func (d *Dispatcher) RunCycle(ctx context.Context) {
	companies, err := d.repo.CompaniesWithEligible(ctx)
	if err != nil {
		d.logger.Error("failed to list companies with eligible messages", zap.Error(err))
		return
	}

	for _, companyID := range companies {
		d.processCompany(ctx, companyID)
	}
}

func (d *Dispatcher) processCompany(ctx context.Context, companyID uuid.UUID) {
	settings, err := d.repo.GetSettings(ctx, companyID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Not configured yet: no sends attempted, messages stay queued.
			d.logger.Debug("skipping unconfigured company", zap.String("company_id", companyID.String()))
			return
		}
		d.logger.Error("failed to load settings", zap.Error(err), zap.String("company_id", companyID.String()))
		return
	}

	if !settings.Configured() {
		d.logger.Debug("skipping company with incomplete gateway settings",
			zap.String("company_id", companyID.String()),
		)
		return
	}

	if !d.sendWindowOpen(settings) {
		return
	}

	br := d.breakerFor(companyID)
	sender := d.senders(settings)
	limit := settings.EffectiveLimit()

	for i := 0; i < d.config.MaxPerCycle; i++ {
		slot, err := d.quota.Acquire(ctx, companyID, limit)
		if err != nil {
			if errors.Is(err, quota.ErrQuotaExhausted) {
				// Backpressure, not an error: remaining messages stay queued
				// until the day rolls over.
				metrics.RecordQuotaDeferral(companyID.String())
				d.logger.Info("daily quota exhausted, deferring remaining messages",
					zap.String("company_id", companyID.String()),
					zap.Int("effective_limit", limit),
				)
			} else {
				d.logger.Error("quota acquire failed", zap.Error(err))
			}
			return
		}

		msg, err := d.repo.ClaimNextEligible(ctx, companyID)
		if err != nil {
			d.releaseSlot(ctx, slot)
			if !errors.Is(err, db.ErrNotFound) {
				d.logger.Error("failed to claim next message", zap.Error(err))
			}
			return
		}

		if !d.deliver(ctx, sender, br, companyID, slot, msg) {
			return
		}
	}
}

// deliver attempts one gateway send and applies the outcome to the message
// and the reserved quota slot. Returns false when the cycle for this company
// should stop (circuit open). A single message's failure never aborts the
// cycle for other messages.
func (d *Dispatcher) deliver(ctx context.Context, sender Sender, br *breaker.Breaker, companyID uuid.UUID, slot quota.Slot, msg *db.Message) bool {
	if !br.Allow() {
		// Leave the message for a later cycle; no attempt was made, so no
		// retry is consumed and the slot goes back.
		d.releaseSlot(ctx, slot)
		d.logger.Warn("gateway circuit open, deferring company",
			zap.String("company_id", companyID.String()),
			zap.String("state", br.CurrentState().String()),
		)
		return false
	}

	err := d.send(ctx, sender, msg)
	if err == nil {
		br.RecordSuccess()
		d.handleSuccess(ctx, companyID, slot, msg)
		return true
	}

	kind := gateway.Classify(err)
	metrics.RecordGatewayError(kind.String())

	if kind == gateway.KindPermanent {
		// The endpoint answered, so the breaker stays healthy even though
		// this particular message can never be delivered.
		br.RecordSuccess()
		d.handlePermanentFailure(ctx, slot, msg, err)
		return true
	}

	br.RecordFailure()
	d.handleTransientFailure(ctx, slot, msg, err)
	return true
}

func (d *Dispatcher) send(ctx context.Context, sender Sender, msg *db.Message) error {
	if msg.MessageType == db.TypeMedia && msg.MediaType != nil && msg.MediaURL != nil {
		switch *msg.MediaType {
		case db.MediaImage:
			return sender.SendImage(ctx, msg.Recipient, *msg.MediaURL, msg.Content)
		case db.MediaDocument:
			return sender.SendDocument(ctx, msg.Recipient, *msg.MediaURL, msg.Content)
		}
	}
	return sender.SendText(ctx, msg.Recipient, msg.Content)
}

// handleSuccess finalizes a delivered message. The sent transition and the
// quota increment must land together: the slot was already reserved, so if
// the store cannot record the transition the slot is given back, keeping the
// counter and the sent states consistent.
func (d *Dispatcher) handleSuccess(ctx context.Context, companyID uuid.UUID, slot quota.Slot, msg *db.Message) {
	if err := d.repo.MarkSent(ctx, msg.ID); err != nil {
		d.logger.Error("delivered but failed to mark sent, releasing quota slot",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		d.releaseSlot(ctx, slot)
		return
	}

	metrics.RecordDispatched("sent")
	metrics.RecordDeliveryLatency(d.now().Sub(msg.CreatedAt))

	d.logger.Info("message sent",
		zap.String("message_id", msg.ID.String()),
		zap.String("company_id", companyID.String()),
		zap.Int("priority", msg.Priority),
		zap.Int("retry_count", msg.RetryCount),
	)
}

// handlePermanentFailure moves a message straight to failed_permanent. No
// quota is consumed for a message that was never delivered.
func (d *Dispatcher) handlePermanentFailure(ctx context.Context, slot quota.Slot, msg *db.Message, sendErr error) {
	d.releaseSlot(ctx, slot)

	if err := d.repo.MarkFailedPermanent(ctx, msg.ID, sendErr.Error(), msg.RetryCount); err != nil {
		d.logger.Error("failed to mark message failed_permanent",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return
	}

	metrics.RecordDispatched("failed_permanent")
	d.logger.Warn("message permanently failed",
		zap.String("message_id", msg.ID.String()),
		zap.String("error", sendErr.Error()),
	)
}

// handleTransientFailure applies the retry policy: backoff and requeue, or
// failed_permanent once the ceiling is reached.
func (d *Dispatcher) handleTransientFailure(ctx context.Context, slot quota.Slot, msg *db.Message, sendErr error) {
	d.releaseSlot(ctx, slot)

	decision := d.retry.Evaluate(msg.RetryCount, msg.MaxRetries)

	if decision.Permanent {
		if err := d.repo.MarkFailedPermanent(ctx, msg.ID, sendErr.Error(), decision.RetryCount); err != nil {
			d.logger.Error("failed to mark message failed_permanent",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
			)
			return
		}
		metrics.RecordDispatched("failed_permanent")
		d.logger.Warn("retry ceiling reached, message permanently failed",
			zap.String("message_id", msg.ID.String()),
			zap.Int("retry_count", decision.RetryCount),
			zap.String("error", sendErr.Error()),
		)
		return
	}

	if err := d.repo.MarkFailed(ctx, msg.ID, sendErr.Error(), decision.RetryCount, decision.NextEligibleAt); err != nil {
		d.logger.Error("failed to mark message for retry",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return
	}

	metrics.RecordDispatched("retried")
	d.logger.Info("transient delivery failure, retry scheduled",
		zap.String("message_id", msg.ID.String()),
		zap.Int("retry_count", decision.RetryCount),
		zap.Time("next_eligible_at", decision.NextEligibleAt),
		zap.String("error", sendErr.Error()),
	)
}

func (d *Dispatcher) releaseSlot(ctx context.Context, slot quota.Slot) {
	if err := d.quota.Release(ctx, slot); err != nil {
		d.logger.Error("failed to release quota slot",
			zap.Error(err),
			zap.String("company_id", slot.CompanyID.String()),
		)
	}
}

func (d *Dispatcher) breakerFor(companyID uuid.UUID) *breaker.Breaker {
	if br, ok := d.breakers[companyID]; ok {
		return br
	}
	br := breaker.New(breaker.DefaultConfig(fmt.Sprintf("gateway:%s", companyID)), d.logger)
	d.breakers[companyID] = br
	return br
}

// sendWindowOpen reports whether the company's daily send window has opened.
// The window starts at message_send_time local time and closes at midnight;
// before it, the dispatcher defers the company entirely.
func (d *Dispatcher) sendWindowOpen(settings *db.Settings) bool {
	if settings.MessageSendTime == "" {
		return true
	}

	windowStart, err := time.Parse("15:04", settings.MessageSendTime)
	if err != nil {
		d.logger.Warn("invalid message_send_time, treating window as open",
			zap.String("company_id", settings.CompanyID.String()),
			zap.String("message_send_time", settings.MessageSendTime),
		)
		return true
	}

	now := d.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), windowStart.Hour(), windowStart.Minute(), 0, 0, now.Location())
	return !now.Before(start)
}

// Package enqueue validates send requests and inserts pending messages.
package enqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ispbill/courier/internal/db"
	"github.com/ispbill/courier/internal/metrics"
)

// defaultMaxRetries applies when a company has not configured messaging
// settings yet. Enqueueing is allowed before configuration; only sending is
// blocked.
const defaultMaxRetries = 3

// Repository is the slice of the message store the enqueuer needs.
type Repository interface {
	CreateMessage(ctx context.Context, msg *db.Message) error
	GetSettings(ctx context.Context, companyID uuid.UUID) (*db.Settings, error)
}

// SingleRequest queues one message with already-resolved content.
type SingleRequest struct {
	Recipient  string
	Content    string
	Priority   *int
	MediaType  string // image or document; empty means plain text
	MediaURL   string
	CustomerID *uuid.UUID
}

// Profile is the collaborator-supplied customer data used for placeholder
// substitution in bulk sends.
type Profile struct {
	CustomerID uuid.UUID
	Phone      string
	FirstName  string
	LastName   string
	PlanName   string
}

// BulkRequest queues one templated message per recipient.
type BulkRequest struct {
	Recipients   []Profile
	TemplateText string
	Priority     *int
}

// BulkResult reports what a bulk enqueue actually did.
type BulkResult struct {
	Queued  int
	Skipped int // recipients dropped for invalid phone numbers
}

// Enqueuer validates, normalizes, and inserts messages in pending state.
type Enqueuer struct {
	repo   Repository
	logger *zap.Logger
}

// New creates an Enqueuer.
func New(repo Repository, logger *zap.Logger) *Enqueuer {
	return &Enqueuer{
		repo:   repo,
		logger: logger,
	}
}

func (e *Enqueuer) maxRetries(ctx context.Context, companyID uuid.UUID) int {
	settings, err := e.repo.GetSettings(ctx, companyID)
	if err != nil || settings.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return settings.MaxRetries
}

func resolvePriority(p *int) (int, error) {
	if p == nil {
		return db.PriorityMedium, nil
	}
	if !db.ValidPriority(*p) {
		return 0, fmt.Errorf("unknown priority class %d", *p)
	}
	return *p, nil
}

// Single validates and queues one message, returning its ID.
func (e *Enqueuer) Single(ctx context.Context, companyID uuid.UUID, req SingleRequest) (uuid.UUID, error) {
	recipient, err := NormalizePhone(req.Recipient)
	if err != nil {
		return uuid.Nil, err
	}

	priority, err := resolvePriority(req.Priority)
	if err != nil {
		return uuid.Nil, err
	}

	msg := &db.Message{
		ID:          uuid.New(),
		CompanyID:   companyID,
		CustomerID:  req.CustomerID,
		Recipient:   recipient,
		Content:     req.Content,
		MessageType: db.TypeText,
		Priority:    priority,
		Status:      db.StatusPending,
		MaxRetries:  e.maxRetries(ctx, companyID),
	}

	if req.MediaType != "" {
		if req.MediaType != db.MediaImage && req.MediaType != db.MediaDocument {
			return uuid.Nil, fmt.Errorf("unknown media type %q", req.MediaType)
		}
		if req.MediaURL == "" {
			return uuid.Nil, errors.New("media messages require media_url")
		}
		msg.MessageType = db.TypeMedia
		msg.MediaType = &req.MediaType
		msg.MediaURL = &req.MediaURL
	}

	if err := e.repo.CreateMessage(ctx, msg); err != nil {
		return uuid.Nil, err
	}

	metrics.RecordEnqueued(companyID.String(), msg.MessageType)

	return msg.ID, nil
}

// Bulk renders the template per recipient and queues one message each.
// Recipients with invalid phone numbers are skipped and counted, never
// failing the whole batch. The returned Queued count confirms "queued",
// not "sent".
func (e *Enqueuer) Bulk(ctx context.Context, companyID uuid.UUID, req BulkRequest) (*BulkResult, error) {
	if len(req.Recipients) == 0 {
		return nil, errors.New("bulk request has no recipients")
	}
	if req.TemplateText == "" {
		return nil, errors.New("bulk request has no template text")
	}

	priority, err := resolvePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	maxRetries := e.maxRetries(ctx, companyID)

	result := &BulkResult{}
	for _, profile := range req.Recipients {
		recipient, err := NormalizePhone(profile.Phone)
		if err != nil {
			e.logger.Warn("skipping bulk recipient with invalid phone",
				zap.String("company_id", companyID.String()),
				zap.String("customer_id", profile.CustomerID.String()),
				zap.Error(err),
			)
			result.Skipped++
			continue
		}

		customerID := profile.CustomerID
		msg := &db.Message{
			ID:          uuid.New(),
			CompanyID:   companyID,
			CustomerID:  &customerID,
			Recipient:   recipient,
			Content:     RenderTemplate(req.TemplateText, profileValues(profile)),
			MessageType: db.TypeTemplate,
			Priority:    priority,
			Status:      db.StatusPending,
			MaxRetries:  maxRetries,
		}

		if err := e.repo.CreateMessage(ctx, msg); err != nil {
			// Insertion failures abort the batch; callers see how many made
			// it in alongside the error.
			return result, fmt.Errorf("bulk enqueue after %d queued: %w", result.Queued, err)
		}

		metrics.RecordEnqueued(companyID.String(), db.TypeTemplate)
		result.Queued++
	}

	e.logger.Info("bulk enqueue complete",
		zap.String("company_id", companyID.String()),
		zap.Int("queued", result.Queued),
		zap.Int("skipped", result.Skipped),
	)

	return result, nil
}

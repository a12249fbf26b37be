package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no row matches the requested ID.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a state transition matches no row, meaning the
// message was already moved to another status by a concurrent actor.
var ErrConflict = errors.New("invalid state transition")

// claimLease is how long a claimed message stays invisible to other
// dispatcher workers. A crashed worker's claim expires on its own.
const claimLease = 2 * time.Minute

const messageColumns = `
	id, company_id, customer_id, recipient, content, message_type,
	media_type, media_url, priority, status, retry_count, max_retries,
	next_eligible_at, error_message, created_at, sent_at
`

// Repository handles database operations for messages and settings.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new message repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.CompanyID,
		&m.CustomerID,
		&m.Recipient,
		&m.Content,
		&m.MessageType,
		&m.MediaType,
		&m.MediaURL,
		&m.Priority,
		&m.Status,
		&m.RetryCount,
		&m.MaxRetries,
		&m.NextEligibleAt,
		&m.ErrorMessage,
		&m.CreatedAt,
		&m.SentAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage inserts a new message into the queue.
func (r *Repository) CreateMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (
			id, company_id, customer_id, recipient, content, message_type,
			media_type, media_url, priority, status, retry_count, max_retries,
			next_eligible_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		msg.ID,
		msg.CompanyID,
		msg.CustomerID,
		msg.Recipient,
		msg.Content,
		msg.MessageType,
		msg.MediaType,
		msg.MediaURL,
		msg.Priority,
		msg.Status,
		msg.RetryCount,
		msg.MaxRetries,
		msg.NextEligibleAt,
	).Scan(&msg.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return fmt.Errorf("insert message: %w", err)
	}

	r.logger.Info("message queued",
		zap.String("message_id", msg.ID.String()),
		zap.String("company_id", msg.CompanyID.String()),
		zap.Int("priority", msg.Priority),
	)

	return nil
}

// GetMessage retrieves a message by ID.
func (r *Repository) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}

	return msg, nil
}

// ClaimNextEligible picks the single best eligible message for a company and
// claims it for this worker. Selection is lowest priority value first, then
// oldest. The claim bumps next_eligible_at by a short lease so concurrent
// workers cannot pick the same row; SKIP LOCKED covers the race between the
// inner select and the update.
func (r *Repository) ClaimNextEligible(ctx context.Context, companyID uuid.UUID) (*Message, error) {
	query := `
		UPDATE messages
		SET next_eligible_at = NOW() + $2::interval
		WHERE id = (
			SELECT id FROM messages
			WHERE company_id = $1
			  AND status IN ('pending', 'failed')
			  AND (next_eligible_at IS NULL OR next_eligible_at <= NOW())
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + messageColumns

	msg, err := scanMessage(r.db.Pool().QueryRow(ctx, query, companyID, claimLease.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim next eligible: %w", err)
	}

	return msg, nil
}

// MarkSent transitions a message to sent. Only pending or failed messages can
// complete; anything else means a concurrent transition won and the caller
// must treat the send as not counted.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE messages
		SET status = 'sent', sent_at = NOW(), error_message = NULL
		WHERE id = $1 AND status IN ('pending', 'failed')
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message %s to sent: %w", id, ErrConflict)
	}

	return nil
}

// MarkFailed records a transient failure: the message keeps its place in the
// retry pool and becomes eligible again at nextEligibleAt.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retryCount int, nextEligibleAt time.Time) error {
	query := `
		UPDATE messages
		SET status = 'failed', error_message = $2, retry_count = $3, next_eligible_at = $4
		WHERE id = $1 AND status IN ('pending', 'failed')
	`

	result, err := r.db.Pool().Exec(ctx, query, id, errMsg, retryCount, nextEligibleAt)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message %s to failed: %w", id, ErrConflict)
	}

	return nil
}

// MarkFailedPermanent moves a message to its terminal failure state. No
// automatic transition ever leaves failed_permanent.
func (r *Repository) MarkFailedPermanent(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	query := `
		UPDATE messages
		SET status = 'failed_permanent', error_message = $2, retry_count = $3, next_eligible_at = NULL
		WHERE id = $1 AND status IN ('pending', 'failed')
	`

	result, err := r.db.Pool().Exec(ctx, query, id, errMsg, retryCount)
	if err != nil {
		return fmt.Errorf("mark failed permanent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message %s to failed_permanent: %w", id, ErrConflict)
	}

	return nil
}

// ResetForRetry is the explicit admin action that puts a failed or
// permanently failed message back into the active pool. It is the only path
// out of failed_permanent. The reset is scoped to the owning company;
// another company's message behaves as if it does not exist.
func (r *Repository) ResetForRetry(ctx context.Context, companyID, id uuid.UUID) error {
	query := `
		UPDATE messages
		SET status = 'pending', retry_count = 0, next_eligible_at = NOW(), error_message = NULL
		WHERE id = $1 AND company_id = $2 AND status IN ('failed', 'failed_permanent')
	`

	result, err := r.db.Pool().Exec(ctx, query, id, companyID)
	if err != nil {
		return fmt.Errorf("reset for retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Missing or foreign message vs. a message in a non-retryable state.
		var exists bool
		lookup := `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND company_id = $2)`
		if err := r.db.Pool().QueryRow(ctx, lookup, id, companyID).Scan(&exists); err != nil {
			return fmt.Errorf("reset lookup: %w", err)
		}
		if !exists {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("message %s reset: %w", id, ErrConflict)
	}

	r.logger.Info("message reset for manual retry", zap.String("message_id", id.String()))

	return nil
}

// ListMessages retrieves a page of a company's queue, optionally filtered by
// status, newest first. Returns the page plus the total row count for the
// filter.
func (r *Repository) ListMessages(ctx context.Context, companyID uuid.UUID, status string, limit, offset int) ([]*Message, int, error) {
	countQuery := `SELECT COUNT(*) FROM messages WHERE company_id = $1 AND ($2 = '' OR status = $2)`

	var total int
	if err := r.db.Pool().QueryRow(ctx, countQuery, companyID, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE company_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, total, nil
}

// CountByStatus aggregates a company's queue totals for the dashboard.
func (r *Repository) CountByStatus(ctx context.Context, companyID uuid.UUID) (*StatusCounts, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'failed_permanent')
		FROM messages
		WHERE company_id = $1
	`

	var counts StatusCounts
	err := r.db.Pool().QueryRow(ctx, query, companyID).Scan(
		&counts.Total,
		&counts.Pending,
		&counts.Sent,
		&counts.Failed,
		&counts.FailedPermanent,
	)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}

	return &counts, nil
}

// CompaniesWithEligible lists companies that currently have at least one
// message the dispatcher could pick up.
func (r *Repository) CompaniesWithEligible(ctx context.Context) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT company_id FROM messages
		WHERE status IN ('pending', 'failed')
		  AND (next_eligible_at IS NULL OR next_eligible_at <= NOW())
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query companies with eligible: %w", err)
	}
	defer rows.Close()

	var companies []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan company id: %w", err)
		}
		companies = append(companies, id)
	}

	return companies, rows.Err()
}

// GetSettings loads a company's messaging settings. Returns ErrNotFound when
// the company has never been configured.
func (r *Repository) GetSettings(ctx context.Context, companyID uuid.UUID) (*Settings, error) {
	query := `
		SELECT
			company_id, api_key, server_address, auto_send_invoices,
			auto_send_deadline_alerts, message_send_time, deadline_check_time,
			deadline_alert_days_before, daily_quota_limit, quota_buffer,
			max_retries, updated_at
		FROM messaging_settings
		WHERE company_id = $1
	`

	var s Settings
	err := r.db.Pool().QueryRow(ctx, query, companyID).Scan(
		&s.CompanyID,
		&s.APIKey,
		&s.ServerAddress,
		&s.AutoSendInvoices,
		&s.AutoSendDeadlineAlerts,
		&s.MessageSendTime,
		&s.DeadlineCheckTime,
		&s.DeadlineAlertDays,
		&s.DailyQuotaLimit,
		&s.QuotaBuffer,
		&s.MaxRetries,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("settings for company %s: %w", companyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}

	return &s, nil
}

// UpsertSettings creates or replaces a company's messaging settings.
func (r *Repository) UpsertSettings(ctx context.Context, s *Settings) error {
	query := `
		INSERT INTO messaging_settings (
			company_id, api_key, server_address, auto_send_invoices,
			auto_send_deadline_alerts, message_send_time, deadline_check_time,
			deadline_alert_days_before, daily_quota_limit, quota_buffer,
			max_retries, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (company_id) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			server_address = EXCLUDED.server_address,
			auto_send_invoices = EXCLUDED.auto_send_invoices,
			auto_send_deadline_alerts = EXCLUDED.auto_send_deadline_alerts,
			message_send_time = EXCLUDED.message_send_time,
			deadline_check_time = EXCLUDED.deadline_check_time,
			deadline_alert_days_before = EXCLUDED.deadline_alert_days_before,
			daily_quota_limit = EXCLUDED.daily_quota_limit,
			quota_buffer = EXCLUDED.quota_buffer,
			max_retries = EXCLUDED.max_retries,
			updated_at = NOW()
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		s.CompanyID,
		s.APIKey,
		s.ServerAddress,
		s.AutoSendInvoices,
		s.AutoSendDeadlineAlerts,
		s.MessageSendTime,
		s.DeadlineCheckTime,
		s.DeadlineAlertDays,
		s.DailyQuotaLimit,
		s.QuotaBuffer,
		s.MaxRetries,
	).Scan(&s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}

	r.logger.Info("messaging settings updated",
		zap.String("company_id", s.CompanyID.String()),
		zap.Int("daily_quota_limit", s.DailyQuotaLimit),
		zap.Int("quota_buffer", s.QuotaBuffer),
	)

	return nil
}

// Package api exposes the HTTP surface consumed by the admin UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ispbill/courier/internal/db"
	"github.com/ispbill/courier/internal/enqueue"
	"github.com/ispbill/courier/internal/quota"
	"github.com/ispbill/courier/internal/redis"
)

// Repository is the read/admin slice of the message store used by handlers.
// All write paths except manual retry and settings go through the enqueuer.
type Repository interface {
	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	ListMessages(ctx context.Context, companyID uuid.UUID, status string, limit, offset int) ([]*db.Message, int, error)
	CountByStatus(ctx context.Context, companyID uuid.UUID) (*db.StatusCounts, error)
	ResetForRetry(ctx context.Context, companyID, id uuid.UUID) error
	GetSettings(ctx context.Context, companyID uuid.UUID) (*db.Settings, error)
	UpsertSettings(ctx context.Context, s *db.Settings) error
}

// EnqueueService validates and queues messages.
type EnqueueService interface {
	Single(ctx context.Context, companyID uuid.UUID, req enqueue.SingleRequest) (uuid.UUID, error)
	Bulk(ctx context.Context, companyID uuid.UUID, req enqueue.BulkRequest) (*enqueue.BulkResult, error)
}

// QuotaService serves the read-only quota snapshot.
type QuotaService interface {
	Snapshot(ctx context.Context, companyID uuid.UUID, effectiveLimit int) (*quota.Stats, error)
}

// Pinger exercises the gateway for the test-connection endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFactory builds a Pinger from a company's settings.
type PingerFactory func(settings *db.Settings) Pinger

// ErrorResponse is the problem+json error shape.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the API handlers.
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	enqueuer    EnqueueService
	quota       QuotaService
	pinger      PingerFactory
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates an API handler.
func NewHandler(logger *zap.Logger, repo Repository, enqueuer EnqueueService, q QuotaService, pinger PingerFactory) *Handler {
	return &Handler{
		logger:   logger,
		repo:     repo,
		enqueuer: enqueuer,
		quota:    q,
		pinger:   pinger,
	}
}

// WithIdempotency enables enqueue deduplication via the Idempotency-Key
// header.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// Routes mounts all WhatsApp queue endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/send", h.Send)
	r.Post("/send-bulk", h.SendBulk)
	r.Get("/queue", h.ListQueue)
	r.Get("/queue/stats", h.QueueStats)
	r.Get("/queue/{id}", h.GetMessage)
	r.Post("/retry/{id}", h.RetryMessage)
	r.Get("/quota", h.Quota)
	r.Get("/config", h.GetConfig)
	r.Put("/config", h.PutConfig)
	r.Post("/config/test-connection", h.TestConnection)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// companyID extracts and validates the tenant from the X-Company-ID header.
func (h *Handler) companyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Company-ID")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing company", "X-Company-ID header is required")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid company", "X-Company-ID must be a valid UUID")
		return uuid.Nil, false
	}

	return id, true
}

// SendRequest is the body for POST /send.
type SendRequest struct {
	Recipient  string  `json:"recipient"`
	Content    string  `json:"content"`
	Priority   *int    `json:"priority,omitempty"`
	MediaType  string  `json:"media_type,omitempty"`
	MediaURL   string  `json:"media_url,omitempty"`
	CustomerID *string `json:"customer_id,omitempty"`
}

// Send handles POST /api/whatsapp/send.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Recipient == "" || req.Content == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "recipient and content are required")
		return
	}

	single := enqueue.SingleRequest{
		Recipient: req.Recipient,
		Content:   req.Content,
		Priority:  req.Priority,
		MediaType: req.MediaType,
		MediaURL:  req.MediaURL,
	}

	if req.CustomerID != nil {
		customerID, err := uuid.Parse(*req.CustomerID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid customer_id", "customer_id must be a valid UUID")
			return
		}
		single.CustomerID = &customerID
	}

	// Optional enqueue deduplication via Idempotency-Key.
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, companyID.String(), idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding", zap.Error(err))
		} else if cached != nil {
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, map[string]string{"id": cached.MessageID})
			return
		}
	}

	id, err := h.enqueuer.Single(ctx, companyID, single)
	if err != nil {
		if errors.Is(err, enqueue.ErrInvalidRecipient) {
			h.writeError(w, http.StatusBadRequest, "invalid_recipient", "Invalid recipient", err.Error())
			return
		}
		h.logger.Error("failed to enqueue message", zap.Error(err), zap.String("company_id", companyID.String()))
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to queue message", "")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{MessageID: id.String(), StatusCode: http.StatusCreated}
		if err := h.idempotency.Store(ctx, companyID.String(), idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result", zap.Error(err))
		}
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

// BulkRecipient is one entry in a bulk send request.
type BulkRecipient struct {
	CustomerID string `json:"customer_id"`
	Phone      string `json:"phone"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	PlanName   string `json:"plan_name"`
}

// SendBulkRequest is the body for POST /send-bulk.
type SendBulkRequest struct {
	Recipients   []BulkRecipient `json:"recipients"`
	TemplateText string          `json:"template_text"`
	Priority     *int            `json:"priority,omitempty"`
}

// SendBulk handles POST /api/whatsapp/send-bulk.
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}

	var req SendBulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if len(req.Recipients) == 0 || req.TemplateText == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "recipients and template_text are required")
		return
	}

	bulk := enqueue.BulkRequest{
		TemplateText: req.TemplateText,
		Priority:     req.Priority,
	}
	for _, rec := range req.Recipients {
		customerID, err := uuid.Parse(rec.CustomerID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid customer_id",
				"recipient customer_id "+rec.CustomerID+" is not a valid UUID")
			return
		}
		bulk.Recipients = append(bulk.Recipients, enqueue.Profile{
			CustomerID: customerID,
			Phone:      rec.Phone,
			FirstName:  rec.FirstName,
			LastName:   rec.LastName,
			PlanName:   rec.PlanName,
		})
	}

	result, err := h.enqueuer.Bulk(ctx, companyID, bulk)
	if err != nil {
		h.logger.Error("bulk enqueue failed", zap.Error(err), zap.String("company_id", companyID.String()))
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to queue bulk messages", "")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]int{
		"queued_count":  result.Queued,
		"skipped_count": result.Skipped,
	})
}

// ListQueue handles GET /api/whatsapp/queue?page&per_page&status.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}

	page := 1
	perPage := 20

	if v := r.URL.Query().Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := r.URL.Query().Get("per_page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p <= 100 {
			perPage = p
		}
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", db.StatusPending, db.StatusSent, db.StatusFailed, db.StatusFailedPermanent:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status filter",
			"status must be one of pending, sent, failed, failed_permanent")
		return
	}

	messages, total, err := h.repo.ListMessages(ctx, companyID, status, perPage, (page-1)*perPage)
	if err != nil {
		h.logger.Error("failed to list queue", zap.Error(err), zap.String("company_id", companyID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	totalPages := (total + perPage - 1) / perPage
	if messages == nil {
		messages = []*db.Message{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"messages":    messages,
		"total":       total,
		"total_pages": totalPages,
		"page":        page,
	})
}

// GetMessage handles GET /api/whatsapp/queue/{id}.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	msg, err := h.repo.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
			return
		}
		h.logger.Error("failed to load message", zap.Error(err), zap.String("message_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load message", "")
		return
	}

	// A message belongs to exactly one company; cross-company reads 404.
	if msg.CompanyID != companyID {
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
		return
	}

	h.writeJSON(w, http.StatusOK, msg)
}

// QueueStats handles GET /api/whatsapp/queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}

	counts, err := h.repo.CountByStatus(ctx, companyID)
	if err != nil {
		h.logger.Error("failed to aggregate queue stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load stats", "")
		return
	}

	h.writeJSON(w, http.StatusOK, counts)
}

// RetryMessage handles POST /api/whatsapp/retry/{id}. This is the explicit
// admin action that resets a failed or permanently failed message; it is
// never triggered automatically.
func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.ResetForRetry(ctx, companyID, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
			return
		}
		if errors.Is(err, db.ErrConflict) {
			h.writeError(w, http.StatusConflict, "invalid_state", "Message is not retryable",
				"Only failed or permanently failed messages can be retried")
			return
		}
		h.logger.Error("manual retry failed", zap.Error(err), zap.String("message_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to retry message", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// Quota handles GET /api/whatsapp/quota.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}

	settings, err := h.repo.GetSettings(ctx, companyID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeJSON(w, http.StatusOK, map[string]any{"configured": false})
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load settings", "")
		return
	}

	snapshot, err := h.quota.Snapshot(ctx, companyID, settings.EffectiveLimit())
	if err != nil {
		h.logger.Error("failed to load quota snapshot", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "quota_error", "Failed to load quota", "")
		return
	}

	h.writeJSON(w, http.StatusOK, snapshot)
}

// SettingsRequest is the body for PUT /config.
type SettingsRequest struct {
	APIKey                 string `json:"api_key"`
	ServerAddress          string `json:"server_address"`
	AutoSendInvoices       bool   `json:"auto_send_invoices"`
	AutoSendDeadlineAlerts bool   `json:"auto_send_deadline_alerts"`
	MessageSendTime        string `json:"message_send_time"`
	DeadlineCheckTime      string `json:"deadline_check_time"`
	DeadlineAlertDays      int    `json:"deadline_alert_days_before"`
	DailyQuotaLimit        int    `json:"daily_quota_limit"`
	QuotaBuffer            int    `json:"quota_buffer"`
	MaxRetries             int    `json:"max_retries"`
}

// GetConfig handles GET /api/whatsapp/config. The API key is masked in
// responses; only its tail is shown for recognition.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}

	settings, err := h.repo.GetSettings(ctx, companyID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeJSON(w, http.StatusOK, map[string]any{"configured": false})
			return
		}
		h.logger.Error("failed to load settings", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load settings", "")
		return
	}

	masked := *settings
	masked.APIKey = maskKey(settings.APIKey)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"configured": settings.Configured(),
		"settings":   &masked,
	})
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

// PutConfig handles PUT /api/whatsapp/config.
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}

	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if detail := validateSettings(&req); detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid settings", detail)
		return
	}

	settings := &db.Settings{
		CompanyID:              companyID,
		APIKey:                 req.APIKey,
		ServerAddress:          req.ServerAddress,
		AutoSendInvoices:       req.AutoSendInvoices,
		AutoSendDeadlineAlerts: req.AutoSendDeadlineAlerts,
		MessageSendTime:        req.MessageSendTime,
		DeadlineCheckTime:      req.DeadlineCheckTime,
		DeadlineAlertDays:      req.DeadlineAlertDays,
		DailyQuotaLimit:        req.DailyQuotaLimit,
		QuotaBuffer:            req.QuotaBuffer,
		MaxRetries:             req.MaxRetries,
	}

	if err := h.repo.UpsertSettings(ctx, settings); err != nil {
		h.logger.Error("failed to save settings", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save settings", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func validateSettings(req *SettingsRequest) string {
	if req.DailyQuotaLimit <= 0 {
		return "daily_quota_limit must be positive"
	}
	if req.QuotaBuffer < 0 {
		return "quota_buffer must not be negative"
	}
	if req.QuotaBuffer >= req.DailyQuotaLimit {
		return "quota_buffer must be smaller than daily_quota_limit"
	}
	if req.MaxRetries < 1 {
		return "max_retries must be at least 1"
	}
	if req.DeadlineAlertDays < 0 {
		return "deadline_alert_days_before must not be negative"
	}
	for _, field := range []string{req.MessageSendTime, req.DeadlineCheckTime} {
		if field == "" {
			continue
		}
		if _, err := time.Parse("15:04", field); err != nil {
			return "send and check times must use HH:MM format"
		}
	}
	return ""
}

// TestConnection handles POST /api/whatsapp/config/test-connection.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}

	settings, err := h.repo.GetSettings(ctx, companyID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeJSON(w, http.StatusOK, map[string]any{
				"success": false,
				"message": "Gateway is not configured",
			})
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load settings", "")
		return
	}

	if !settings.Configured() {
		h.writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "Gateway is not configured",
		})
		return
	}

	if err := h.pinger(settings).Ping(ctx); err != nil {
		h.logger.Warn("gateway test connection failed",
			zap.Error(err),
			zap.String("company_id", companyID.String()),
		)
		h.writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": err.Error(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Gateway connection OK",
	})
}

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ispbill/courier/internal/db"
	"github.com/ispbill/courier/internal/gateway"
	"github.com/ispbill/courier/internal/quota"
)

type failedCall struct {
	id             uuid.UUID
	errMsg         string
	retryCount     int
	nextEligibleAt time.Time
}

type permanentCall struct {
	id         uuid.UUID
	errMsg     string
	retryCount int
}

// fakeRepo serves a fixed queue of messages for one company and records
// every state transition.
type fakeRepo struct {
	companyID uuid.UUID
	settings  *db.Settings
	queue     []*db.Message

	claimed     int
	sent        []uuid.UUID
	failed      []failedCall
	permanent   []permanentCall
	markSentErr error
}

func (r *fakeRepo) CompaniesWithEligible(ctx context.Context) ([]uuid.UUID, error) {
	return []uuid.UUID{r.companyID}, nil
}

func (r *fakeRepo) GetSettings(ctx context.Context, companyID uuid.UUID) (*db.Settings, error) {
	if r.settings == nil {
		return nil, db.ErrNotFound
	}
	return r.settings, nil
}

// ClaimNextEligible mirrors the store's selection rule: lowest priority
// value first, then oldest.
func (r *fakeRepo) ClaimNextEligible(ctx context.Context, companyID uuid.UUID) (*db.Message, error) {
	best := -1
	for i, m := range r.queue {
		if best == -1 {
			best = i
			continue
		}
		if m.Priority < r.queue[best].Priority ||
			(m.Priority == r.queue[best].Priority && m.CreatedAt.Before(r.queue[best].CreatedAt)) {
			best = i
		}
	}
	if best == -1 {
		return nil, db.ErrNotFound
	}
	msg := r.queue[best]
	r.queue = append(r.queue[:best], r.queue[best+1:]...)
	r.claimed++
	return msg, nil
}

func (r *fakeRepo) MarkSent(ctx context.Context, id uuid.UUID) error {
	if r.markSentErr != nil {
		return r.markSentErr
	}
	r.sent = append(r.sent, id)
	return nil
}

func (r *fakeRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retryCount int, nextEligibleAt time.Time) error {
	r.failed = append(r.failed, failedCall{id, errMsg, retryCount, nextEligibleAt})
	return nil
}

func (r *fakeRepo) MarkFailedPermanent(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	r.permanent = append(r.permanent, permanentCall{id, errMsg, retryCount})
	return nil
}

// fakeQuota tracks acquire/release against a fixed limit.
type fakeQuota struct {
	limit    int
	used     int
	acquires int
	releases int
}

func (q *fakeQuota) Acquire(ctx context.Context, companyID uuid.UUID, effectiveLimit int) (quota.Slot, error) {
	q.acquires++
	if q.used >= q.limit {
		return quota.Slot{}, quota.ErrQuotaExhausted
	}
	q.used++
	return quota.Slot{CompanyID: companyID, Key: "quota:test"}, nil
}

func (q *fakeQuota) Release(ctx context.Context, slot quota.Slot) error {
	q.releases++
	q.used--
	return nil
}

type sentCall struct {
	kind      string
	recipient string
	url       string
	content   string
}

// fakeSender returns the configured errors in order, then nil.
type fakeSender struct {
	errs  []error
	calls []sentCall
}

func (s *fakeSender) nextErr() error {
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *fakeSender) SendText(ctx context.Context, recipient, content string) error {
	s.calls = append(s.calls, sentCall{kind: "text", recipient: recipient, content: content})
	return s.nextErr()
}

func (s *fakeSender) SendImage(ctx context.Context, recipient, imageURL, caption string) error {
	s.calls = append(s.calls, sentCall{kind: "image", recipient: recipient, url: imageURL, content: caption})
	return s.nextErr()
}

func (s *fakeSender) SendDocument(ctx context.Context, recipient, documentURL, caption string) error {
	s.calls = append(s.calls, sentCall{kind: "document", recipient: recipient, url: documentURL, content: caption})
	return s.nextErr()
}

func testSettings(companyID uuid.UUID) *db.Settings {
	return &db.Settings{
		CompanyID:       companyID,
		APIKey:          "test-key",
		ServerAddress:   "https://wa.example.com",
		DailyQuotaLimit: 200,
		QuotaBuffer:     5,
		MaxRetries:      3,
	}
}

func testMessage(companyID uuid.UUID, priority, retryCount int) *db.Message {
	return &db.Message{
		ID:          uuid.New(),
		CompanyID:   companyID,
		Recipient:   "+5215512345678",
		Content:     "hello",
		MessageType: db.TypeText,
		Priority:    priority,
		Status:      db.StatusPending,
		RetryCount:  retryCount,
		MaxRetries:  3,
		CreatedAt:   time.Now().Add(-time.Minute),
	}
}

func newTestDispatcher(repo *fakeRepo, q *fakeQuota, sender *fakeSender) *Dispatcher {
	d := New(repo, q, Config{MaxPerCycle: 25}, zap.NewNop())
	d.senders = func(settings *db.Settings) Sender { return sender }
	return d
}

func TestDispatcher_SendsEligibleMessages(t *testing.T) {
	companyID := uuid.New()
	repo := &fakeRepo{
		companyID: companyID,
		settings:  testSettings(companyID),
		queue: []*db.Message{
			testMessage(companyID, db.PriorityHigh, 0),
			testMessage(companyID, db.PriorityMedium, 0),
		},
	}
	q := &fakeQuota{limit: 100}
	sender := &fakeSender{}

	d := newTestDispatcher(repo, q, sender)
	d.RunCycle(context.Background())

	if len(repo.sent) != 2 {
		t.Fatalf("expected 2 messages sent, got %d", len(repo.sent))
	}
	if len(sender.calls) != 2 {
		t.Fatalf("expected 2 gateway calls, got %d", len(sender.calls))
	}
	if q.used != 2 {
		t.Errorf("expected 2 quota slots consumed, got %d", q.used)
	}
}

func TestDispatcher_PriorityThenAgeOrder(t *testing.T) {
	companyID := uuid.New()
	base := time.Now().Add(-time.Hour)

	// Enqueued low, high, medium; age order matches enqueue order.
	low := testMessage(companyID, db.PriorityLow, 0)
	low.CreatedAt = base
	high := testMessage(companyID, db.PriorityHigh, 0)
	high.CreatedAt = base.Add(time.Minute)
	medium := testMessage(companyID, db.PriorityMedium, 0)
	medium.CreatedAt = base.Add(2 * time.Minute)
	oldLow := testMessage(companyID, db.PriorityLow, 0)
	oldLow.CreatedAt = base.Add(-time.Minute)

	repo := &fakeRepo{
		companyID: companyID,
		settings:  testSettings(companyID),
		queue:     []*db.Message{low, high, medium, oldLow},
	}
	sender := &fakeSender{}

	d := newTestDispatcher(repo, &fakeQuota{limit: 100}, sender)
	d.RunCycle(context.Background())

	want := []uuid.UUID{high.ID, medium.ID, oldLow.ID, low.ID}
	if len(repo.sent) != len(want) {
		t.Fatalf("expected %d sends, got %d", len(want), len(repo.sent))
	}
	for i, id := range want {
		if repo.sent[i] != id {
			t.Errorf("send %d: expected %s, got %s", i, id, repo.sent[i])
		}
	}
}

func TestDispatcher_MediaRouting(t *testing.T) {
	companyID := uuid.New()
	mediaType := db.MediaImage
	mediaURL := "https://cdn.example.com/invoice.png"

	msg := testMessage(companyID, db.PriorityMedium, 0)
	msg.MessageType = db.TypeMedia
	msg.MediaType = &mediaType
	msg.MediaURL = &mediaURL

	repo := &fakeRepo{
		companyID: companyID,
		settings:  testSettings(companyID),
		queue:     []*db.Message{msg},
	}
	sender := &fakeSender{}

	d := newTestDispatcher(repo, &fakeQuota{limit: 10}, sender)
	d.RunCycle(context.Background())

	if len(sender.calls) != 1 {
		t.Fatalf("expected 1 gateway call, got %d", len(sender.calls))
	}
	if sender.calls[0].kind != "image" {
		t.Errorf("expected image send, got %s", sender.calls[0].kind)
	}
	if sender.calls[0].url != mediaURL {
		t.Errorf("expected media URL %s, got %s", mediaURL, sender.calls[0].url)
	}
}

func TestDispatcher_QuotaExhaustedDefersRemaining(t *testing.T) {
	companyID := uuid.New()
	repo := &fakeRepo{
		companyID: companyID,
		settings:  testSettings(companyID),
		queue: []*db.Message{
			testMessage(companyID, db.PriorityHigh, 0),
			testMessage(companyID, db.PriorityHigh, 0),
			testMessage(companyID, db.PriorityHigh, 0),
		},
	}
	q := &fakeQuota{limit: 2}
	sender := &fakeSender{}

	d := newTestDispatcher(repo, q, sender)
	d.RunCycle(context.Background())

	if len(repo.sent) != 2 {
		t.Fatalf("expected 2 messages sent before exhaustion, got %d", len(repo.sent))
	}
	if len(repo.queue) != 1 {
		t.Errorf("expected 1 message left queued, got %d", len(repo.queue))
	}
	// The deferred message keeps its pending state untouched
	if len(repo.failed) != 0 || len(repo.permanent) != 0 {
		t.Error("quota deferral must not transition messages")
	}
}

func TestDispatcher_TransientFailureSchedulesRetry(t *testing.T) {
	companyID := uuid.New()
	msg := testMessage(companyID, db.PriorityMedium, 0)
	repo := &fakeRepo{
		companyID: companyID,
		settings:  testSettings(companyID),
		queue:     []*db.Message{msg},
	}
	q := &fakeQuota{limit: 10}
	sender := &fakeSender{errs: []error{
		&gateway.APIError{Kind: gateway.KindTransient, StatusCode: 503, Message: "server busy"},
	}}

	d := newTestDispatcher(repo, q, sender)
	d.RunCycle(context.Background())

	if len(repo.failed) != 1 {
		t.Fatalf("expected 1 retry scheduled, got %d", len(repo.failed))
	}
	call := repo.failed[0]
	if call.retryCount != 1 {
		t.Errorf("expected retry count 1, got %d", call.retryCount)
	}
	if !call.nextEligibleAt.After(time.Now()) {
		t.Error("next eligible time should be in the future")
	}
	// Failed send must not consume quota
	if q.used != 0 {
		t.Errorf("expected quota released, got %d used", q.used)
	}
}

func TestDispatcher_RetryCeilingGoesPermanent(t *testing.T) {
	companyID := uuid.New()
	msg := testMessage(companyID, db.PriorityMedium, 2) // two failures already
	repo := &fakeRepo{
		companyID: companyID,
		settings:  testSettings(companyID),
		queue:     []*db.Message{msg},
	}
	q := &fakeQuota{limit: 10}
	sender := &fakeSender{errs: []error{
		&gateway.APIError{Kind: gateway.KindTransient, StatusCode: 503, Message: "server busy"},
	}}

	d := newTestDispatcher(repo, q, sender)
	d.RunCycle(context.Background())

	if len(repo.permanent) != 1 {
		t.Fatalf("expected permanent failure, got %d", len(repo.permanent))
	}
	if repo.permanent[0].retryCount != 3 {
		t.Errorf("expected final retry count 3, got %d", repo.permanent[0].retryCount)
	}
	if q.used != 0 {
		t.Errorf("expected quota released, got %d used", q.used)
	}
}

func TestDispatcher_PermanentErrorSkipsRetries(t *testing.T) {
	companyID := uuid.New()
	msg := testMessage(companyID, db.PriorityMedium, 0)
	repo := &fakeRepo{
		companyID: companyID,
		settings:  testSettings(companyID),
		queue:     []*db.Message{msg},
	}
	q := &fakeQuota{limit: 10}
	sender := &fakeSender{errs: []error{
		&gateway.APIError{Kind: gateway.KindPermanent, StatusCode: 400, Message: "invalid number"},
	}}

	d := newTestDispatcher(repo, q, sender)
	d.RunCycle(context.Background())

	if len(repo.permanent) != 1 {
		t.Fatalf("expected immediate permanent failure, got %d", len(repo.permanent))
	}
	// Retry budget untouched for messages the gateway rejected outright
	if repo.permanent[0].retryCount != 0 {
		t.Errorf("expected retry count 0, got %d", repo.permanent[0].retryCount)
	}
	if len(repo.failed) != 0 {
		t.Error("permanent error must not schedule a retry")
	}
	if q.used != 0 {
		t.Errorf("expected quota released, got %d used", q.used)
	}
}

func TestDispatcher_MarkSentFailureReleasesSlot(t *testing.T) {
	companyID := uuid.New()
	repo := &fakeRepo{
		companyID:   companyID,
		settings:    testSettings(companyID),
		queue:       []*db.Message{testMessage(companyID, db.PriorityMedium, 0)},
		markSentErr: db.ErrConflict,
	}
	q := &fakeQuota{limit: 10}
	sender := &fakeSender{}

	d := newTestDispatcher(repo, q, sender)
	d.RunCycle(context.Background())

	if q.used != 0 {
		t.Errorf("expected slot released when sent transition fails, got %d used", q.used)
	}
}

func TestDispatcher_SkipsUnconfiguredCompany(t *testing.T) {
	companyID := uuid.New()
	settings := testSettings(companyID)
	settings.APIKey = ""

	repo := &fakeRepo{
		companyID: companyID,
		settings:  settings,
		queue:     []*db.Message{testMessage(companyID, db.PriorityHigh, 0)},
	}
	q := &fakeQuota{limit: 10}
	sender := &fakeSender{}

	d := newTestDispatcher(repo, q, sender)
	d.RunCycle(context.Background())

	if len(sender.calls) != 0 {
		t.Errorf("expected no sends for unconfigured company, got %d", len(sender.calls))
	}
	if q.acquires != 0 {
		t.Errorf("expected no quota activity, got %d acquires", q.acquires)
	}
}

func TestDispatcher_SkipsCompanyWithoutSettings(t *testing.T) {
	companyID := uuid.New()
	repo := &fakeRepo{
		companyID: companyID,
		settings:  nil,
		queue:     []*db.Message{testMessage(companyID, db.PriorityHigh, 0)},
	}
	sender := &fakeSender{}

	d := newTestDispatcher(repo, &fakeQuota{limit: 10}, sender)
	d.RunCycle(context.Background())

	if len(sender.calls) != 0 {
		t.Errorf("expected no sends without settings, got %d", len(sender.calls))
	}
}

func TestDispatcher_RespectsSendWindow(t *testing.T) {
	companyID := uuid.New()
	settings := testSettings(companyID)
	settings.MessageSendTime = "14:00"

	repo := &fakeRepo{
		companyID: companyID,
		settings:  settings,
		queue:     []*db.Message{testMessage(companyID, db.PriorityHigh, 0)},
	}
	sender := &fakeSender{}

	d := newTestDispatcher(repo, &fakeQuota{limit: 10}, sender)
	d.now = func() time.Time {
		return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	}
	d.RunCycle(context.Background())

	if len(sender.calls) != 0 {
		t.Errorf("expected no sends before the window opens, got %d", len(sender.calls))
	}

	// After the window opens the same message goes out
	d.now = func() time.Time {
		return time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)
	}
	d.RunCycle(context.Background())

	if len(sender.calls) != 1 {
		t.Errorf("expected 1 send after the window opens, got %d", len(sender.calls))
	}
}

func TestDispatcher_MaxPerCycleGuard(t *testing.T) {
	companyID := uuid.New()
	repo := &fakeRepo{
		companyID: companyID,
		settings:  testSettings(companyID),
	}
	for i := 0; i < 10; i++ {
		repo.queue = append(repo.queue, testMessage(companyID, db.PriorityMedium, 0))
	}
	sender := &fakeSender{}

	d := New(repo, &fakeQuota{limit: 100}, Config{MaxPerCycle: 4}, zap.NewNop())
	d.senders = func(settings *db.Settings) Sender { return sender }
	d.RunCycle(context.Background())

	if len(repo.sent) != 4 {
		t.Fatalf("expected 4 sends this cycle, got %d", len(repo.sent))
	}
	if len(repo.queue) != 6 {
		t.Errorf("expected 6 messages left for the next cycle, got %d", len(repo.queue))
	}
}

func TestDispatcher_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	companyID := uuid.New()
	repo := &fakeRepo{
		companyID: companyID,
		settings:  testSettings(companyID),
	}
	sender := &fakeSender{}
	for i := 0; i < 10; i++ {
		repo.queue = append(repo.queue, testMessage(companyID, db.PriorityMedium, 0))
		sender.errs = append(sender.errs, &gateway.APIError{
			Kind: gateway.KindTransient, StatusCode: 503, Message: "gateway down",
		})
	}
	q := &fakeQuota{limit: 100}

	d := newTestDispatcher(repo, q, sender)
	d.RunCycle(context.Background())

	// Five consecutive transient failures trip the breaker; the sixth claim
	// is deferred without a gateway attempt.
	if len(sender.calls) != 5 {
		t.Fatalf("expected 5 attempts before the circuit opened, got %d", len(sender.calls))
	}
	if repo.claimed != 6 {
		t.Errorf("expected 6 claims, got %d", repo.claimed)
	}
	if q.used != 0 {
		t.Errorf("expected all slots released, got %d used", q.used)
	}
	// The deferred message consumed no retry
	if len(repo.failed) != 5 {
		t.Errorf("expected 5 retries scheduled, got %d", len(repo.failed))
	}
}

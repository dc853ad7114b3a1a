package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"enrollment-service/internal/broker"
	"enrollment-service/internal/models"
	"enrollment-service/internal/redisclient"
	"enrollment-service/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubReconciler returns scripted errors per reference, then successes
type stubReconciler struct {
	mu        sync.Mutex
	errs      map[string][]error
	outcomes  map[string]service.ReconcileOutcome
	calls     map[string]int
	recovered []string
}

func newStubReconciler() *stubReconciler {
	return &stubReconciler{
		errs:     map[string][]error{},
		outcomes: map[string]service.ReconcileOutcome{},
		calls:    map[string]int{},
	}
}

func (s *stubReconciler) Reconcile(ctx context.Context, ref string, opts service.ReconcileOptions) (*service.ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls[ref]
	s.calls[ref] = n + 1
	if errs := s.errs[ref]; n < len(errs) && errs[n] != nil {
		return nil, errs[n]
	}
	outcome, ok := s.outcomes[ref]
	if !ok {
		outcome = service.OutcomeReconciled
	}
	return &service.ReconcileResult{Reference: ref, Outcome: outcome}, nil
}

func (s *stubReconciler) Recover(ctx context.Context, ref string) (*service.ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovered = append(s.recovered, ref)
	return &service.ReconcileResult{Reference: ref, Outcome: service.OutcomeReconciled}, nil
}

func (s *stubReconciler) callCount(ref string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[ref]
}

func fastRetry() RetryConfig {
	return RetryConfig{Attempts: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func webhook(ref string) *models.GatewayWebhookEvent {
	return &models.GatewayWebhookEvent{
		BaseEvent:    models.BaseEvent{EventID: "evt-" + ref, EventType: models.EventTypeGatewayWebhook},
		Reference:    ref,
		GatewayEvent: "charge.success",
	}
}

func TestHandleWebhookRetriesUnavailableGateway(t *testing.T) {
	rec := newStubReconciler()
	unavailable := fmt.Errorf("%w: timeout", service.ErrGatewayUnavailable)
	rec.errs["CRS-1"] = []error{unavailable, unavailable}
	w := NewWebhookWorker(nil, nil, rec, fastRetry())

	require.NoError(t, w.HandleWebhook(context.Background(), webhook("CRS-1")))
	assert.Equal(t, 3, rec.callCount("CRS-1"))
}

func TestHandleWebhookGivesUpAfterAttempts(t *testing.T) {
	rec := newStubReconciler()
	unavailable := fmt.Errorf("%w: timeout", service.ErrGatewayUnavailable)
	rec.errs["CRS-2"] = []error{unavailable, unavailable, unavailable, unavailable}
	w := NewWebhookWorker(nil, nil, rec, fastRetry())

	err := w.HandleWebhook(context.Background(), webhook("CRS-2"))
	assert.True(t, errors.Is(err, service.ErrGatewayUnavailable))
	assert.Equal(t, 3, rec.callCount("CRS-2"))
}

func TestHandleWebhookDoesNotRetryRejections(t *testing.T) {
	rec := newStubReconciler()
	rec.errs["CRS-3"] = []error{service.ErrGatewayRejected}
	w := NewWebhookWorker(nil, nil, rec, fastRetry())

	assert.NoError(t, w.HandleWebhook(context.Background(), webhook("CRS-3")))
	assert.Equal(t, 1, rec.callCount("CRS-3"))
}

func TestHandleWebhookRecoversUnknownReference(t *testing.T) {
	rec := newStubReconciler()
	rec.errs["CRS-4"] = []error{service.ErrPaymentNotFound}
	w := NewWebhookWorker(nil, nil, rec, fastRetry())

	require.NoError(t, w.HandleWebhook(context.Background(), webhook("CRS-4")))
	assert.Equal(t, []string{"CRS-4"}, rec.recovered)
}

// memProcessed is an in-memory processed_events table
type memProcessed struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (p *memProcessed) IsEventProcessed(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ids[id], nil
}

func (p *memProcessed) MarkEventProcessed(ctx context.Context, id, eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids[id] = true
	return nil
}

func webhookMessage(t *testing.T, ref string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(webhook(ref))
	require.NoError(t, err)
	return kafka.Message{Key: []byte(ref), Value: b}
}

func TestHandleWebhookReturnsStoreErrors(t *testing.T) {
	rec := newStubReconciler()
	rec.errs["CRS-5"] = []error{fmt.Errorf("failed to load payment: %w", errors.New("driver: bad connection"))}
	processed := &memProcessed{ids: map[string]bool{}}
	w := NewWebhookWorker(nil, processed, rec, fastRetry())

	err := w.eventHandler.HandleMessage(context.Background(), webhookMessage(t, "CRS-5"))
	assert.ErrorContains(t, err, "bad connection")
	assert.Equal(t, 1, rec.callCount("CRS-5"))
	assert.Empty(t, processed.ids)

	// the consumer redelivers; the store is back
	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), webhookMessage(t, "CRS-5")))
	assert.True(t, processed.ids["evt-CRS-5"])
}

func TestHandleWebhookDropsTerminalErrors(t *testing.T) {
	rec := newStubReconciler()
	rec.errs["CRS-6"] = []error{fmt.Errorf("%w: bad key", service.ErrGatewayRejected)}
	rec.errs["CRS-7"] = []error{service.ErrCompensationRequired}
	processed := &memProcessed{ids: map[string]bool{}}
	w := NewWebhookWorker(nil, processed, rec, fastRetry())

	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), webhookMessage(t, "CRS-6")))
	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), webhookMessage(t, "CRS-7")))
	assert.True(t, processed.ids["evt-CRS-6"])
	assert.True(t, processed.ids["evt-CRS-7"])
}

func TestHandleWebhookStillPendingIsNotMarked(t *testing.T) {
	rec := newStubReconciler()
	rec.outcomes["CRS-8"] = service.OutcomeStillPending
	processed := &memProcessed{ids: map[string]bool{}}
	w := NewWebhookWorker(nil, processed, rec, fastRetry())

	err := w.HandleWebhook(context.Background(), webhook("CRS-8"))
	assert.ErrorIs(t, err, broker.ErrIncomplete)

	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), webhookMessage(t, "CRS-8")))
	assert.Empty(t, processed.ids)

	// a resend after the gateway settles is reconciled again
	rec.mu.Lock()
	rec.outcomes["CRS-8"] = service.OutcomeReconciled
	rec.mu.Unlock()
	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), webhookMessage(t, "CRS-8")))
	assert.True(t, processed.ids["evt-CRS-8"])
	assert.Equal(t, 3, rec.callCount("CRS-8"))
}

type stalePayments struct {
	payments []models.Payment
	cutoff   time.Time
	limit    int
}

func (s *stalePayments) ListStalePendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	s.cutoff, s.limit = cutoff, limit
	if len(s.payments) > limit {
		return s.payments[:limit], nil
	}
	return s.payments, nil
}

func newTestLocker(t *testing.T) *redisclient.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisclient.New(rdb)
}

func TestSweeperRunOnce(t *testing.T) {
	rec := newStubReconciler()
	rec.outcomes["CRS-b"] = service.OutcomeStillPending
	rec.errs["CRS-c"] = []error{fmt.Errorf("%w: down", service.ErrGatewayUnavailable)}
	rec.errs["CRS-d"] = []error{service.ErrGatewayRejected}

	src := &stalePayments{payments: []models.Payment{
		{Reference: "CRS-a"}, {Reference: "CRS-b"}, {Reference: "CRS-c"}, {Reference: "CRS-d"},
	}}
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewSweeper(src, rec, newTestLocker(t), SweeperConfig{StaleAfter: 10 * time.Minute, Parallelism: 2})
	s.now = func() time.Time { return now }

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Scanned)
	assert.Equal(t, 1, stats.Reconciled)
	assert.Equal(t, 2, stats.StillPending)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, now.Add(-10*time.Minute), src.cutoff)
	assert.Equal(t, 100, src.limit)
}

func TestSweeperSkipsWhenLocked(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()
	_, ok, err := locker.AcquireLock(ctx, sweepLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec := newStubReconciler()
	s := NewSweeper(&stalePayments{payments: []models.Payment{{Reference: "CRS-a"}}}, rec, locker, SweeperConfig{})

	stats, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
	assert.Equal(t, 0, rec.callCount("CRS-a"))
}

func TestSweeperReleasesLock(t *testing.T) {
	locker := newTestLocker(t)
	s := NewSweeper(&stalePayments{}, newStubReconciler(), locker, SweeperConfig{})

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.Skipped)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(&stalePayments{}, newStubReconciler(), nil, SweeperConfig{Schedule: "every now and then"})
	assert.Error(t, s.Start())
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"enrollment-service/internal/gateway"
	"enrollment-service/internal/models"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PaymentRepository is the storage the reconciliation engine needs
type PaymentRepository interface {
	GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	RecordPayment(ctx context.Context, payment *models.Payment) (bool, error)
	MarkPaymentSuccessful(ctx context.Context, reference string, confirmedAmount int64, paidAt time.Time) (*store.Transition, error)
	MarkPaymentFailed(ctx context.Context, reference string) (*store.Transition, error)
	ListStalePendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error)
}

// ReconcileOutcome describes what a reconciliation call did
type ReconcileOutcome string

const (
	// OutcomeAlreadyReconciled means the payment was already successful; nothing ran
	OutcomeAlreadyReconciled ReconcileOutcome = "already_reconciled"
	// OutcomeReconciled means this call moved the payment out of pending
	OutcomeReconciled ReconcileOutcome = "reconciled"
	// OutcomeStillPending means the gateway has no final answer yet
	OutcomeStillPending ReconcileOutcome = "still_pending"
	// OutcomeAlreadyFailed means the payment was already failed
	OutcomeAlreadyFailed ReconcileOutcome = "already_failed"
)

// ReconcileOptions controls a reconciliation call
type ReconcileOptions struct {
	// Recheck consults the gateway even for a failed payment. It never promotes it.
	Recheck bool
}

// ReconcileResult is the observable state after a reconciliation call
type ReconcileResult struct {
	Reference string               `json:"reference"`
	Status    models.PaymentStatus `json:"status"`
	Outcome   ReconcileOutcome     `json:"outcome"`
	Payment   *models.Payment      `json:"payment,omitempty"`
}

// ReconcilerConfig tunes reconciliation
type ReconcilerConfig struct {
	VerifyTimeout time.Duration
	// CallTimeout bounds a shared reconciliation, which outlives the caller
	// that started it
	CallTimeout time.Duration
}

// Reconciler turns gateway outcomes into durable payment, enrollment and
// coupon state. It is safe to call any number of times, concurrently, from
// any number of processes: the store's conditional update decides the winner.
type Reconciler struct {
	repo      PaymentRepository
	gateway   gateway.Gateway
	publisher EventPublisher
	cfg       ReconcilerConfig
	group     singleflight.Group
	now       func() time.Time
	logger    *zap.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(repo PaymentRepository, gw gateway.Gateway, publisher EventPublisher, cfg ReconcilerConfig) *Reconciler {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 3 * cfg.VerifyTimeout
	}
	return &Reconciler{
		repo:      repo,
		gateway:   gw,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// Reconcile brings the local state of reference in line with the gateway.
// Concurrent calls for one reference share a single run; a caller that gives
// up returns its own ctx error without cancelling the run for the others.
func (r *Reconciler) Reconcile(ctx context.Context, reference string, opts ReconcileOptions) (*ReconcileResult, error) {
	key := reference
	if opts.Recheck {
		key += "#recheck"
	}

	ch := r.group.DoChan(key, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CallTimeout)
		defer cancel()
		return r.reconcile(sctx, reference, opts)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		v, _ := res.Val.(*ReconcileResult)
		return v, res.Err
	}
}

func (r *Reconciler) reconcile(ctx context.Context, reference string, opts ReconcileOptions) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Reconcile", attribute.String("reference", reference))
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileLatency.Observe(time.Since(start).Seconds())
	}()

	payment, err := r.repo.GetPaymentByReference(ctx, reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}

	status, err := models.ParsePaymentStatus(string(payment.Status))
	if err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("payment %s: %w", reference, err)
	}
	if status.IsTerminal() {
		if status == models.PaymentStatusSuccessful {
			return r.result(payment, OutcomeAlreadyReconciled), nil
		}
		if !opts.Recheck {
			return r.result(payment, OutcomeAlreadyFailed), nil
		}
		return r.recheckFailed(ctx, payment)
	}

	outcome, err := r.verify(ctx, reference)
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}

	switch outcome.Status {
	case gateway.StatusSuccess:
		return r.applySuccess(ctx, payment, outcome)
	case gateway.StatusFailed:
		return r.applyFailure(ctx, payment, outcome)
	default:
		return r.result(payment, OutcomeStillPending), nil
	}
}

func (r *Reconciler) verify(ctx context.Context, reference string) (*gateway.Outcome, error) {
	vctx, cancel := context.WithTimeout(ctx, r.cfg.VerifyTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := r.gateway.Verify(vctx, reference)
	util.GatewayLatency.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	util.GatewayRequestsTotal.WithLabelValues("verify", gatewayResult(err)).Inc()

	if err != nil {
		if gateway.IsUnavailable(err) {
			r.logger.Warn("Gateway unavailable during verify, payment left pending",
				zap.String("reference", reference),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		r.logger.Error("Gateway rejected verify",
			zap.String("reference", reference),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}
	return outcome, nil
}

func (r *Reconciler) applySuccess(ctx context.Context, payment *models.Payment, outcome *gateway.Outcome) (*ReconcileResult, error) {
	confirmed := outcome.Amount
	if confirmed != payment.Amount {
		util.PaymentAmountMismatchTotal.Inc()
		r.logger.Warn("Confirmed amount differs from requested amount",
			zap.String("reference", payment.Reference),
			zap.Int64("requested", payment.Amount),
			zap.Int64("confirmed", confirmed),
			zap.String("currency", outcome.Currency))
	}

	paidAt := r.now().UTC()
	if outcome.PaidAt != nil {
		paidAt = *outcome.PaidAt
	}

	if !payment.Status.CanTransitionTo(models.PaymentStatusSuccessful) {
		return r.observe(ctx, payment.Reference, gateway.StatusSuccess)
	}
	tr, err := r.repo.MarkPaymentSuccessful(ctx, payment.Reference, confirmed, paidAt)
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment successful: %w", err)
	}

	if !tr.Applied {
		// Lost the race; report the winner's state.
		return r.observe(ctx, payment.Reference, gateway.StatusSuccess)
	}

	util.PaymentSuccessTotal.Inc()
	util.ReconciliationsTotal.WithLabelValues(string(OutcomeReconciled)).Inc()
	if tr.Payment.CouponCode != nil {
		if tr.CouponCounted {
			util.CouponRedemptionsTotal.Inc()
		} else {
			util.CouponOveruseTotal.Inc()
			r.logger.Warn("Coupon cap reached before payment settled, usage not counted",
				zap.String("reference", payment.Reference),
				zap.String("coupon_code", *tr.Payment.CouponCode))
		}
	}

	r.logger.Info("Payment reconciled as successful",
		zap.String("reference", payment.Reference),
		zap.Int64("user_id", tr.Payment.UserID),
		zap.Int64("course_id", tr.Payment.CourseID),
		zap.Int64("confirmed_amount", confirmed))

	publishSuccess(ctx, r.publisher, r.logger, tr.Payment)
	return r.result(tr.Payment, OutcomeReconciled), nil
}

func (r *Reconciler) applyFailure(ctx context.Context, payment *models.Payment, outcome *gateway.Outcome) (*ReconcileResult, error) {
	if !payment.Status.CanTransitionTo(models.PaymentStatusFailed) {
		return r.observe(ctx, payment.Reference, gateway.StatusFailed)
	}
	tr, err := r.repo.MarkPaymentFailed(ctx, payment.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment failed: %w", err)
	}

	if !tr.Applied {
		return r.observe(ctx, payment.Reference, gateway.StatusFailed)
	}

	util.PaymentFailedTotal.Inc()
	util.ReconciliationsTotal.WithLabelValues(string(OutcomeReconciled)).Inc()
	r.logger.Warn("Payment reconciled as failed",
		zap.String("reference", payment.Reference),
		zap.String("gateway_message", outcome.Message))

	event := &models.PaymentFailedEvent{
		BaseEvent: newBaseEvent(models.EventTypePaymentFailed),
		Reference: tr.Payment.Reference,
		UserID:    tr.Payment.UserID,
		CourseID:  tr.Payment.CourseID,
		Reason:    outcome.Message,
	}
	if err := r.publisher.PublishPaymentFailed(ctx, event); err != nil {
		r.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}

	return r.result(tr.Payment, OutcomeReconciled), nil
}

// observe re-reads a payment whose conditional update matched no row
func (r *Reconciler) observe(ctx context.Context, reference string, gatewayStatus gateway.Status) (*ReconcileResult, error) {
	current, err := r.repo.GetPaymentByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to reload payment: %w", err)
	}

	switch current.Status {
	case models.PaymentStatusSuccessful:
		return r.result(current, OutcomeAlreadyReconciled), nil
	case models.PaymentStatusFailed:
		if gatewayStatus == gateway.StatusSuccess {
			r.compensationRequired(current)
			return r.result(current, OutcomeAlreadyFailed), ErrCompensationRequired
		}
		return r.result(current, OutcomeAlreadyFailed), nil
	}
	return r.result(current, OutcomeStillPending), nil
}

// recheckFailed asks the gateway about a failed payment without changing it
func (r *Reconciler) recheckFailed(ctx context.Context, payment *models.Payment) (*ReconcileResult, error) {
	outcome, err := r.verify(ctx, payment.Reference)
	if err != nil {
		return nil, err
	}

	res := r.result(payment, OutcomeAlreadyFailed)
	if outcome.Status == gateway.StatusSuccess {
		r.compensationRequired(payment)
		return res, ErrCompensationRequired
	}
	return res, nil
}

func (r *Reconciler) compensationRequired(payment *models.Payment) {
	util.CompensationRequiredTotal.Inc()
	r.logger.Error("Gateway reports success for a failed payment, manual compensation required",
		zap.String("reference", payment.Reference),
		zap.Int64("user_id", payment.UserID),
		zap.Int64("course_id", payment.CourseID),
		zap.Int64("amount", payment.Amount))
}

func (r *Reconciler) result(payment *models.Payment, outcome ReconcileOutcome) *ReconcileResult {
	if outcome != OutcomeReconciled {
		util.ReconciliationsTotal.WithLabelValues(string(outcome)).Inc()
	}
	return &ReconcileResult{
		Reference: payment.Reference,
		Status:    payment.Status,
		Outcome:   outcome,
		Payment:   payment,
	}
}

// Recover materialises a payment the gateway knows about but the local store
// does not, using the metadata written at open time, then reconciles it.
func (r *Reconciler) Recover(ctx context.Context, reference string) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Recover", attribute.String("reference", reference))
	defer span.End()

	if _, err := r.repo.GetPaymentByReference(ctx, reference); err == nil {
		return r.Reconcile(ctx, reference, ReconcileOptions{})
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}

	outcome, err := r.verify(ctx, reference)
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	if outcome.Status != gateway.StatusSuccess {
		r.logger.Info("Nothing to recover, gateway transaction not successful",
			zap.String("reference", reference),
			zap.String("gateway_status", string(outcome.Status)))
		return nil, ErrPaymentNotFound
	}

	userID, errU := strconv.ParseInt(outcome.Metadata[gateway.MetaUserID], 10, 64)
	courseID, errC := strconv.ParseInt(outcome.Metadata[gateway.MetaCourseID], 10, 64)
	if errU != nil || errC != nil {
		return nil, fmt.Errorf("%w: gateway metadata carries no user/course", ErrPaymentNotFound)
	}

	payment := &models.Payment{
		Reference: reference,
		UserID:    userID,
		CourseID:  courseID,
		Amount:    outcome.Amount,
		Currency:  outcome.Currency,
		Provider:  r.gateway.Name(),
	}
	if code := models.NormalizeCouponCode(outcome.Metadata[gateway.MetaCouponCode]); code != "" {
		payment.CouponCode = &code
	}

	created, err := r.repo.RecordPayment(ctx, payment)
	if err != nil {
		return nil, err
	}
	if created {
		r.logger.Warn("Recovered payment missing from local store",
			zap.String("reference", reference),
			zap.Int64("user_id", userID),
			zap.Int64("course_id", courseID))
	}

	return r.Reconcile(ctx, reference, ReconcileOptions{})
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"enrollment-service/internal/gateway"
	"enrollment-service/internal/models"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ReferencePrefix prefixes every reference minted by this service
const ReferencePrefix = "CRS-"

// NewReference mints a globally unique transaction reference
func NewReference() string {
	return ReferencePrefix + uuid.New().String()
}

// PurchaseRepository is the storage the purchase flow needs
type PurchaseRepository interface {
	CatalogRepository
	HasSuccessfulPayment(ctx context.Context, userID, courseID int64) (bool, error)
	GetEnrollment(ctx context.Context, userID, courseID int64) (*models.Enrollment, error)
	ListEnrollmentsByUser(ctx context.Context, userID int64) ([]models.Enrollment, error)
	GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	CreatePendingPurchase(ctx context.Context, payment *models.Payment) error
	CreateFreePurchase(ctx context.Context, payment *models.Payment) error
}

// EventPublisher publishes payment lifecycle events
type EventPublisher interface {
	PublishPaymentInitiated(ctx context.Context, event *models.PaymentInitiatedEvent) error
	PublishPaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishEnrollmentActivated(ctx context.Context, event *models.EnrollmentActivatedEvent) error
}

// IdempotencyStore remembers responses per client-supplied key
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	GetIdempotencyKey(ctx context.Context, key string) ([]byte, bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value []byte, ttl time.Duration) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// PurchaseConfig tunes the purchase flow
type PurchaseConfig struct {
	CallbackURL    string
	IdempotencyTTL time.Duration
	OpenTimeout    time.Duration
}

// PurchaseService initiates purchases and free enrollments
type PurchaseService struct {
	repo        PurchaseRepository
	pricing     *PricingResolver
	gateway     gateway.Gateway
	publisher   EventPublisher
	idempotency IdempotencyStore
	cfg         PurchaseConfig
	logger      *zap.Logger
}

// NewPurchaseService creates a new purchase service. idempotency may be nil.
func NewPurchaseService(
	repo PurchaseRepository,
	pricing *PricingResolver,
	gw gateway.Gateway,
	publisher EventPublisher,
	idempotency IdempotencyStore,
	cfg PurchaseConfig,
) *PurchaseService {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 15 * time.Second
	}
	return &PurchaseService{
		repo:        repo,
		pricing:     pricing,
		gateway:     gw,
		publisher:   publisher,
		idempotency: idempotency,
		cfg:         cfg,
		logger:      util.GetLogger(),
	}
}

// InitiatePurchaseRequest represents a request to buy a course
type InitiatePurchaseRequest struct {
	UserID         int64
	Email          string
	CourseID       int64
	Currency       string
	CouponCode     string
	IdempotencyKey string
	CallbackURL    string
}

// InitiatePurchaseResponse is returned to the buyer
type InitiatePurchaseResponse struct {
	Reference        string               `json:"reference"`
	AuthorizationURL string               `json:"authorization_url,omitempty"`
	AccessCode       string               `json:"access_code,omitempty"`
	Amount           int64                `json:"amount"`
	Discount         int64                `json:"discount"`
	Currency         string               `json:"currency"`
	CouponCode       *string              `json:"coupon_code,omitempty"`
	Status           models.PaymentStatus `json:"status"`
	Free             bool                 `json:"free"`
}

// InitiatePurchase prices the course, opens a gateway transaction and stores
// the pending payment. A zero final amount skips the gateway entirely.
func (s *PurchaseService) InitiatePurchase(ctx context.Context, req *InitiatePurchaseRequest) (*InitiatePurchaseResponse, error) {
	ctx, span := util.StartSpan(ctx, "PurchaseService.InitiatePurchase",
		attribute.Int64("user_id", req.UserID),
		attribute.Int64("course_id", req.CourseID))
	defer span.End()

	idemKey := ""
	if req.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = fmt.Sprintf("purchase:%d:%s", req.UserID, req.IdempotencyKey)

		cached, err := s.claim(ctx, idemKey)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			s.logger.Info("Duplicate purchase request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("reference", cached.Reference))
			return cached, nil
		}
	}

	resp, err := s.initiate(ctx, req)
	if err != nil {
		util.SpanError(span, err)
		if idemKey != "" {
			if relErr := s.idempotency.ReleaseIdempotencyKey(ctx, idemKey); relErr != nil {
				s.logger.Warn("Failed to release idempotency key", zap.String("key", idemKey), zap.Error(relErr))
			}
		}
		return nil, err
	}

	if idemKey != "" {
		if data, mErr := json.Marshal(resp); mErr == nil {
			if err := s.idempotency.SetIdempotencyKey(ctx, idemKey, data, s.cfg.IdempotencyTTL); err != nil {
				s.logger.Warn("Failed to store idempotent response", zap.String("key", idemKey), zap.Error(err))
			}
		}
	}

	return resp, nil
}

// claim returns a cached response for key, ErrRequestInFlight if another
// request holds it, or (nil, nil) once this request owns it. Redis failures
// degrade to no idempotency.
func (s *PurchaseService) claim(ctx context.Context, key string) (*InitiatePurchaseResponse, error) {
	ok, err := s.idempotency.ClaimIdempotencyKey(ctx, key, s.cfg.IdempotencyTTL)
	if err != nil {
		s.logger.Warn("Idempotency store unavailable", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if ok {
		return nil, nil
	}

	data, found, err := s.idempotency.GetIdempotencyKey(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency store unavailable", zap.String("key", key), zap.Error(err))
		return nil, ErrRequestInFlight
	}
	if !found || len(data) == 0 {
		return nil, ErrRequestInFlight
	}

	var cached InitiatePurchaseResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("failed to decode cached response: %w", err)
	}
	return &cached, nil
}

func (s *PurchaseService) initiate(ctx context.Context, req *InitiatePurchaseRequest) (*InitiatePurchaseResponse, error) {
	if err := s.ensureNotPurchased(ctx, req.UserID, req.CourseID); err != nil {
		return nil, err
	}

	quote, err := s.pricing.Resolve(ctx, PriceRequest{
		UserID:     req.UserID,
		CourseID:   req.CourseID,
		Currency:   req.Currency,
		CouponCode: req.CouponCode,
	})
	if err != nil {
		util.PurchasesRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	payment := &models.Payment{
		Reference:  NewReference(),
		UserID:     req.UserID,
		CourseID:   req.CourseID,
		Amount:     quote.Amount,
		Currency:   quote.Currency,
		Discount:   quote.Discount,
		CouponCode: quote.CouponCode,
	}

	if quote.Amount == 0 {
		if err := s.createFree(ctx, payment); err != nil {
			return nil, err
		}
		return &InitiatePurchaseResponse{
			Reference:  payment.Reference,
			Amount:     0,
			Discount:   payment.Discount,
			Currency:   payment.Currency,
			CouponCode: payment.CouponCode,
			Status:     models.PaymentStatusSuccessful,
			Free:       true,
		}, nil
	}

	metadata := gateway.Metadata{
		gateway.MetaUserID:   strconv.FormatInt(req.UserID, 10),
		gateway.MetaCourseID: strconv.FormatInt(req.CourseID, 10),
	}
	if quote.CouponCode != nil {
		metadata[gateway.MetaCouponCode] = *quote.CouponCode
	}

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = s.cfg.CallbackURL
	}

	opened, err := s.openTransaction(ctx, gateway.OpenRequest{
		Reference:   payment.Reference,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Email:       req.Email,
		CallbackURL: callbackURL,
		Metadata:    metadata,
	})
	if err != nil {
		util.PurchasesRejectedTotal.WithLabelValues("gateway_init").Inc()
		s.logger.Error("Gateway refused to open transaction",
			zap.String("reference", payment.Reference),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGatewayInit, err)
	}
	if opened.Reference != "" {
		payment.Reference = opened.Reference
	}
	payment.Provider = s.gateway.Name()

	if err := s.repo.CreatePendingPurchase(ctx, payment); err != nil {
		if errors.Is(err, store.ErrEnrollmentActive) {
			util.PurchasesRejectedTotal.WithLabelValues("already_purchased").Inc()
			return nil, ErrAlreadyPurchased
		}
		return nil, fmt.Errorf("failed to store pending purchase: %w", err)
	}

	util.PurchasesInitiatedTotal.WithLabelValues("gateway").Inc()
	s.logger.Info("Purchase initiated",
		zap.String("reference", payment.Reference),
		zap.Int64("user_id", payment.UserID),
		zap.Int64("course_id", payment.CourseID),
		zap.Int64("amount", payment.Amount),
		zap.String("currency", payment.Currency))

	event := &models.PaymentInitiatedEvent{
		BaseEvent:  newBaseEvent(models.EventTypePaymentInitiated),
		Reference:  payment.Reference,
		UserID:     payment.UserID,
		CourseID:   payment.CourseID,
		Amount:     payment.Amount,
		Currency:   payment.Currency,
		CouponCode: payment.CouponCode,
	}
	if err := s.publisher.PublishPaymentInitiated(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentInitiated event", zap.Error(err))
	}

	return &InitiatePurchaseResponse{
		Reference:        payment.Reference,
		AuthorizationURL: opened.AuthorizationURL,
		AccessCode:       opened.AccessCode,
		Amount:           payment.Amount,
		Discount:         payment.Discount,
		Currency:         payment.Currency,
		CouponCode:       payment.CouponCode,
		Status:           models.PaymentStatusPending,
	}, nil
}

func (s *PurchaseService) openTransaction(ctx context.Context, req gateway.OpenRequest) (*gateway.OpenResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.gateway.Open(ctx, req)
	util.GatewayLatency.WithLabelValues("open").Observe(time.Since(start).Seconds())
	util.GatewayRequestsTotal.WithLabelValues("open", gatewayResult(err)).Inc()
	return res, err
}

// EnrollFree enrolls a user in a course whose price is zero
func (s *PurchaseService) EnrollFree(ctx context.Context, userID, courseID int64) (*models.Enrollment, error) {
	ctx, span := util.StartSpan(ctx, "PurchaseService.EnrollFree",
		attribute.Int64("user_id", userID),
		attribute.Int64("course_id", courseID))
	defer span.End()

	course, err := s.repo.GetCourse(ctx, courseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: course %d does not exist", ErrInvalidCourse, courseID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load course: %w", err)
	}
	if !course.IsPublished {
		return nil, fmt.Errorf("%w: course %d is not published", ErrInvalidCourse, courseID)
	}
	if course.Price > 0 {
		return nil, ErrPaymentRequired
	}

	if err := s.ensureNotPurchased(ctx, userID, courseID); err != nil {
		return nil, err
	}

	payment := &models.Payment{
		Reference: NewReference(),
		UserID:    userID,
		CourseID:  courseID,
		Currency:  course.Currency,
	}
	if err := s.createFree(ctx, payment); err != nil {
		return nil, err
	}

	return s.repo.GetEnrollment(ctx, userID, courseID)
}

// createFree stores a zero-amount successful payment with its active enrollment
func (s *PurchaseService) createFree(ctx context.Context, payment *models.Payment) error {
	payment.Provider = models.ProviderFree
	payment.Amount = 0

	if err := s.repo.CreateFreePurchase(ctx, payment); err != nil {
		switch {
		case errors.Is(err, store.ErrEnrollmentActive):
			return ErrAlreadyPurchased
		case errors.Is(err, store.ErrCouponExhausted):
			return ErrCouponExhausted
		}
		return fmt.Errorf("failed to store free purchase: %w", err)
	}

	util.PurchasesInitiatedTotal.WithLabelValues("free").Inc()
	if payment.CouponCode != nil {
		util.CouponRedemptionsTotal.Inc()
	}
	s.logger.Info("Free enrollment created",
		zap.String("reference", payment.Reference),
		zap.Int64("user_id", payment.UserID),
		zap.Int64("course_id", payment.CourseID))

	publishSuccess(ctx, s.publisher, s.logger, payment)
	return nil
}

func (s *PurchaseService) ensureNotPurchased(ctx context.Context, userID, courseID int64) error {
	paid, err := s.repo.HasSuccessfulPayment(ctx, userID, courseID)
	if err != nil {
		return fmt.Errorf("failed to check existing payments: %w", err)
	}
	if paid {
		util.PurchasesRejectedTotal.WithLabelValues("already_purchased").Inc()
		return ErrAlreadyPurchased
	}

	enrollment, err := s.repo.GetEnrollment(ctx, userID, courseID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to check enrollment: %w", err)
	}
	if enrollment != nil && enrollment.Status == models.EnrollmentStatusActive {
		util.PurchasesRejectedTotal.WithLabelValues("already_purchased").Inc()
		return ErrAlreadyPurchased
	}
	return nil
}

// GetPayment returns a payment visible to the requester
func (s *PurchaseService) GetPayment(ctx context.Context, userID int64, isAdmin bool, reference string) (*models.Payment, error) {
	payment, err := s.repo.GetPaymentByReference(ctx, reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if !isAdmin && payment.UserID != userID {
		return nil, ErrForbidden
	}
	return payment, nil
}

// ListEnrollments returns the user's enrollments
func (s *PurchaseService) ListEnrollments(ctx context.Context, userID int64) ([]models.Enrollment, error) {
	return s.repo.ListEnrollmentsByUser(ctx, userID)
}

// Quote prices a course without side effects
func (s *PurchaseService) Quote(ctx context.Context, req PriceRequest) (*Quote, error) {
	return s.pricing.Resolve(ctx, req)
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// publishSuccess emits PaymentSucceeded and EnrollmentActivated for a payment
// that just transitioned. Publishing failures are logged only.
func publishSuccess(ctx context.Context, publisher EventPublisher, logger *zap.Logger, payment *models.Payment) {
	confirmed := payment.Amount
	if payment.ConfirmedAmount != nil {
		confirmed = *payment.ConfirmedAmount
	}

	succeeded := &models.PaymentSucceededEvent{
		BaseEvent:       newBaseEvent(models.EventTypePaymentSucceeded),
		Reference:       payment.Reference,
		UserID:          payment.UserID,
		CourseID:        payment.CourseID,
		ConfirmedAmount: confirmed,
		Currency:        payment.Currency,
		CouponCode:      payment.CouponCode,
	}
	if err := publisher.PublishPaymentSucceeded(ctx, succeeded); err != nil {
		logger.Error("Failed to publish PaymentSucceeded event", zap.Error(err))
	}

	activated := &models.EnrollmentActivatedEvent{
		BaseEvent: newBaseEvent(models.EventTypeEnrollmentActivated),
		Reference: payment.Reference,
		UserID:    payment.UserID,
		CourseID:  payment.CourseID,
	}
	if err := publisher.PublishEnrollmentActivated(ctx, activated); err != nil {
		logger.Error("Failed to publish EnrollmentActivated event", zap.Error(err))
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCoupon):
		return "invalid_coupon"
	case errors.Is(err, ErrInvalidCourse):
		return "invalid_course"
	case errors.Is(err, ErrRateUnavailable):
		return "rate_unavailable"
	}
	return "error"
}

func gatewayResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case gateway.IsUnavailable(err):
		return "unavailable"
	case errors.Is(err, gateway.ErrRejected):
		return "rejected"
	}
	return "error"
}

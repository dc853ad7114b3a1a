package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"enrollment-service/internal/gateway"
	"enrollment-service/internal/models"
	"enrollment-service/internal/service"
	"enrollment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// PurchaseAPI is the buyer-facing purchase flow
type PurchaseAPI interface {
	InitiatePurchase(ctx context.Context, req *service.InitiatePurchaseRequest) (*service.InitiatePurchaseResponse, error)
	EnrollFree(ctx context.Context, userID, courseID int64) (*models.Enrollment, error)
	GetPayment(ctx context.Context, userID int64, isAdmin bool, reference string) (*models.Payment, error)
	ListEnrollments(ctx context.Context, userID int64) ([]models.Enrollment, error)
	Quote(ctx context.Context, req service.PriceRequest) (*service.Quote, error)
}

// ReconcileAPI is the reconciliation engine
type ReconcileAPI interface {
	Reconcile(ctx context.Context, reference string, opts service.ReconcileOptions) (*service.ReconcileResult, error)
	Recover(ctx context.Context, reference string) (*service.ReconcileResult, error)
}

// CouponAPI administers coupons
type CouponAPI interface {
	Create(ctx context.Context, coupon *models.Coupon) error
	Get(ctx context.Context, id int64) (*models.Coupon, error)
	List(ctx context.Context) ([]models.Coupon, error)
	Update(ctx context.Context, coupon *models.Coupon) error
	Delete(ctx context.Context, id int64) error
}

// WebhookPublisher hands verified webhooks to the background worker
type WebhookPublisher interface {
	PublishGatewayWebhook(ctx context.Context, event *models.GatewayWebhookEvent) error
}

// ReadinessCheck reports whether a dependency is reachable
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators of the HTTP handlers
type Deps struct {
	Purchases  PurchaseAPI
	Reconciler ReconcileAPI
	Coupons    CouponAPI
	Webhooks   WebhookPublisher
	Verifier   gateway.WebhookVerifier
	JWTSecret  string
	Readiness  map[string]ReadinessCheck
}

// Handler contains HTTP handlers
type Handler struct {
	purchases  PurchaseAPI
	reconciler ReconcileAPI
	coupons    CouponAPI
	webhooks   WebhookPublisher
	verifier   gateway.WebhookVerifier
	jwtSecret  []byte
	readiness  map[string]ReadinessCheck
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	registerValidators()
	return &Handler{
		purchases:  deps.Purchases,
		reconciler: deps.Reconciler,
		coupons:    deps.Coupons,
		webhooks:   deps.Webhooks,
		verifier:   deps.Verifier,
		jwtSecret:  []byte(deps.JWTSecret),
		readiness:  deps.Readiness,
		logger:     util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := authMiddleware(h.jwtSecret)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/purchases", auth, h.initiatePurchase)

		v1.GET("/payments/verify", h.verifyPayment)
		v1.GET("/payments/callback", h.paymentCallback)
		v1.POST("/payments/webhook", h.gatewayWebhook)
		v1.GET("/payments/:reference", auth, h.getPayment)

		v1.POST("/coupons/validate", auth, h.validateCoupon)

		v1.GET("/enrollments", auth, h.listEnrollments)
		v1.POST("/enrollments/:course_id", auth, h.enrollFree)
	}

	admin := v1.Group("/admin", auth, adminRequired())
	{
		admin.POST("/coupons", h.createCoupon)
		admin.GET("/coupons", h.listCoupons)
		admin.GET("/coupons/:id", h.getCoupon)
		admin.PATCH("/coupons/:id", h.updateCoupon)
		admin.DELETE("/coupons/:id", h.deleteCoupon)

		admin.POST("/payments/:reference/recheck", h.recheckPayment)
		admin.POST("/payments/:reference/recover", h.recoverPayment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, check := range h.readiness {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, state := http.StatusOK, "ready"
	if !ready {
		status, state = http.StatusServiceUnavailable, "not_ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

type purchaseRequest struct {
	CourseID    int64  `json:"course_id" binding:"required,min=1"`
	Currency    string `json:"currency" binding:"omitempty,currency"`
	CouponCode  string `json:"coupon_code" binding:"omitempty,couponcode"`
	CallbackURL string `json:"callback_url" binding:"omitempty,url"`
}

// initiatePurchase handles course purchase
func (h *Handler) initiatePurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	claims := currentClaims(c)
	resp, err := h.purchases.InitiatePurchase(c.Request.Context(), &service.InitiatePurchaseRequest{
		UserID:         claims.UserID,
		Email:          claims.Email,
		CourseID:       req.CourseID,
		Currency:       req.Currency,
		CouponCode:     req.CouponCode,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		CallbackURL:    req.CallbackURL,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// verifyPayment reconciles a payment on behalf of a polling buyer
func (h *Handler) verifyPayment(c *gin.Context) {
	reference := c.Query("reference")
	if reference == "" {
		badRequest(c, "reference is required", nil)
		return
	}

	res, err := h.reconciler.Reconcile(c.Request.Context(), reference, service.ReconcileOptions{})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reference": res.Reference,
		"status":    res.Status,
		"outcome":   res.Outcome,
	})
}

// paymentCallback is where the gateway redirects the buyer after checkout
func (h *Handler) paymentCallback(c *gin.Context) {
	reference := c.Query("reference")
	if reference == "" {
		reference = c.Query("trxref")
	}
	if reference == "" {
		badRequest(c, "reference is required", nil)
		return
	}
	c.Redirect(http.StatusFound, "/api/v1/payments/verify?reference="+url.QueryEscape(reference))
}

// gatewayWebhook authenticates a provider callback and queues it for
// reconciliation. If the queue is down it reconciles inline.
func (h *Handler) gatewayWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "Failed to read body", err)
		return
	}

	if !h.verifier.VerifySignature(payload, c.GetHeader(h.verifier.SignatureHeader())) {
		util.WebhooksReceivedTotal.WithLabelValues("bad_signature").Inc()
		h.logger.Warn("Rejected webhook with invalid signature", zap.String("client_ip", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature", "code": "invalid_signature"})
		return
	}

	hook, err := h.verifier.ParseWebhook(payload)
	if err != nil {
		util.WebhooksReceivedTotal.WithLabelValues("malformed").Inc()
		badRequest(c, "Malformed webhook", err)
		return
	}

	event := &models.GatewayWebhookEvent{
		BaseEvent: models.BaseEvent{
			EventID:   fmt.Sprintf("webhook:%s:%s", hook.Event, hook.Reference),
			EventType: models.EventTypeGatewayWebhook,
			Timestamp: time.Now(),
		},
		Reference:    hook.Reference,
		GatewayEvent: hook.Event,
	}

	if h.webhooks != nil {
		err := h.webhooks.PublishGatewayWebhook(c.Request.Context(), event)
		if err == nil {
			util.WebhooksReceivedTotal.WithLabelValues("queued").Inc()
			c.JSON(http.StatusOK, gin.H{"status": "queued"})
			return
		}
		h.logger.Warn("Failed to queue webhook, reconciling inline",
			zap.String("reference", hook.Reference),
			zap.Error(err))
	}

	res, err := h.reconciler.Reconcile(c.Request.Context(), hook.Reference, service.ReconcileOptions{})
	if errors.Is(err, service.ErrPaymentNotFound) {
		res, err = h.reconciler.Recover(c.Request.Context(), hook.Reference)
	}
	if err != nil {
		status, _ := statusFor(err)
		if status == http.StatusServiceUnavailable || status == http.StatusInternalServerError {
			// non-2xx makes the provider redeliver
			util.WebhooksReceivedTotal.WithLabelValues("unavailable").Inc()
			writeError(c, err)
			return
		}
		util.WebhooksReceivedTotal.WithLabelValues("dropped").Inc()
		h.logger.Error("Webhook could not be reconciled",
			zap.String("reference", hook.Reference),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	util.WebhooksReceivedTotal.WithLabelValues("reconciled").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "processed", "outcome": res.Outcome})
}

// getPayment returns a payment owned by the requester
func (h *Handler) getPayment(c *gin.Context) {
	claims := currentClaims(c)
	payment, err := h.purchases.GetPayment(c.Request.Context(), claims.UserID, claims.IsAdmin(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type validateCouponRequest struct {
	CourseID   int64  `json:"course_id" binding:"required,min=1"`
	CouponCode string `json:"coupon_code" binding:"required,couponcode"`
	Currency   string `json:"currency" binding:"omitempty,currency"`
}

// validateCoupon previews the price a coupon gives without reserving it
func (h *Handler) validateCoupon(c *gin.Context) {
	var req validateCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	quote, err := h.purchases.Quote(c.Request.Context(), service.PriceRequest{
		UserID:     currentClaims(c).UserID,
		CourseID:   req.CourseID,
		Currency:   req.Currency,
		CouponCode: req.CouponCode,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "quote": quote})
}

func (h *Handler) listEnrollments(c *gin.Context) {
	enrollments, err := h.purchases.ListEnrollments(c.Request.Context(), currentClaims(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	if enrollments == nil {
		enrollments = []models.Enrollment{}
	}
	c.JSON(http.StatusOK, gin.H{"enrollments": enrollments})
}

// enrollFree enrolls the requester in a free course
func (h *Handler) enrollFree(c *gin.Context) {
	courseID, err := strconv.ParseInt(c.Param("course_id"), 10, 64)
	if err != nil || courseID <= 0 {
		badRequest(c, "Invalid course ID", nil)
		return
	}

	enrollment, err := h.purchases.EnrollFree(c.Request.Context(), currentClaims(c).UserID, courseID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, enrollment)
}

func (h *Handler) createCoupon(c *gin.Context) {
	var coupon models.Coupon
	if err := c.ShouldBindJSON(&coupon); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	coupon.ID = 0

	if err := h.coupons.Create(c.Request.Context(), &coupon); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, coupon)
}

func (h *Handler) listCoupons(c *gin.Context) {
	coupons, err := h.coupons.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if coupons == nil {
		coupons = []models.Coupon{}
	}
	c.JSON(http.StatusOK, gin.H{"coupons": coupons})
}

func (h *Handler) getCoupon(c *gin.Context) {
	id, ok := couponID(c)
	if !ok {
		return
	}
	coupon, err := h.coupons.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, coupon)
}

// updateCoupon applies the JSON body on top of the stored coupon
func (h *Handler) updateCoupon(c *gin.Context) {
	id, ok := couponID(c)
	if !ok {
		return
	}
	coupon, err := h.coupons.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := c.ShouldBindJSON(coupon); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	coupon.ID = id

	if err := h.coupons.Update(c.Request.Context(), coupon); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, coupon)
}

func (h *Handler) deleteCoupon(c *gin.Context) {
	id, ok := couponID(c)
	if !ok {
		return
	}
	if err := h.coupons.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// recheckPayment asks the gateway about a payment even if it already failed
func (h *Handler) recheckPayment(c *gin.Context) {
	reference := c.Param("reference")
	h.logger.Info("Admin recheck requested",
		zap.String("reference", reference),
		zap.Int64("admin_id", currentClaims(c).UserID))

	res, err := h.reconciler.Reconcile(c.Request.Context(), reference, service.ReconcileOptions{Recheck: true})
	if errors.Is(err, service.ErrCompensationRequired) {
		c.JSON(http.StatusConflict, gin.H{
			"error":  err.Error(),
			"code":   "compensation_required",
			"result": res,
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// recoverPayment materialises a gateway transaction missing from the store
func (h *Handler) recoverPayment(c *gin.Context) {
	reference := c.Param("reference")
	h.logger.Info("Admin recovery requested",
		zap.String("reference", reference),
		zap.Int64("admin_id", currentClaims(c).UserID))

	res, err := h.reconciler.Recover(c.Request.Context(), reference)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func couponID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Invalid coupon ID", nil)
		return 0, false
	}
	return id, true
}

package api

import (
	"errors"
	"net/http"

	"enrollment-service/internal/service"
	"enrollment-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: specific coupon errors before their ErrInvalidCoupon parent.
var errorMappings = []errorMapping{
	{service.ErrCouponNotAssigned, http.StatusForbidden, "coupon_not_assigned"},
	{service.ErrCouponExpired, http.StatusUnprocessableEntity, "coupon_expired"},
	{service.ErrCouponNotYetValid, http.StatusUnprocessableEntity, "coupon_not_yet_valid"},
	{service.ErrCouponNotApplicable, http.StatusUnprocessableEntity, "coupon_not_applicable"},
	{service.ErrCouponExhausted, http.StatusUnprocessableEntity, "coupon_exhausted"},
	{service.ErrCouponNotFound, http.StatusBadRequest, "coupon_not_found"},
	{service.ErrInvalidCoupon, http.StatusBadRequest, "invalid_coupon"},
	{service.ErrInvalidCouponSpec, http.StatusBadRequest, "invalid_coupon_definition"},
	{service.ErrCouponCodeTaken, http.StatusConflict, "coupon_code_taken"},
	{service.ErrInvalidCourse, http.StatusNotFound, "invalid_course"},
	{service.ErrRateUnavailable, http.StatusUnprocessableEntity, "currency_not_supported"},
	{service.ErrAlreadyPurchased, http.StatusConflict, "already_purchased"},
	{service.ErrPaymentRequired, http.StatusPaymentRequired, "payment_required"},
	{service.ErrRequestInFlight, http.StatusConflict, "request_in_flight"},
	{service.ErrForbidden, http.StatusForbidden, "forbidden"},
	{service.ErrPaymentNotFound, http.StatusNotFound, "payment_not_found"},
	{service.ErrGatewayInit, http.StatusBadGateway, "gateway_init_failed"},
	{service.ErrGatewayUnavailable, http.StatusServiceUnavailable, "gateway_unavailable"},
	{service.ErrGatewayRejected, http.StatusBadGateway, "gateway_rejected"},
	{service.ErrCompensationRequired, http.StatusConflict, "compensation_required"},
}

// statusFor maps a service error to an HTTP status and a stable error code
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		message = "internal server error"
	}

	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "5")
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": message,
		"code":  code,
	})
}

func badRequest(c *gin.Context, message string, err error) {
	body := gin.H{"error": message, "code": "invalid_request"}
	if err != nil {
		body["details"] = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, body)
}

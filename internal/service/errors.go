package service

import (
	"errors"
	"fmt"
)

// ErrInvalidCoupon is the parent of every coupon rule violation
var ErrInvalidCoupon = errors.New("invalid coupon")

// Coupon rule violations, in evaluation order
var (
	ErrCouponNotFound      = fmt.Errorf("%w: not found or inactive", ErrInvalidCoupon)
	ErrCouponExpired       = fmt.Errorf("%w: expired", ErrInvalidCoupon)
	ErrCouponNotYetValid   = fmt.Errorf("%w: not yet valid", ErrInvalidCoupon)
	ErrCouponNotAssigned   = fmt.Errorf("%w: not assigned to this user", ErrInvalidCoupon)
	ErrCouponNotApplicable = fmt.Errorf("%w: not applicable to this course", ErrInvalidCoupon)
	ErrCouponExhausted     = fmt.Errorf("%w: usage limit reached", ErrInvalidCoupon)
)

var (
	ErrInvalidCourse     = errors.New("invalid course")
	ErrRateUnavailable   = errors.New("exchange rate unavailable")
	ErrAlreadyPurchased  = errors.New("course already purchased")
	ErrPaymentRequired   = errors.New("course requires payment")
	ErrRequestInFlight   = errors.New("request with this idempotency key is in progress")
	ErrInvalidCouponSpec = errors.New("invalid coupon definition")
	ErrCouponCodeTaken   = errors.New("coupon code already exists")
	ErrForbidden         = errors.New("forbidden")

	// ErrGatewayInit is returned when the gateway refused to open a transaction. Nothing was stored.
	ErrGatewayInit = errors.New("payment gateway initialization failed")

	ErrPaymentNotFound = errors.New("payment not found")
	// ErrGatewayUnavailable is retryable; the payment stays pending
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected means the gateway refused the verify call itself
	ErrGatewayRejected = errors.New("payment gateway rejected verification")
	// ErrCompensationRequired means the gateway reports money taken for a payment we recorded as failed
	ErrCompensationRequired = errors.New("payment requires manual compensation")
)

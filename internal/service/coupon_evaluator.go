package service

import (
	"time"

	"enrollment-service/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CouponContext is what a coupon is evaluated against
type CouponContext struct {
	UserID     int64
	CourseID   int64
	BaseAmount int64
	Now        time.Time
}

// Discount is the result of applying a valid coupon
type Discount struct {
	Code   string
	Amount int64
	Final  int64
}

// EvaluateCoupon validates coupon for cc and computes the discount.
// The first failing rule wins. It never mutates the coupon.
func EvaluateCoupon(coupon *models.Coupon, cc CouponContext) (*Discount, error) {
	if coupon == nil || !coupon.IsActive {
		return nil, ErrCouponNotFound
	}

	if coupon.IsTimeBounded() {
		if coupon.ValidUntil != nil && cc.Now.After(*coupon.ValidUntil) {
			return nil, ErrCouponExpired
		}
		if coupon.ValidFrom != nil && cc.Now.Before(*coupon.ValidFrom) {
			return nil, ErrCouponNotYetValid
		}
	}

	if coupon.Kind == models.CouponKindUserSpecific &&
		(coupon.OwnerID == nil || *coupon.OwnerID != cc.UserID) {
		return nil, ErrCouponNotAssigned
	}

	if !coupon.AppliesTo(cc.CourseID) {
		return nil, ErrCouponNotApplicable
	}

	if coupon.IsUsageCapped() && coupon.UsedCount >= *coupon.MaxUses {
		return nil, ErrCouponExhausted
	}

	base := cc.BaseAmount
	if base < 0 {
		base = 0
	}

	off := discountAmount(coupon, base)
	return &Discount{
		Code:   coupon.Code,
		Amount: off,
		Final:  base - off,
	}, nil
}

// discountAmount is clamped to [0, base]
func discountAmount(coupon *models.Coupon, base int64) int64 {
	value := coupon.DiscountValue
	if value.IsNegative() {
		return 0
	}

	var off decimal.Decimal
	switch coupon.DiscountKind {
	case models.DiscountKindPercent:
		off = decimal.NewFromInt(base).Mul(value).Div(hundred).Round(0)
	case models.DiscountKindFixed:
		off = value.Round(0)
	default:
		return 0
	}

	if off.GreaterThan(decimal.NewFromInt(base)) {
		return base
	}
	return off.IntPart()
}

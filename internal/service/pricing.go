package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"enrollment-service/internal/models"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// CatalogRepository reads courses and coupons for pricing
type CatalogRepository interface {
	GetCourse(ctx context.Context, id int64) (*models.Course, error)
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
}

// PriceConverter converts minor-unit amounts between currencies
type PriceConverter interface {
	Convert(ctx context.Context, amount int64, from, to string) (int64, decimal.Decimal, error)
}

// PriceRequest asks for the price of a course for one user
type PriceRequest struct {
	UserID     int64
	CourseID   int64
	Currency   string
	CouponCode string
}

// Quote is a resolved price. Base* fields are in the course's own currency;
// ListAmount, Discount and Amount are in Currency.
type Quote struct {
	CourseID     int64           `json:"course_id"`
	BaseAmount   int64           `json:"base_amount"`
	BaseCurrency string          `json:"base_currency"`
	BaseDiscount int64           `json:"base_discount"`
	ListAmount   int64           `json:"list_amount"`
	Discount     int64           `json:"discount"`
	Amount       int64           `json:"amount"`
	Currency     string          `json:"currency"`
	Rate         decimal.Decimal `json:"rate"`
	CouponCode   *string         `json:"coupon_code,omitempty"`
}

// PricingResolver prices a course for a user. Coupons are always applied to
// the amount in the course's base currency, before conversion.
type PricingResolver struct {
	catalog   CatalogRepository
	converter PriceConverter
	now       func() time.Time
}

// NewPricingResolver creates a pricing resolver
func NewPricingResolver(catalog CatalogRepository, converter PriceConverter) *PricingResolver {
	return &PricingResolver{
		catalog:   catalog,
		converter: converter,
		now:       time.Now,
	}
}

// Resolve computes the final price. The result is never negative.
func (pr *PricingResolver) Resolve(ctx context.Context, req PriceRequest) (*Quote, error) {
	ctx, span := util.StartSpan(ctx, "PricingResolver.Resolve",
		attribute.Int64("course_id", req.CourseID))
	defer span.End()

	course, err := pr.catalog.GetCourse(ctx, req.CourseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: course %d does not exist", ErrInvalidCourse, req.CourseID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load course: %w", err)
	}
	if !course.IsPublished {
		return nil, fmt.Errorf("%w: course %d is not published", ErrInvalidCourse, req.CourseID)
	}

	base := course.Price
	if base < 0 {
		base = 0
	}

	quote := &Quote{
		CourseID:     course.ID,
		BaseAmount:   base,
		BaseCurrency: strings.ToUpper(course.Currency),
		Currency:     strings.ToUpper(req.Currency),
	}
	if quote.Currency == "" {
		quote.Currency = quote.BaseCurrency
	}

	discounted := base
	if code := models.NormalizeCouponCode(req.CouponCode); code != "" {
		coupon, err := pr.catalog.GetCouponByCode(ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			coupon = nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to load coupon: %w", err)
		}

		d, err := EvaluateCoupon(coupon, CouponContext{
			UserID:     req.UserID,
			CourseID:   course.ID,
			BaseAmount: base,
			Now:        pr.now(),
		})
		if err != nil {
			util.SpanError(span, err)
			return nil, err
		}

		quote.BaseDiscount = d.Amount
		quote.CouponCode = &code
		discounted = d.Final
	}

	list, rate, err := pr.converter.Convert(ctx, base, quote.BaseCurrency, quote.Currency)
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	amount, _, err := pr.converter.Convert(ctx, discounted, quote.BaseCurrency, quote.Currency)
	if err != nil {
		return nil, err
	}

	if amount < 0 {
		amount = 0
	}
	if list < amount {
		list = amount
	}

	quote.ListAmount = list
	quote.Amount = amount
	quote.Discount = list - amount
	quote.Rate = rate
	return quote, nil
}

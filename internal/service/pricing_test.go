package service

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"enrollment-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPricing(repo *memRepo) *PricingResolver {
	return NewPricingResolver(repo, NewRateClient(repo, nil, time.Minute))
}

func TestResolveAppliesCouponBeforeConversion(t *testing.T) {
	repo := newMemRepo()
	repo.addCourse(1, 500000, "NGN")
	repo.setRate("NGN", "USD", "0.00065")
	repo.addCoupon(models.Coupon{
		Code: "welcome20", Kind: models.CouponKindGeneral, DiscountKind: models.DiscountKindPercent,
		DiscountValue: decimal.NewFromInt(20), AppliesToAll: true, IsActive: true,
	})

	q, err := newTestPricing(repo).Resolve(context.Background(), PriceRequest{
		UserID: 7, CourseID: 1, Currency: "usd", CouponCode: " Welcome20 ",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(500000), q.BaseAmount)
	assert.Equal(t, int64(100000), q.BaseDiscount)
	// 400000 kobo * 0.00065 = 260 cents
	assert.Equal(t, int64(260), q.Amount)
	assert.Equal(t, int64(325), q.ListAmount)
	assert.Equal(t, int64(65), q.Discount)
	assert.Equal(t, "USD", q.Currency)
	require.NotNil(t, q.CouponCode)
	assert.Equal(t, "WELCOME20", *q.CouponCode)
}

func TestResolveDefaultsToCourseCurrency(t *testing.T) {
	repo := newMemRepo()
	repo.addCourse(1, 5000, "NGN")

	q, err := newTestPricing(repo).Resolve(context.Background(), PriceRequest{UserID: 7, CourseID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), q.Amount)
	assert.Equal(t, "NGN", q.Currency)
	assert.Nil(t, q.CouponCode)
}

func TestResolveErrors(t *testing.T) {
	repo := newMemRepo()
	repo.addCourse(1, 5000, "NGN")
	repo.mu.Lock()
	repo.courses[2] = models.Course{ID: 2, Price: 100, Currency: "NGN"}
	repo.mu.Unlock()
	pr := newTestPricing(repo)
	ctx := context.Background()

	_, err := pr.Resolve(ctx, PriceRequest{CourseID: 99})
	assert.True(t, errors.Is(err, ErrInvalidCourse))

	_, err = pr.Resolve(ctx, PriceRequest{CourseID: 2})
	assert.True(t, errors.Is(err, ErrInvalidCourse), "unpublished course")

	_, err = pr.Resolve(ctx, PriceRequest{CourseID: 1, CouponCode: "NOPE"})
	assert.True(t, errors.Is(err, ErrCouponNotFound))
	assert.True(t, errors.Is(err, ErrInvalidCoupon))

	_, err = pr.Resolve(ctx, PriceRequest{CourseID: 1, Currency: "GBP"})
	assert.True(t, errors.Is(err, ErrRateUnavailable))
}

func TestResolveNeverNegative(t *testing.T) {
	repo := newMemRepo()
	repo.setRate("NGN", "USD", "0.00065")
	rng := rand.New(rand.NewSource(7))

	for i := int64(1); i <= 50; i++ {
		repo.addCourse(i, rng.Int63n(10_000_000), "NGN")
	}
	repo.addCoupon(models.Coupon{
		Code: "BIG", DiscountKind: models.DiscountKindFixed,
		DiscountValue: decimal.NewFromInt(9_000_000), AppliesToAll: true, IsActive: true,
	})
	repo.addCoupon(models.Coupon{
		Code: "ALL", DiscountKind: models.DiscountKindPercent,
		DiscountValue: decimal.NewFromInt(100), AppliesToAll: true, IsActive: true,
	})

	pr := newTestPricing(repo)
	for i := int64(1); i <= 50; i++ {
		for _, code := range []string{"", "BIG", "ALL"} {
			for _, cur := range []string{"NGN", "USD"} {
				q, err := pr.Resolve(context.Background(), PriceRequest{CourseID: i, Currency: cur, CouponCode: code})
				require.NoError(t, err)
				assert.GreaterOrEqual(t, q.Amount, int64(0))
				assert.GreaterOrEqual(t, q.Discount, int64(0))
				assert.Equal(t, q.ListAmount, q.Amount+q.Discount)
			}
		}
	}
}

func TestResolveRespectsCouponWindow(t *testing.T) {
	repo := newMemRepo()
	repo.addCourse(1, 5000, "NGN")
	until := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	repo.addCoupon(models.Coupon{
		Code: "JAN", Kind: models.CouponKindTimeBounded, DiscountKind: models.DiscountKindPercent,
		DiscountValue: decimal.NewFromInt(10), AppliesToAll: true, IsActive: true, ValidUntil: &until,
	})

	pr := newTestPricing(repo)
	pr.now = func() time.Time { return until.Add(24 * time.Hour) }

	_, err := pr.Resolve(context.Background(), PriceRequest{CourseID: 1, CouponCode: "jan"})
	assert.True(t, errors.Is(err, ErrCouponExpired))

	pr.now = func() time.Time { return until.Add(-time.Hour) }
	q, err := pr.Resolve(context.Background(), PriceRequest{CourseID: 1, CouponCode: "jan"})
	require.NoError(t, err)
	assert.Equal(t, int64(4500), q.Amount)
}

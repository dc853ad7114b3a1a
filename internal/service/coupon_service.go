package service

import (
	"context"
	"errors"
	"fmt"

	"enrollment-service/internal/models"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"

	"go.uber.org/zap"
)

// CouponRepository persists coupons
type CouponRepository interface {
	GetCouponByID(ctx context.Context, id int64) (*models.Coupon, error)
	ListCoupons(ctx context.Context) ([]models.Coupon, error)
	CreateCoupon(ctx context.Context, coupon *models.Coupon) error
	UpdateCoupon(ctx context.Context, coupon *models.Coupon) error
	DeleteCoupon(ctx context.Context, id int64) error
}

// CouponService manages coupon definitions
type CouponService struct {
	repo   CouponRepository
	logger *zap.Logger
}

// NewCouponService creates a new coupon service
func NewCouponService(repo CouponRepository) *CouponService {
	return &CouponService{
		repo:   repo,
		logger: util.GetLogger(),
	}
}

// Create validates and stores a new coupon
func (s *CouponService) Create(ctx context.Context, coupon *models.Coupon) error {
	if err := validateCoupon(coupon); err != nil {
		return err
	}
	coupon.UsedCount = 0

	if err := s.repo.CreateCoupon(ctx, coupon); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrCouponCodeTaken
		}
		return fmt.Errorf("failed to create coupon: %w", err)
	}

	s.logger.Info("Coupon created", zap.Int64("coupon_id", coupon.ID), zap.String("code", coupon.Code))
	return nil
}

// Get returns a coupon by ID
func (s *CouponService) Get(ctx context.Context, id int64) (*models.Coupon, error) {
	coupon, err := s.repo.GetCouponByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCouponNotFound
	}
	return coupon, err
}

// List returns all coupons
func (s *CouponService) List(ctx context.Context) ([]models.Coupon, error) {
	return s.repo.ListCoupons(ctx)
}

// Update replaces a coupon's definition. Usage counts are preserved.
func (s *CouponService) Update(ctx context.Context, coupon *models.Coupon) error {
	existing, err := s.Get(ctx, coupon.ID)
	if err != nil {
		return err
	}
	if err := validateCoupon(coupon); err != nil {
		return err
	}
	if coupon.MaxUses != nil && *coupon.MaxUses < existing.UsedCount {
		return fmt.Errorf("%w: max_uses %d is below current usage %d", ErrInvalidCouponSpec, *coupon.MaxUses, existing.UsedCount)
	}

	if err := s.repo.UpdateCoupon(ctx, coupon); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			return ErrCouponCodeTaken
		case errors.Is(err, store.ErrNotFound):
			return ErrCouponNotFound
		}
		return fmt.Errorf("failed to update coupon: %w", err)
	}
	return nil
}

// Delete removes a coupon
func (s *CouponService) Delete(ctx context.Context, id int64) error {
	err := s.repo.DeleteCoupon(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrCouponNotFound
	}
	return err
}

func validateCoupon(c *models.Coupon) error {
	c.Code = models.NormalizeCouponCode(c.Code)
	if c.Code == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidCouponSpec)
	}
	if c.Kind == "" {
		c.Kind = models.CouponKindGeneral
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCouponSpec, c.Kind)
	}
	if !c.DiscountKind.Valid() {
		return fmt.Errorf("%w: unknown discount kind %q", ErrInvalidCouponSpec, c.DiscountKind)
	}
	if c.DiscountValue.IsNegative() {
		return fmt.Errorf("%w: discount value must not be negative", ErrInvalidCouponSpec)
	}
	if c.DiscountKind == models.DiscountKindPercent && c.DiscountValue.GreaterThan(hundred) {
		return fmt.Errorf("%w: percent discount above 100", ErrInvalidCouponSpec)
	}
	if c.Commission.IsNegative() || c.Commission.GreaterThan(hundred) {
		return fmt.Errorf("%w: commission must be between 0 and 100", ErrInvalidCouponSpec)
	}

	switch c.Kind {
	case models.CouponKindUserSpecific, models.CouponKindReferral:
		if c.OwnerID == nil {
			return fmt.Errorf("%w: %s coupons need an owner", ErrInvalidCouponSpec, c.Kind)
		}
	case models.CouponKindUsageCapped:
		if c.MaxUses == nil {
			return fmt.Errorf("%w: usage_capped coupons need max_uses", ErrInvalidCouponSpec)
		}
	case models.CouponKindTimeBounded:
		if c.ValidFrom == nil && c.ValidUntil == nil {
			return fmt.Errorf("%w: time_bounded coupons need a validity window", ErrInvalidCouponSpec)
		}
	}

	if c.MaxUses != nil && *c.MaxUses < 0 {
		return fmt.Errorf("%w: max_uses must not be negative", ErrInvalidCouponSpec)
	}
	if c.ValidFrom != nil && c.ValidUntil != nil && c.ValidUntil.Before(*c.ValidFrom) {
		return fmt.Errorf("%w: valid_until is before valid_from", ErrInvalidCouponSpec)
	}
	if !c.AppliesToAll && len(c.CourseIDs) == 0 {
		return fmt.Errorf("%w: coupon applies to no course", ErrInvalidCouponSpec)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"enrollment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const couponColumns = `id, code, kind, discount_kind, discount_value, owner_id, max_uses, used_count,
	valid_from, valid_until, applies_to_all, is_active, commission, created_at, updated_at`

// GetCouponByCode retrieves a coupon by code, case-insensitively, with its eligible courses
func (s *Store) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := s.db.GetContext(ctx, &coupon,
		"SELECT "+couponColumns+" FROM coupons WHERE UPPER(code) = UPPER($1)", code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("coupon %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadCouponCourses(ctx, s.db, &coupon); err != nil {
		return nil, err
	}
	return &coupon, nil
}

// GetCouponByID retrieves a coupon by ID
func (s *Store) GetCouponByID(ctx context.Context, id int64) (*models.Coupon, error) {
	var coupon models.Coupon
	err := s.db.GetContext(ctx, &coupon,
		"SELECT "+couponColumns+" FROM coupons WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("coupon %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadCouponCourses(ctx, s.db, &coupon); err != nil {
		return nil, err
	}
	return &coupon, nil
}

// ListCoupons retrieves all coupons, newest first
func (s *Store) ListCoupons(ctx context.Context) ([]models.Coupon, error) {
	var coupons []models.Coupon
	err := s.db.SelectContext(ctx, &coupons,
		"SELECT "+couponColumns+" FROM coupons ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	if len(coupons) == 0 {
		return coupons, nil
	}

	ids := make([]int64, len(coupons))
	for i := range coupons {
		ids[i] = coupons[i].ID
	}

	query, args, err := sqlx.In("SELECT coupon_id, course_id FROM coupon_courses WHERE coupon_id IN (?) ORDER BY course_id", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var links []struct {
		CouponID int64 `db:"coupon_id"`
		CourseID int64 `db:"course_id"`
	}
	if err := s.db.SelectContext(ctx, &links, query, args...); err != nil {
		return nil, err
	}

	byCoupon := make(map[int64][]int64, len(coupons))
	for _, l := range links {
		byCoupon[l.CouponID] = append(byCoupon[l.CouponID], l.CourseID)
	}
	for i := range coupons {
		coupons[i].CourseIDs = byCoupon[coupons[i].ID]
	}
	return coupons, nil
}

// CreateCoupon inserts a coupon and its eligible courses
func (s *Store) CreateCoupon(ctx context.Context, coupon *models.Coupon) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	coupon.Code = models.NormalizeCouponCode(coupon.Code)
	err = tx.GetContext(ctx, coupon, `
		INSERT INTO coupons (code, kind, discount_kind, discount_value, owner_id, max_uses,
			valid_from, valid_until, applies_to_all, is_active, commission)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+couponColumns,
		coupon.Code, coupon.Kind, coupon.DiscountKind, coupon.DiscountValue, coupon.OwnerID,
		coupon.MaxUses, coupon.ValidFrom, coupon.ValidUntil, coupon.AppliesToAll,
		coupon.IsActive, coupon.Commission)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("coupon %s: %w", coupon.Code, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert coupon: %w", err)
	}

	if err := replaceCouponCourses(ctx, tx, coupon.ID, coupon.CourseIDs); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateCoupon rewrites a coupon's editable fields and eligible courses.
// used_count is owned by reconciliation and never written here.
func (s *Store) UpdateCoupon(ctx context.Context, coupon *models.Coupon) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	coupon.Code = models.NormalizeCouponCode(coupon.Code)
	err = tx.GetContext(ctx, coupon, `
		UPDATE coupons
		SET code = $2, kind = $3, discount_kind = $4, discount_value = $5, owner_id = $6,
			max_uses = $7, valid_from = $8, valid_until = $9, applies_to_all = $10,
			is_active = $11, commission = $12, updated_at = NOW()
		WHERE id = $1
		RETURNING `+couponColumns,
		coupon.ID, coupon.Code, coupon.Kind, coupon.DiscountKind, coupon.DiscountValue,
		coupon.OwnerID, coupon.MaxUses, coupon.ValidFrom, coupon.ValidUntil,
		coupon.AppliesToAll, coupon.IsActive, coupon.Commission)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("coupon %d: %w", coupon.ID, ErrNotFound)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("coupon %s: %w", coupon.Code, ErrDuplicate)
		}
		return fmt.Errorf("failed to update coupon: %w", err)
	}

	if err := replaceCouponCourses(ctx, tx, coupon.ID, coupon.CourseIDs); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteCoupon removes a coupon. Payments keep the code they were priced with.
func (s *Store) DeleteCoupon(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM coupons WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("coupon %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) loadCouponCourses(ctx context.Context, q sqlx.QueryerContext, coupon *models.Coupon) error {
	var ids []int64
	err := sqlx.SelectContext(ctx, q, &ids,
		"SELECT course_id FROM coupon_courses WHERE coupon_id = $1 ORDER BY course_id", coupon.ID)
	if err != nil {
		return fmt.Errorf("failed to load coupon courses: %w", err)
	}
	coupon.CourseIDs = ids
	return nil
}

func replaceCouponCourses(ctx context.Context, tx *sqlx.Tx, couponID int64, courseIDs []int64) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM coupon_courses WHERE coupon_id = $1", couponID); err != nil {
		return fmt.Errorf("failed to clear coupon courses: %w", err)
	}
	for _, courseID := range courseIDs {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO coupon_courses (coupon_id, course_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			couponID, courseID)
		if err != nil {
			return fmt.Errorf("failed to link coupon course %d: %w", courseID, err)
		}
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"enrollment-service/internal/models"
)

const paymentColumns = `id, reference, user_id, course_id, amount, currency, discount, coupon_code,
	provider, status, confirmed_amount, created_at, updated_at, paid_at`

const enrollmentColumns = `id, user_id, course_id, status, payment_reference, progress,
	enrolled_at, created_at, updated_at`

// Transition reports what a conditional status update did
type Transition struct {
	// Applied is true only for the caller whose update moved the payment out of pending
	Applied bool
	// CouponCounted is false when the coupon was already at its cap
	CouponCounted bool
	Payment       *models.Payment
}

// GetPaymentByReference retrieves a payment by its gateway reference
func (s *Store) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE reference = $1", reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", reference, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// HasSuccessfulPayment reports whether the user already paid for the course
func (s *Store) HasSuccessfulPayment(ctx context.Context, userID, courseID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM payments WHERE user_id = $1 AND course_id = $2 AND status = 'successful')",
		userID, courseID)
	return exists, err
}

// ListStalePendingPayments returns pending payments created before cutoff, oldest first
func (s *Store) ListStalePendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE status = 'pending' AND created_at < $1 ORDER BY created_at LIMIT $2",
		cutoff, limit)
	return payments, err
}

// CreatePendingPurchase persists a pending payment and points the user's
// enrollment at it. A failed or pending enrollment is reset to pending with the
// new reference; an active or paid one aborts with ErrEnrollmentActive.
func (s *Store) CreatePendingPurchase(ctx context.Context, payment *models.Payment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, payment, `
		INSERT INTO payments (reference, user_id, course_id, amount, currency, discount, coupon_code, provider, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
		RETURNING `+paymentColumns,
		payment.Reference, payment.UserID, payment.CourseID, payment.Amount,
		payment.Currency, payment.Discount, payment.CouponCode, payment.Provider)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", payment.Reference, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO enrollments (user_id, course_id, status, payment_reference)
		VALUES ($1, $2, 'pending', $3)
		ON CONFLICT (user_id, course_id) DO UPDATE
			SET status = 'pending', payment_reference = EXCLUDED.payment_reference, updated_at = NOW()
			WHERE enrollments.status IN (`+enrollmentStatesInto(models.EnrollmentStatusPending)+`)`,
		payment.UserID, payment.CourseID, payment.Reference)
	if err != nil {
		return fmt.Errorf("failed to upsert enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEnrollmentActive
	}

	return tx.Commit()
}

// CreateFreePurchase records a zero-amount successful payment, activates the
// enrollment and counts the coupon, all or nothing.
func (s *Store) CreateFreePurchase(ctx context.Context, payment *models.Payment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, payment, `
		INSERT INTO payments (reference, user_id, course_id, amount, currency, discount, coupon_code,
			provider, status, confirmed_amount, paid_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $7, 'successful', 0, NOW())
		RETURNING `+paymentColumns,
		payment.Reference, payment.UserID, payment.CourseID, payment.Currency,
		payment.Discount, payment.CouponCode, payment.Provider)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", payment.Reference, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	applied, err := activateEnrollment(ctx, tx, payment)
	if err != nil {
		return err
	}
	if !applied {
		return ErrEnrollmentActive
	}

	if payment.CouponCode != nil {
		counted, err := incrementCoupon(ctx, tx, *payment.CouponCode)
		if err != nil {
			return err
		}
		if !counted {
			return ErrCouponExhausted
		}
	}

	return tx.Commit()
}

// RecordPayment inserts a payment as-is, ignoring a reference that already exists.
// Used when recovering a transaction the gateway knows about but we never stored.
func (s *Store) RecordPayment(ctx context.Context, payment *models.Payment) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (reference, user_id, course_id, amount, currency, discount, coupon_code, provider, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
		ON CONFLICT (reference) DO NOTHING`,
		payment.Reference, payment.UserID, payment.CourseID, payment.Amount,
		payment.Currency, payment.Discount, payment.CouponCode, payment.Provider)
	if err != nil {
		return false, fmt.Errorf("failed to record payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkPaymentSuccessful moves a pending payment to successful, activates the
// enrollment and counts the coupon in one transaction. Only one caller per
// reference ever observes Applied == true.
func (s *Store) MarkPaymentSuccessful(ctx context.Context, reference string, confirmedAmount int64, paidAt time.Time) (*Transition, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var payment models.Payment
	err = tx.GetContext(ctx, &payment, `
		UPDATE payments
		SET status = 'successful', confirmed_amount = $2, paid_at = $3, updated_at = NOW()
		WHERE reference = $1 AND status = 'pending'
		RETURNING `+paymentColumns,
		reference, confirmedAmount, paidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Transition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}

	if _, err := activateEnrollment(ctx, tx, &payment); err != nil {
		return nil, err
	}

	counted := false
	if payment.CouponCode != nil {
		counted, err = incrementCoupon(ctx, tx, *payment.CouponCode)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &Transition{Applied: true, CouponCounted: counted, Payment: &payment}, nil
}

// MarkPaymentFailed moves a pending payment to failed and fails the pending
// enrollment that points at it. Coupons are not touched.
func (s *Store) MarkPaymentFailed(ctx context.Context, reference string) (*Transition, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var payment models.Payment
	err = tx.GetContext(ctx, &payment, `
		UPDATE payments
		SET status = 'failed', updated_at = NOW()
		WHERE reference = $1 AND status = 'pending'
		RETURNING `+paymentColumns,
		reference)
	if errors.Is(err, sql.ErrNoRows) {
		return &Transition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE enrollments SET status = 'failed', updated_at = NOW()
		WHERE user_id = $1 AND course_id = $2 AND payment_reference = $3 AND status = 'pending'`,
		payment.UserID, payment.CourseID, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to update enrollment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &Transition{Applied: true, Payment: &payment}, nil
}

// GetEnrollment retrieves the enrollment of a user in a course
func (s *Store) GetEnrollment(ctx context.Context, userID, courseID int64) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := s.db.GetContext(ctx, &enrollment,
		"SELECT "+enrollmentColumns+" FROM enrollments WHERE user_id = $1 AND course_id = $2",
		userID, courseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enrollment %d/%d: %w", userID, courseID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ListEnrollmentsByUser retrieves enrollments for a user, newest first
func (s *Store) ListEnrollmentsByUser(ctx context.Context, userID int64) ([]models.Enrollment, error) {
	var enrollments []models.Enrollment
	err := s.db.SelectContext(ctx, &enrollments,
		"SELECT "+enrollmentColumns+" FROM enrollments WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return enrollments, err
}

// enrollmentStatesInto renders the statuses that may move to target as a SQL list
func enrollmentStatesInto(target models.EnrollmentStatus) string {
	from := models.EnrollmentStatusesInto(target)
	quoted := make([]string, len(from))
	for i, st := range from {
		quoted[i] = "'" + string(st) + "'"
	}
	return strings.Join(quoted, ", ")
}

// activateEnrollment upserts the enrollment to active. An enrollment that is
// already active keeps its original payment reference.
func activateEnrollment(ctx context.Context, tx execer, payment *models.Payment) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO enrollments (user_id, course_id, status, payment_reference, enrolled_at)
		VALUES ($1, $2, 'active', $3, NOW())
		ON CONFLICT (user_id, course_id) DO UPDATE
			SET status = 'active',
				payment_reference = EXCLUDED.payment_reference,
				enrolled_at = COALESCE(enrollments.enrolled_at, NOW()),
				updated_at = NOW()
			WHERE enrollments.status IN (`+enrollmentStatesInto(models.EnrollmentStatusActive)+`)`,
		payment.UserID, payment.CourseID, payment.Reference)
	if err != nil {
		return false, fmt.Errorf("failed to activate enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func incrementCoupon(ctx context.Context, tx execer, code string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE coupons SET used_count = used_count + 1, updated_at = NOW()
		WHERE UPPER(code) = UPPER($1) AND (max_uses IS NULL OR used_count < max_uses)`,
		code)
	if err != nil {
		return false, fmt.Errorf("failed to increment coupon usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

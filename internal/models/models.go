package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Course represents a priced catalog item
type Course struct {
	ID          int64     `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	Slug        string    `db:"slug" json:"slug"`
	Price       int64     `db:"price" json:"price"`
	Currency    string    `db:"currency" json:"currency"`
	IsPublished bool      `db:"is_published" json:"is_published"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Payment represents one purchase attempt, keyed by the gateway reference
type Payment struct {
	ID              int64         `db:"id" json:"id"`
	Reference       string        `db:"reference" json:"reference"`
	UserID          int64         `db:"user_id" json:"user_id"`
	CourseID        int64         `db:"course_id" json:"course_id"`
	Amount          int64         `db:"amount" json:"amount"`
	Currency        string        `db:"currency" json:"currency"`
	Discount        int64         `db:"discount" json:"discount"`
	CouponCode      *string       `db:"coupon_code" json:"coupon_code,omitempty"`
	Provider        string        `db:"provider" json:"provider"`
	Status          PaymentStatus `db:"status" json:"status"`
	ConfirmedAmount *int64        `db:"confirmed_amount" json:"confirmed_amount,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
	PaidAt          *time.Time    `db:"paid_at" json:"paid_at,omitempty"`
}

// Enrollment represents a user's relationship to a course
type Enrollment struct {
	ID               int64            `db:"id" json:"id"`
	UserID           int64            `db:"user_id" json:"user_id"`
	CourseID         int64            `db:"course_id" json:"course_id"`
	Status           EnrollmentStatus `db:"status" json:"status"`
	PaymentReference *string          `db:"payment_reference" json:"payment_reference,omitempty"`
	Progress         float64          `db:"progress" json:"progress"`
	EnrolledAt       *time.Time       `db:"enrolled_at" json:"enrolled_at,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// Coupon represents a discount rule
type Coupon struct {
	ID            int64           `db:"id" json:"id"`
	Code          string          `db:"code" json:"code"`
	Kind          CouponKind      `db:"kind" json:"kind"`
	DiscountKind  DiscountKind    `db:"discount_kind" json:"discount_kind"`
	DiscountValue decimal.Decimal `db:"discount_value" json:"discount_value"`
	OwnerID       *int64          `db:"owner_id" json:"owner_id,omitempty"`
	MaxUses       *int            `db:"max_uses" json:"max_uses,omitempty"`
	UsedCount     int             `db:"used_count" json:"used_count"`
	ValidFrom     *time.Time      `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil    *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
	AppliesToAll  bool            `db:"applies_to_all" json:"applies_to_all"`
	IsActive      bool            `db:"is_active" json:"is_active"`
	Commission    decimal.Decimal `db:"commission" json:"commission"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`

	CourseIDs []int64 `db:"-" json:"course_ids,omitempty"`
}

// IsTimeBounded reports whether the coupon carries a validity window
func (c *Coupon) IsTimeBounded() bool {
	return c.Kind == CouponKindTimeBounded || c.ValidFrom != nil || c.ValidUntil != nil
}

// IsUsageCapped reports whether the coupon has a max-uses limit
func (c *Coupon) IsUsageCapped() bool {
	return c.MaxUses != nil
}

// AppliesTo reports whether the coupon can be used for the given course
func (c *Coupon) AppliesTo(courseID int64) bool {
	if c.AppliesToAll {
		return true
	}
	for _, id := range c.CourseIDs {
		if id == courseID {
			return true
		}
	}
	return false
}

// NormalizeCouponCode returns the canonical (case-insensitive) form of a code
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ExchangeRate converts one unit of Base into Rate units of Quote
type ExchangeRate struct {
	Base      string          `db:"base" json:"base"`
	Quote     string          `db:"quote" json:"quote"`
	Rate      decimal.Decimal `db:"rate" json:"rate"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Payment providers
const (
	ProviderPaystack = "paystack"
	ProviderSandbox  = "sandbox"
	ProviderFree     = "free"
)

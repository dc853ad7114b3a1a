package models

import "fmt"

// PaymentStatus is the lifecycle state of a Payment
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusSuccessful PaymentStatus = "successful"
	PaymentStatusFailed     PaymentStatus = "failed"
)

// ParsePaymentStatus validates a raw status string
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch st := PaymentStatus(s); st {
	case PaymentStatusPending, PaymentStatusSuccessful, PaymentStatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

// IsTerminal reports whether no further transition is possible
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSuccessful || s == PaymentStatusFailed
}

// CanTransitionTo enforces the one-way latch: pending -> successful | failed
func (s PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	return s == PaymentStatusPending &&
		(target == PaymentStatusSuccessful || target == PaymentStatusFailed)
}

// EnrollmentStatus is the lifecycle state of an Enrollment
type EnrollmentStatus string

// Enrollment statuses
const (
	EnrollmentStatusPending EnrollmentStatus = "pending"
	EnrollmentStatusPaid    EnrollmentStatus = "paid"
	EnrollmentStatusActive  EnrollmentStatus = "active"
	EnrollmentStatusFailed  EnrollmentStatus = "failed"
)

// ParseEnrollmentStatus validates a raw status string
func ParseEnrollmentStatus(s string) (EnrollmentStatus, error) {
	switch st := EnrollmentStatus(s); st {
	case EnrollmentStatusPending, EnrollmentStatusPaid, EnrollmentStatusActive, EnrollmentStatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown enrollment status %q", s)
}

// CanTransitionTo validates enrollment moves.
//
// Valid transitions are:
//   - pending -> pending (a new reference replaces an abandoned attempt)
//   - pending -> paid, active, failed
//   - paid -> active
//   - failed -> pending (a new payment attempt with a new reference)
//   - failed -> active (an earlier attempt settles after a later one failed)
//
// Active is terminal.
func (s EnrollmentStatus) CanTransitionTo(target EnrollmentStatus) bool {
	switch s {
	case EnrollmentStatusPending:
		return target == EnrollmentStatusPending || target == EnrollmentStatusPaid ||
			target == EnrollmentStatusActive || target == EnrollmentStatusFailed
	case EnrollmentStatusPaid:
		return target == EnrollmentStatusActive
	case EnrollmentStatusFailed:
		return target == EnrollmentStatusPending || target == EnrollmentStatusActive
	}
	return false
}

// EnrollmentStatusesInto lists the statuses that may move to target
func EnrollmentStatusesInto(target EnrollmentStatus) []EnrollmentStatus {
	var from []EnrollmentStatus
	for _, s := range []EnrollmentStatus{
		EnrollmentStatusPending, EnrollmentStatusPaid, EnrollmentStatusActive, EnrollmentStatusFailed,
	} {
		if s.CanTransitionTo(target) {
			from = append(from, s)
		}
	}
	return from
}

// CouponKind classifies a coupon's restriction
type CouponKind string

// Coupon kinds
const (
	CouponKindGeneral      CouponKind = "general"
	CouponKindUserSpecific CouponKind = "user_specific"
	CouponKindTimeBounded  CouponKind = "time_bounded"
	CouponKindUsageCapped  CouponKind = "usage_capped"
	CouponKindReferral     CouponKind = "referral"
)

// Valid reports whether k is a known kind
func (k CouponKind) Valid() bool {
	switch k {
	case CouponKindGeneral, CouponKindUserSpecific, CouponKindTimeBounded, CouponKindUsageCapped, CouponKindReferral:
		return true
	}
	return false
}

// DiscountKind selects how a coupon's value is applied
type DiscountKind string

// Discount kinds
const (
	DiscountKindPercent DiscountKind = "percent"
	DiscountKindFixed   DiscountKind = "fixed"
)

// Valid reports whether k is a known discount kind
func (k DiscountKind) Valid() bool {
	return k == DiscountKindPercent || k == DiscountKindFixed
}

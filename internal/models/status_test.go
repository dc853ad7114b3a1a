package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaymentStatusTransitions(t *testing.T) {
	assert.True(t, PaymentStatusPending.CanTransitionTo(PaymentStatusSuccessful))
	assert.True(t, PaymentStatusPending.CanTransitionTo(PaymentStatusFailed))

	assert.False(t, PaymentStatusSuccessful.CanTransitionTo(PaymentStatusPending))
	assert.False(t, PaymentStatusSuccessful.CanTransitionTo(PaymentStatusFailed))
	assert.False(t, PaymentStatusFailed.CanTransitionTo(PaymentStatusSuccessful))
	assert.False(t, PaymentStatusFailed.CanTransitionTo(PaymentStatusPending))
	assert.False(t, PaymentStatusPending.CanTransitionTo(PaymentStatusPending))

	assert.True(t, PaymentStatusFailed.IsTerminal())
	assert.False(t, PaymentStatusPending.IsTerminal())
}

func TestEnrollmentStatusTransitions(t *testing.T) {
	assert.True(t, EnrollmentStatusPending.CanTransitionTo(EnrollmentStatusActive))
	assert.True(t, EnrollmentStatusPaid.CanTransitionTo(EnrollmentStatusActive))
	assert.True(t, EnrollmentStatusFailed.CanTransitionTo(EnrollmentStatusPending))
	assert.True(t, EnrollmentStatusFailed.CanTransitionTo(EnrollmentStatusActive))
	assert.True(t, EnrollmentStatusPending.CanTransitionTo(EnrollmentStatusPending))

	assert.False(t, EnrollmentStatusActive.CanTransitionTo(EnrollmentStatusActive))
	assert.False(t, EnrollmentStatusActive.CanTransitionTo(EnrollmentStatusFailed))
	assert.False(t, EnrollmentStatusActive.CanTransitionTo(EnrollmentStatusPending))
	assert.False(t, EnrollmentStatusPaid.CanTransitionTo(EnrollmentStatusPending))
	assert.False(t, EnrollmentStatusFailed.CanTransitionTo(EnrollmentStatusPaid))
}

func TestEnrollmentStatusesInto(t *testing.T) {
	assert.Equal(t,
		[]EnrollmentStatus{EnrollmentStatusPending, EnrollmentStatusPaid, EnrollmentStatusFailed},
		EnrollmentStatusesInto(EnrollmentStatusActive))
	assert.Equal(t,
		[]EnrollmentStatus{EnrollmentStatusPending, EnrollmentStatusFailed},
		EnrollmentStatusesInto(EnrollmentStatusPending))
}

func TestParseStatus(t *testing.T) {
	st, err := ParsePaymentStatus("successful")
	assert.NoError(t, err)
	assert.Equal(t, PaymentStatusSuccessful, st)

	_, err = ParsePaymentStatus("success")
	assert.Error(t, err)

	_, err = ParseEnrollmentStatus("done")
	assert.Error(t, err)
}

func TestCouponAppliesTo(t *testing.T) {
	c := &Coupon{CourseIDs: []int64{3, 7}}
	assert.True(t, c.AppliesTo(7))
	assert.False(t, c.AppliesTo(4))

	c.AppliesToAll = true
	assert.True(t, c.AppliesTo(4))
	assert.Equal(t, "WELCOME20", NormalizeCouponCode("  welcome20 "))
}

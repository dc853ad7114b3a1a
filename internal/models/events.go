package models

import "time"

// Event types
const (
	EventTypePaymentInitiated    = "PAYMENT_INITIATED"
	EventTypePaymentSucceeded    = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed       = "PAYMENT_FAILED"
	EventTypeEnrollmentActivated = "ENROLLMENT_ACTIVATED"
	EventTypeGatewayWebhook      = "GATEWAY_WEBHOOK"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentInitiatedEvent published when a gateway transaction is opened
type PaymentInitiatedEvent struct {
	BaseEvent
	Reference  string  `json:"reference"`
	UserID     int64   `json:"user_id"`
	CourseID   int64   `json:"course_id"`
	Amount     int64   `json:"amount"`
	Currency   string  `json:"currency"`
	CouponCode *string `json:"coupon_code,omitempty"`
}

// PaymentSucceededEvent published once per reference, by the winning reconciliation
type PaymentSucceededEvent struct {
	BaseEvent
	Reference       string  `json:"reference"`
	UserID          int64   `json:"user_id"`
	CourseID        int64   `json:"course_id"`
	ConfirmedAmount int64   `json:"confirmed_amount"`
	Currency        string  `json:"currency"`
	CouponCode      *string `json:"coupon_code,omitempty"`
}

// PaymentFailedEvent published when the gateway confirms a failure
type PaymentFailedEvent struct {
	BaseEvent
	Reference string `json:"reference"`
	UserID    int64  `json:"user_id"`
	CourseID  int64  `json:"course_id"`
	Reason    string `json:"reason"`
}

// EnrollmentActivatedEvent published when an enrollment becomes active
type EnrollmentActivatedEvent struct {
	BaseEvent
	Reference string `json:"reference"`
	UserID    int64  `json:"user_id"`
	CourseID  int64  `json:"course_id"`
}

// GatewayWebhookEvent carries a verified gateway callback to the reconcile worker
type GatewayWebhookEvent struct {
	BaseEvent
	Reference    string `json:"reference"`
	GatewayEvent string `json:"gateway_event"`
}

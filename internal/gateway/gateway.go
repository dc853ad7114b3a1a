// Package gateway is the boundary to the external payment provider.
//
// Adapters only open and verify transactions. They never retry: callers decide
// retry and backoff, using errors.Is(err, ErrUnavailable) to tell transient
// failures apart from rejections.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the gateway's authoritative view of a transaction
type Status string

// Gateway transaction statuses
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// Metadata keys the service writes at open time and reads back for recovery
const (
	MetaUserID     = "user_id"
	MetaCourseID   = "course_id"
	MetaCouponCode = "coupon_code"
)

// Metadata is an opaque bag passed through the gateway
type Metadata map[string]string

var (
	// ErrUnavailable marks transport failures, timeouts and provider outages. Retryable.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrRejected marks requests the provider refused. Not retryable.
	ErrRejected = errors.New("gateway rejected request")
)

// Error describes a failed gateway call
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: %s (status %d): %v", e.Op, e.Message, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// OpenRequest asks the provider to open a transaction
type OpenRequest struct {
	Reference   string
	Amount      int64
	Currency    string
	Email       string
	CallbackURL string
	Metadata    Metadata
}

// OpenResult is returned by a successful Open
type OpenResult struct {
	Reference        string
	AuthorizationURL string
	AccessCode       string
}

// Outcome is the provider's verification result
type Outcome struct {
	Reference string
	Status    Status
	Amount    int64
	Currency  string
	Metadata  Metadata
	PaidAt    *time.Time
	Message   string
}

// WebhookEvent is a parsed provider callback
type WebhookEvent struct {
	Event     string
	Reference string
}

// Gateway opens and verifies transactions with a payment provider
type Gateway interface {
	Name() string
	Open(ctx context.Context, req OpenRequest) (*OpenResult, error)
	Verify(ctx context.Context, reference string) (*Outcome, error)
}

// WebhookVerifier authenticates and decodes provider callbacks
type WebhookVerifier interface {
	SignatureHeader() string
	VerifySignature(payload []byte, signature string) bool
	ParseWebhook(payload []byte) (*WebhookEvent, error)
}

// IsUnavailable reports whether err is a retryable gateway failure
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Step is one scripted Verify response of the Fake gateway
type Step struct {
	Status Status
	Err    error
	// Amount overrides the amount reported by Verify; nil reports the opened amount
	Amount *int64
}

// Fake is an in-memory Gateway with scripted verify outcomes. It backs the
// sandbox provider and the tests.
type Fake struct {
	mu sync.Mutex

	name          string
	defaultStatus Status
	openErr       error
	secret        string

	opened   map[string]OpenRequest
	requests []OpenRequest
	scripts  map[string][]Step
	verifies map[string]int
	openCnt  int
}

// NewFake creates a fake that reports every transaction as pending until scripted
func NewFake() *Fake {
	return &Fake{
		name:          "fake",
		defaultStatus: StatusPending,
		opened:        make(map[string]OpenRequest),
		scripts:       make(map[string][]Step),
		verifies:      make(map[string]int),
	}
}

// NewSandbox creates a fake that settles every opened transaction successfully
func NewSandbox(secret string) *Fake {
	f := NewFake()
	f.name = "sandbox"
	f.defaultStatus = StatusSuccess
	f.secret = secret
	return f
}

// ErrTimeout simulates a verify call that ran past its deadline
var ErrTimeout = &Error{Op: "verify", Message: "timeout", Err: ErrUnavailable}

// Name returns the provider name
func (f *Fake) Name() string {
	return f.name
}

// FailOpen makes subsequent Open calls return err
func (f *Fake) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// Script queues verify responses for reference. The last step repeats.
func (f *Fake) Script(reference string, steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[reference] = append(f.scripts[reference], steps...)
}

// Settle registers a transaction the fake did not open, as if created elsewhere
func (f *Fake) Settle(req OpenRequest, steps ...Step) {
	f.mu.Lock()
	f.opened[req.Reference] = req
	f.mu.Unlock()
	f.Script(req.Reference, steps...)
}

// Open records the request and returns a hosted checkout URL
func (f *Fake) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "open", Message: err.Error(), Err: ErrUnavailable}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.openCnt++
	if f.openErr != nil {
		return nil, f.openErr
	}

	f.opened[req.Reference] = req
	f.requests = append(f.requests, req)

	return &OpenResult{
		Reference:        req.Reference,
		AuthorizationURL: fmt.Sprintf("https://checkout.%s.local/%s", f.name, req.Reference),
		AccessCode:       "ac_" + req.Reference,
	}, nil
}

// Verify returns the next scripted step for reference
func (f *Fake) Verify(ctx context.Context, reference string) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "verify", Message: err.Error(), Err: ErrUnavailable}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.verifies[reference]
	f.verifies[reference] = n + 1

	req, known := f.opened[reference]
	step := Step{Status: f.defaultStatus}
	if steps := f.scripts[reference]; len(steps) > 0 {
		if n >= len(steps) {
			n = len(steps) - 1
		}
		step = steps[n]
	} else if !known {
		return nil, &Error{Op: "verify", StatusCode: 404, Message: "transaction not found", Err: ErrRejected}
	}

	if step.Err != nil {
		return nil, step.Err
	}

	amount := req.Amount
	if step.Amount != nil {
		amount = *step.Amount
	}

	out := &Outcome{
		Reference: reference,
		Status:    step.Status,
		Amount:    amount,
		Currency:  req.Currency,
		Metadata:  copyMetadata(req.Metadata),
	}
	if step.Status == StatusSuccess {
		now := time.Now().UTC()
		out.PaidAt = &now
	}
	return out, nil
}

// VerifyCalls returns how many times Verify was called for reference
func (f *Fake) VerifyCalls(reference string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifies[reference]
}

// OpenCalls returns how many times Open was called
func (f *Fake) OpenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCnt
}

// Requests returns the successfully opened requests in order
func (f *Fake) Requests() []OpenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OpenRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// SignatureHeader names the header carrying the webhook signature
func (f *Fake) SignatureHeader() string {
	return paystackSignatureHeader
}

// VerifySignature checks the payload against the sandbox secret
func (f *Fake) VerifySignature(payload []byte, signature string) bool {
	return verifyHMACSHA512(f.secret, payload, signature)
}

// ParseWebhook decodes a webhook body in the Paystack shape
func (f *Fake) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	return parseWebhook(payload)
}

func copyMetadata(md Metadata) Metadata {
	if md == nil {
		return nil
	}
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

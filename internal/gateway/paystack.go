package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPaystackBaseURL = "https://api.paystack.co"
	paystackSignatureHeader = "X-Paystack-Signature"
)

// PaystackConfig configures the Paystack adapter
type PaystackConfig struct {
	SecretKey   string
	BaseURL     string
	CallbackURL string
	Timeout     time.Duration
}

// Paystack implements Gateway against the Paystack transaction API
type Paystack struct {
	cfg        PaystackConfig
	httpClient *http.Client
}

// NewPaystack creates a Paystack adapter
func NewPaystack(cfg PaystackConfig) *Paystack {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultPaystackBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Paystack{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name stored on payments
func (p *Paystack) Name() string {
	return "paystack"
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackInitData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type paystackVerifyData struct {
	Status          string          `json:"status"`
	Reference       string          `json:"reference"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	PaidAt          *time.Time      `json:"paid_at"`
	GatewayResponse string          `json:"gateway_response"`
	Metadata        json.RawMessage `json:"metadata"`
}

// Open initializes a transaction. Amount is in the currency's minor unit.
func (p *Paystack) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = p.cfg.CallbackURL
	}

	payload := map[string]interface{}{
		"email":    req.Email,
		"amount":   strconv.FormatInt(req.Amount, 10),
		"currency": req.Currency,
	}
	if req.Reference != "" {
		payload["reference"] = req.Reference
	}
	if callbackURL != "" {
		payload["callback_url"] = callbackURL
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize payload: %w", err)
	}

	env, err := p.do(ctx, "open", http.MethodPost, "/transaction/initialize", body)
	if err != nil {
		return nil, err
	}

	var data paystackInitData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &Error{Op: "open", Message: "malformed response data", Err: ErrUnavailable}
	}
	if data.Reference == "" {
		data.Reference = req.Reference
	}

	return &OpenResult{
		Reference:        data.Reference,
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
	}, nil
}

// Verify fetches the authoritative status of a transaction
func (p *Paystack) Verify(ctx context.Context, reference string) (*Outcome, error) {
	env, err := p.do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, err
	}

	var data paystackVerifyData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &Error{Op: "verify", Message: "malformed response data", Err: ErrUnavailable}
	}
	if data.Reference == "" {
		data.Reference = reference
	}

	return &Outcome{
		Reference: data.Reference,
		Status:    mapPaystackStatus(data.Status),
		Amount:    data.Amount,
		Currency:  data.Currency,
		Metadata:  decodeMetadata(data.Metadata),
		PaidAt:    data.PaidAt,
		Message:   data.GatewayResponse,
	}, nil
}

func (p *Paystack) do(ctx context.Context, op, method, path string, body []byte) (*paystackEnvelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, &Error{Op: op, Message: "failed to build request", Err: ErrRejected}
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Message: err.Error(), Err: ErrUnavailable}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: "failed to read response", Err: ErrUnavailable}
	}

	var env paystackEnvelope
	decodeErr := json.Unmarshal(respBody, &env)

	switch {
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: env.Message, Err: ErrUnavailable}
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: env.Message, Err: ErrRejected}
	case decodeErr != nil:
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: "malformed response", Err: ErrUnavailable}
	case !env.Status:
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: env.Message, Err: ErrRejected}
	}

	return &env, nil
}

// SignatureHeader names the header carrying the webhook signature
func (p *Paystack) SignatureHeader() string {
	return paystackSignatureHeader
}

// VerifySignature checks the HMAC-SHA512 of the raw webhook body
func (p *Paystack) VerifySignature(payload []byte, signature string) bool {
	return verifyHMACSHA512(p.cfg.SecretKey, payload, signature)
}

// ParseWebhook decodes a webhook body
func (p *Paystack) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	return parseWebhook(payload)
}

func verifyHMACSHA512(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// SignPayload computes the signature a provider would send for payload
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseWebhook(payload []byte) (*WebhookEvent, error) {
	var body struct {
		Event string `json:"event"`
		Data  struct {
			Reference string `json:"reference"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	if body.Data.Reference == "" {
		return nil, fmt.Errorf("webhook has no reference")
	}
	return &WebhookEvent{Event: body.Event, Reference: body.Data.Reference}, nil
}

func mapPaystackStatus(s string) Status {
	switch strings.ToLower(s) {
	case "success":
		return StatusSuccess
	case "failed", "reversed":
		return StatusFailed
	default:
		// abandoned, ongoing, pending, processing, queued
		return StatusPending
	}
}

// decodeMetadata flattens the provider's metadata object into strings.
// Paystack sends "" or null when no metadata was attached.
func decodeMetadata(raw json.RawMessage) Metadata {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	md := make(Metadata, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			md[k] = val
		case float64:
			md[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			md[k] = strconv.FormatBool(val)
		}
	}
	return md
}

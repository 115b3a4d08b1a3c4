// Package gateway talks to a ZarinPal-style payment provider: a request call
// that returns an authority, a browser redirect to StartPay, and a verify call.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/pkg/circuitbreaker"
	"github.com/amirriazizadeh/kastomy-shop/pkg/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	CodeSuccess          = 100
	CodeAlreadyConfirmed = 101

	maxResponseBody = 1 << 20
)

type Config struct {
	MerchantID  string
	RequestURL  string
	VerifyURL   string
	StartPayURL string
	Timeout     time.Duration
	// AmountMultiplier converts stored amounts to the provider's unit (toman to rial is 10).
	AmountMultiplier int64
	VerifyAttempts   int
	VerifyBackoff    time.Duration
}

type Metadata struct {
	OrderID string `json:"order_id,omitempty"`
	Mobile  string `json:"mobile,omitempty"`
	Email   string `json:"email,omitempty"`
}

type VerifyStatus int

const (
	Confirmed VerifyStatus = iota + 1
	AlreadyConfirmed
	Rejected
)

func (s VerifyStatus) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case AlreadyConfirmed:
		return "already_confirmed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type VerifyOutcome struct {
	Status VerifyStatus
	RefID  string
	Code   int
}

func (o VerifyOutcome) Paid() bool {
	return o.Status == Confirmed || o.Status == AlreadyConfirmed
}

type requestBody struct {
	MerchantID  string   `json:"merchant_id"`
	Amount      int64    `json:"amount"`
	Description string   `json:"description"`
	CallbackURL string   `json:"callback_url"`
	Metadata    Metadata `json:"metadata"`
}

type verifyBody struct {
	MerchantID string `json:"merchant_id"`
	Amount     int64  `json:"amount"`
	Authority  string `json:"authority"`
}

// envelope fields are raw because the provider sends [] instead of {} for the empty side.
type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

type result struct {
	Code      *int            `json:"code"`
	Message   string          `json:"message"`
	Authority string          `json:"authority"`
	RefID     json.RawMessage `json:"ref_id"`
}

type rawResponse struct {
	status int
	body   []byte
}

type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker[*rawResponse]
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewClient uses httpClient for transport; its Timeout is overridden by cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, m *metrics.Metrics, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.AmountMultiplier <= 0 {
		cfg.AmountMultiplier = 1
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = 1
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	hc := *httpClient
	hc.Timeout = cfg.Timeout

	breaker := circuitbreaker.New[*rawResponse](circuitbreaker.DefaultConfig("payment-gateway"), logger,
		func(err error) bool { return errors.Is(err, domain.ErrGatewayUnavailable) })

	return &Client{cfg: cfg, http: &hc, breaker: breaker, metrics: m, logger: logger}
}

// MinorUnits converts a stored amount into the integer the provider expects.
func (c *Client) MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(c.cfg.AmountMultiplier)).Round(0).IntPart()
}

func (c *Client) StartPayURL(authority string) string {
	return c.cfg.StartPayURL + authority
}

// Request opens a payment and returns its authority. It is never retried.
func (c *Client) Request(ctx context.Context, amount int64, description, callbackURL string, meta Metadata) (string, error) {
	start := time.Now()
	authority, err := c.request(ctx, amount, description, callbackURL, meta)
	c.metrics.ObserveGateway("request", resultLabel(err), time.Since(start))
	return authority, err
}

func (c *Client) request(ctx context.Context, amount int64, description, callbackURL string, meta Metadata) (string, error) {
	resp, err := c.post(ctx, c.cfg.RequestURL, requestBody{
		MerchantID:  c.cfg.MerchantID,
		Amount:      amount,
		Description: description,
		CallbackURL: callbackURL,
		Metadata:    meta,
	})
	if err != nil {
		return "", err
	}

	res, err := decode(resp)
	if err != nil {
		return "", err
	}
	if *res.Code != CodeSuccess {
		return "", &domain.GatewayRejectedError{Code: *res.Code}
	}
	if res.Authority == "" {
		return "", fmt.Errorf("%w: success response without authority", domain.ErrGatewayUnavailable)
	}
	return res.Authority, nil
}

// Verify confirms a payment. Transient failures are retried up to VerifyAttempts.
func (c *Client) Verify(ctx context.Context, authority string, amount int64) (VerifyOutcome, error) {
	var (
		outcome VerifyOutcome
		err     error
	)
	for attempt := 1; attempt <= c.cfg.VerifyAttempts; attempt++ {
		start := time.Now()
		outcome, err = c.verify(ctx, authority, amount)
		c.metrics.ObserveGateway("verify", resultLabel(err), time.Since(start))

		if err == nil || !errors.Is(err, domain.ErrGatewayUnavailable) || errors.Is(err, circuitbreaker.ErrOpen) {
			return outcome, err
		}
		if attempt == c.cfg.VerifyAttempts {
			break
		}
		c.logger.Warn("gateway verify failed, retrying",
			zap.String("authority", authority),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return VerifyOutcome{}, fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, ctx.Err())
		case <-time.After(c.cfg.VerifyBackoff * time.Duration(attempt)):
		}
	}
	return VerifyOutcome{}, err
}

func (c *Client) verify(ctx context.Context, authority string, amount int64) (VerifyOutcome, error) {
	resp, err := c.post(ctx, c.cfg.VerifyURL, verifyBody{
		MerchantID: c.cfg.MerchantID,
		Amount:     amount,
		Authority:  authority,
	})
	if err != nil {
		return VerifyOutcome{}, err
	}

	res, err := decode(resp)
	if err != nil {
		return VerifyOutcome{}, err
	}

	switch *res.Code {
	case CodeSuccess:
		return VerifyOutcome{Status: Confirmed, RefID: rawString(res.RefID), Code: *res.Code}, nil
	case CodeAlreadyConfirmed:
		return VerifyOutcome{Status: AlreadyConfirmed, RefID: rawString(res.RefID), Code: *res.Code}, nil
	default:
		return VerifyOutcome{Status: Rejected, Code: *res.Code}, nil
	}
}

func (c *Client) post(ctx context.Context, url string, payload any) (*rawResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway payload: %w", err)
	}

	resp, err := c.breaker.Execute(func() (*rawResponse, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build gateway request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		httpResp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, err)
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %w", domain.ErrGatewayUnavailable, err)
		}
		if httpResp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: status %d", domain.ErrGatewayUnavailable, httpResp.StatusCode)
		}
		return &rawResponse{status: httpResp.StatusCode, body: data}, nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, err)
	}
	return resp, err
}

// decode extracts the result code from either side of the envelope. A body
// without a code is malformed and reported as unavailable.
func decode(resp *rawResponse) (*result, error) {
	var env envelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed body (status %d): %w", domain.ErrGatewayUnavailable, resp.status, err)
	}

	for _, raw := range []json.RawMessage{env.Data, env.Errors} {
		if !isObject(raw) {
			continue
		}
		var res result
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("%w: malformed result: %w", domain.ErrGatewayUnavailable, err)
		}
		if res.Code != nil {
			return &res, nil
		}
	}
	return nil, fmt.Errorf("%w: response without code (status %d)", domain.ErrGatewayUnavailable, resp.status)
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func rawString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrGatewayRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}

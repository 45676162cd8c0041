// Package taxsvc is the client side of the external tax engine: an HTTP
// client with timeout and retry, and a flat-rate estimator for local runs.
package taxsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
)

// Request asks for the withholding owed on a wage delta. Method is the
// withholding method of the original payroll run.
type Request struct {
	WageDelta    money.Money
	Jurisdiction string
	AsOf         time.Time
	Method       string
}

type Service interface {
	ComputeTax(ctx context.Context, req Request) (domain.TaxAmounts, error)
}

// --- HTTP client ---

type HTTPClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	retries uint64
	backoff time.Duration
}

func NewHTTPClient(baseURL string, timeout time.Duration, retries uint64) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
		retries: retries,
		backoff: 100 * time.Millisecond,
	}
}

type wireRequest struct {
	WageDelta    string `json:"wage_delta"`
	Jurisdiction string `json:"jurisdiction"`
	AsOf         string `json:"as_of"`
	Method       string `json:"method"`
}

type wireResult struct {
	Federal string `json:"federal"`
	State   string `json:"state"`
	FICA    string `json:"fica"`
}

// ComputeTax posts to {base}/v1/tax/compute. Each attempt gets its own
// timeout; 5xx responses and timeouts are retried, 4xx are not.
func (c *HTTPClient) ComputeTax(ctx context.Context, req Request) (domain.TaxAmounts, error) {
	body, err := json.Marshal(wireRequest{
		WageDelta:    req.WageDelta.String(),
		Jurisdiction: req.Jurisdiction,
		AsOf:         req.AsOf.Format("2006-01-02"),
		Method:       req.Method,
	})
	if err != nil {
		return domain.TaxAmounts{}, err
	}

	var out domain.TaxAmounts
	b := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))
	attempt := 0
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		res, err := c.post(ctx, body)
		if err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				return err
			}
			log.Printf("[tax] attempt %d failed: %v", attempt, err)
			return retry.RetryableError(err)
		}
		out = res
		return nil
	})
	if err != nil {
		return domain.TaxAmounts{}, fmt.Errorf("tax service: %w", err)
	}
	return out, nil
}

type permanentError struct{ msg string }

func (e *permanentError) Error() string { return e.msg }

func (c *HTTPClient) post(ctx context.Context, body []byte) (domain.TaxAmounts, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tax/compute", bytes.NewReader(body))
	if err != nil {
		return domain.TaxAmounts{}, &permanentError{msg: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.TaxAmounts{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.TaxAmounts{}, err
	}

	switch {
	case resp.StatusCode >= 500:
		return domain.TaxAmounts{}, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return domain.TaxAmounts{}, &permanentError{msg: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	var w wireResult
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.TaxAmounts{}, &permanentError{msg: "decode response: " + err.Error()}
	}
	var t domain.TaxAmounts
	for _, f := range []struct {
		dst *money.Money
		src string
	}{{&t.Federal, w.Federal}, {&t.State, w.State}, {&t.FICA, w.FICA}} {
		m, err := money.Parse(f.src, money.DefaultCurrency)
		if err != nil {
			return domain.TaxAmounts{}, &permanentError{msg: "bad amount in response: " + err.Error()}
		}
		*f.dst = m
	}
	return t, nil
}

// --- flat-rate estimator ---

// FlatRate estimates withholding with fixed rates. It is used when no tax
// service URL is configured.
type FlatRate struct {
	Federal      decimal.Decimal
	Supplemental decimal.Decimal
	DefaultState decimal.Decimal
	StateRates   map[string]decimal.Decimal
	FICA         decimal.Decimal
}

func NewFlatRate() *FlatRate {
	zero := decimal.Zero
	return &FlatRate{
		Federal:      decimal.RequireFromString("10"),
		Supplemental: decimal.RequireFromString("22"),
		DefaultState: decimal.RequireFromString("6"),
		StateRates: map[string]decimal.Decimal{
			"TX": zero, "FL": zero, "WA": zero, "NV": zero,
			"SD": zero, "WY": zero, "AK": zero, "TN": zero, "NH": zero,
		},
		FICA: decimal.RequireFromString("7.65"),
	}
}

func (f *FlatRate) ComputeTax(_ context.Context, req Request) (domain.TaxAmounts, error) {
	if req.WageDelta.IsNegative() {
		return domain.TaxAmounts{}, domain.Validationf("wage delta must not be negative")
	}
	fed := f.Federal
	if req.Method == "supplemental" {
		fed = f.Supplemental
	}
	state, ok := f.StateRates[strings.ToUpper(req.Jurisdiction)]
	if !ok {
		state = f.DefaultState
	}
	return domain.TaxAmounts{
		Federal: req.WageDelta.Percent(fed),
		State:   req.WageDelta.Percent(state),
		FICA:    req.WageDelta.Percent(f.FICA),
	}, nil
}

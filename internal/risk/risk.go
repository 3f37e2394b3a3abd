// Package risk scores destination addresses before a transfer may proceed.
//
// Each analysis is bound to exactly one normalized address; verdicts are
// never reused across addresses. Invalid addresses fail fast without a
// remote call.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sendguard/sendguard/internal/circuitbreaker"
	"github.com/sendguard/sendguard/internal/metrics"
	"github.com/sendguard/sendguard/internal/validation"
)

var (
	ErrInvalidAddress = errors.New("risk: invalid destination address")
	ErrUnavailable    = errors.New("risk: analysis service unavailable")
	ErrBadResponse    = errors.New("risk: malformed analysis response")
)

// breakerKey identifies the scoring service in the circuit breaker.
const breakerKey = "risk"

// Outcome is the analysis result for an address.
type Outcome string

const (
	OutcomeSafe   Outcome = "SAFE"
	OutcomeUnsafe Outcome = "UNSAFE"
)

// Verdict is the result of analyzing one destination address. Address is
// the normalized form the verdict applies to; a verdict must never be
// applied to any other address.
type Verdict struct {
	Address    string    `json:"address"`
	Outcome    Outcome   `json:"outcome"`
	Confidence float64   `json:"confidence"`
	Reasons    []string  `json:"reasons,omitempty"`
	AnalyzedAt time.Time `json:"analyzedAt"`
}

// Safe reports whether the verdict permits submission.
func (v *Verdict) Safe() bool {
	return v != nil && v.Outcome == OutcomeSafe
}

// Analyzer scores destination addresses.
type Analyzer interface {
	Analyze(ctx context.Context, address string) (*Verdict, error)
}

// Client calls the remote scoring service.
type Client struct {
	baseURL string
	params  *chaincfg.Params
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Tests use it to control
// timeouts.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithBreaker sets the circuit breaker guarding the scoring service.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a scoring client for the given base URL. params selects
// the Bitcoin network addresses are validated against.
func NewClient(baseURL string, params *chaincfg.Params, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		params:  params,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Analyzer = (*Client)(nil)

// predictResponse is the scoring service wire format.
type predictResponse struct {
	Address               string   `json:"address"`
	RansomwareProbability *float64 `json:"ransomware_probability"`
	IsRansomware          *bool    `json:"is_ransomware"`
	ConfidenceLevel       string   `json:"confidence_level"`
	RiskFactors           []string `json:"risk_factors"`
}

// Analyze scores one destination address. The address is normalized and
// validated before any remote work; invalid input returns
// ErrInvalidAddress without a network call. The call honors ctx for
// cancellation and deadline.
func (c *Client) Analyze(ctx context.Context, address string) (*Verdict, error) {
	normalized := validation.NormalizeAddress(address)
	if !validation.IsValidAddress(normalized, c.params) {
		metrics.AnalysesTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	if c.breaker != nil && !c.breaker.Allow(breakerKey) {
		metrics.AnalysesTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	timer := prometheus.NewTimer(metrics.AnalysisDuration)
	defer timer.ObserveDuration()

	verdict, err := c.predict(ctx, normalized)
	if err != nil {
		// Cancellation is the caller's doing, not a service failure.
		if c.breaker != nil && ctx.Err() == nil {
			c.breaker.RecordFailure(breakerKey)
		}
		if errors.Is(err, ErrBadResponse) {
			metrics.AnalysesTotal.WithLabelValues("malformed").Inc()
			return nil, err
		}
		metrics.AnalysesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess(breakerKey)
	}

	metrics.AnalysesTotal.WithLabelValues(string(verdict.Outcome)).Inc()
	c.logger.Info("address analyzed",
		"address", verdict.Address,
		"outcome", verdict.Outcome,
		"confidence", verdict.Confidence,
	)
	return verdict, nil
}

func (c *Client) predict(ctx context.Context, address string) (*Verdict, error) {
	body, err := json.Marshal(map[string]string{"address": address})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: scoring service returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if pr.IsRansomware == nil || pr.RansomwareProbability == nil {
		return nil, fmt.Errorf("%w: missing classification fields", ErrBadResponse)
	}

	return toVerdict(address, &pr), nil
}

// toVerdict maps the wire response onto a verdict bound to address.
// Confidence is the probability the classification itself is right, so a
// SAFE outcome inverts the ransomware probability. Reasons only accompany
// UNSAFE verdicts.
func toVerdict(address string, pr *predictResponse) *Verdict {
	v := &Verdict{
		Address:    address,
		AnalyzedAt: time.Now(),
	}
	p := *pr.RansomwareProbability
	if *pr.IsRansomware {
		v.Outcome = OutcomeUnsafe
		v.Confidence = p
		v.Reasons = pr.RiskFactors
	} else {
		v.Outcome = OutcomeSafe
		v.Confidence = 1 - p
	}
	return v
}

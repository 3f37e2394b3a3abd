// Package ledger talks to the on-chain wallet service: balance queries and
// transfer submission on behalf of the current identity.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/sendguard/sendguard/internal/session"
)

var ErrNotBound = errors.New("ledger: no identity bound")

// SubmitError reports a failed submission. Status is the HTTP status the
// wallet service returned, or 0 when the request never completed.
type SubmitError struct {
	Status  int
	Message string
	Err     error
}

func (e *SubmitError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ledger: submission rejected (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("ledger: submission failed: %s", e.Message)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Fatal reports whether the failure is permanent. Rejections (4xx) will not
// succeed on retry; transport failures and service errors may.
func (e *SubmitError) Fatal() bool {
	return e.Status >= 400 && e.Status < 500
}

// Submission describes one outbound transfer.
type Submission struct {
	Recipient string         `json:"recipient"`
	Amount    btcutil.Amount `json:"amountSats"`
}

// Receipt is the wallet service's acknowledgement of a submission.
type Receipt struct {
	TxID        string    `json:"txId"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Balance is the spendable balance for the bound identity's address.
type Balance struct {
	Address   string         `json:"address"`
	Spendable btcutil.Amount `json:"spendableSats"`
	Pending   btcutil.Amount `json:"pendingSats"`
}

// Holding is one line of the portfolio view.
type Holding struct {
	Asset    string  `json:"asset"`
	Quantity float64 `json:"quantity"`
	ValueUSD float64 `json:"valueUsd"`
}

// Wallet is the remote wallet collaborator.
type Wallet interface {
	Submit(ctx context.Context, sub Submission) (*Receipt, error)
	SpendableBalance(ctx context.Context) (*Balance, error)
	Portfolio(ctx context.Context) ([]Holding, error)
}

// Client calls the wallet service. It implements session.Binder so every
// request is attributed to the current identity; calls without a bound
// identity fail with ErrNotBound rather than going out unattributed.
type Client struct {
	baseURL string
	client  *http.Client

	mu       sync.RWMutex
	identity *session.Identity
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a wallet client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		client: &http.Client{
			// Submission can take a while; per-call deadlines come from ctx.
			Timeout: 120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ Wallet         = (*Client)(nil)
	_ session.Binder = (*Client)(nil)
)

// BindIdentity rebinds the client to id. A nil id unbinds.
func (c *Client) BindIdentity(id *session.Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

func (c *Client) boundIdentity() (*session.Identity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return nil, ErrNotBound
	}
	return c.identity, nil
}

// Submit sends the transfer to the wallet service. Once this call is in
// flight the transfer may reach the chain even if ctx expires; callers must
// treat an ambiguous outcome as retryable-after-verification, never as a
// confirmed failure.
func (c *Client) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	id, err := c.boundIdentity()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(sub)
	if err != nil {
		return nil, &SubmitError{Message: "failed to encode submission", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, &SubmitError{Message: "failed to create request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+id.Credential())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &SubmitError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := readErrorMessage(resp.Body)
		return nil, &SubmitError{Status: resp.StatusCode, Message: msg}
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, &SubmitError{Message: "failed to decode receipt", Err: err}
	}
	return &receipt, nil
}

// SpendableBalance fetches the bound identity's balance.
func (c *Client) SpendableBalance(ctx context.Context) (*Balance, error) {
	var balance Balance
	if err := c.get(ctx, "/balance", &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// Portfolio fetches the bound identity's holdings.
func (c *Client) Portfolio(ctx context.Context) ([]Holding, error) {
	var result struct {
		Holdings []Holding `json:"holdings"`
	}
	if err := c.get(ctx, "/portfolio", &result); err != nil {
		return nil, err
	}
	return result.Holdings, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	id, err := c.boundIdentity()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+id.Credential())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet service returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return "no detail provided"
}

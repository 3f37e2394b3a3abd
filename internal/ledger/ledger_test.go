package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sendguard/sendguard/internal/session"
)

func boundClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL)
	c.BindIdentity(session.NewIdentity("principal-1", "cred-1"))
	return c
}

func TestSubmitRequiresIdentity(t *testing.T) {
	c := NewClient("http://unused")
	if _, err := c.Submit(context.Background(), Submission{Recipient: "bc1qx", Amount: 1000}); !errors.Is(err, ErrNotBound) {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
}

func TestSubmitSuccess(t *testing.T) {
	c := boundClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer cred-1" {
			t.Errorf("expected bound credential, got %q", got)
		}
		var sub Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			t.Errorf("decode submission: %v", err)
		}
		if sub.Recipient != "bc1qdest" || sub.Amount != 150000 {
			t.Errorf("unexpected submission %+v", sub)
		}
		json.NewEncoder(w).Encode(map[string]string{"txId": "abc123"})
	})

	receipt, err := c.Submit(context.Background(), Submission{Recipient: "bc1qdest", Amount: 150000})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if receipt.TxID != "abc123" {
		t.Errorf("expected txId abc123, got %s", receipt.TxID)
	}
}

func TestSubmitRejectionIsFatal(t *testing.T) {
	c := boundClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"message": "insufficient funds"})
	})

	_, err := c.Submit(context.Background(), Submission{Recipient: "bc1qdest", Amount: 1})
	var subErr *SubmitError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmitError, got %v", err)
	}
	if !subErr.Fatal() {
		t.Error("4xx rejection should be fatal")
	}
	if subErr.Message != "insufficient funds" {
		t.Errorf("expected service message, got %q", subErr.Message)
	}
}

func TestSubmitServerErrorIsRetryable(t *testing.T) {
	c := boundClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Submit(context.Background(), Submission{Recipient: "bc1qdest", Amount: 1})
	var subErr *SubmitError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmitError, got %v", err)
	}
	if subErr.Fatal() {
		t.Error("5xx should be retryable")
	}
}

func TestSubmitTransportErrorIsRetryable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	c.BindIdentity(session.NewIdentity("principal-1", "cred-1"))

	_, err := c.Submit(context.Background(), Submission{Recipient: "bc1qdest", Amount: 1})
	var subErr *SubmitError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmitError, got %v", err)
	}
	if subErr.Fatal() {
		t.Error("transport failure should be retryable")
	}
}

func TestRebindSwitchesCredential(t *testing.T) {
	var seen []string
	c := boundClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Balance{Address: "bc1qme", Spendable: 5000})
	})

	if _, err := c.SpendableBalance(context.Background()); err != nil {
		t.Fatalf("SpendableBalance failed: %v", err)
	}

	c.BindIdentity(session.NewIdentity("principal-2", "cred-2"))
	if _, err := c.SpendableBalance(context.Background()); err != nil {
		t.Fatalf("SpendableBalance failed: %v", err)
	}

	c.BindIdentity(nil)
	if _, err := c.SpendableBalance(context.Background()); !errors.Is(err, ErrNotBound) {
		t.Fatalf("expected ErrNotBound after unbind, got %v", err)
	}

	want := []string{"Bearer cred-1", "Bearer cred-2"}
	if len(seen) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("request %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestPortfolio(t *testing.T) {
	c := boundClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"holdings": []Holding{
				{Asset: "BTC", Quantity: 0.5, ValueUSD: 30000},
			},
		})
	})

	holdings, err := c.Portfolio(context.Background())
	if err != nil {
		t.Fatalf("Portfolio failed: %v", err)
	}
	if len(holdings) != 1 || holdings[0].Asset != "BTC" {
		t.Errorf("unexpected holdings %+v", holdings)
	}
}

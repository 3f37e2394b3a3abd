package notify

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type delivery struct {
	event     Event
	signature string
	eventType string
	body      []byte
}

func captureServer(t *testing.T, deliveries chan delivery) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			return
		}
		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Errorf("unmarshal event: %v", err)
			return
		}
		deliveries <- delivery{
			event:     ev,
			signature: r.Header.Get("X-Sendguard-Signature"),
			eventType: r.Header.Get("X-Sendguard-Event"),
			body:      body,
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmitDeliversSignedEvent(t *testing.T) {
	deliveries := make(chan delivery, 1)
	srv := captureServer(t, deliveries)
	d := NewDispatcher(srv.URL, "topsecret")

	d.Emit(context.Background(), EventTransferSubmitted, map[string]any{"txId": "abc123"})

	select {
	case got := <-deliveries:
		if got.event.Type != EventTransferSubmitted {
			t.Errorf("expected transfer.submitted, got %s", got.event.Type)
		}
		if got.eventType != string(EventTransferSubmitted) {
			t.Errorf("event header mismatch: %s", got.eventType)
		}
		if got.event.Data["txId"] != "abc123" {
			t.Errorf("unexpected data %v", got.event.Data)
		}
		want := Sign(got.body, "topsecret")
		if !hmac.Equal([]byte(got.signature), []byte(want)) {
			t.Errorf("signature mismatch: got %s want %s", got.signature, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestEmitUnsignedWithoutSecret(t *testing.T) {
	deliveries := make(chan delivery, 1)
	srv := captureServer(t, deliveries)
	d := NewDispatcher(srv.URL, "")

	d.Emit(context.Background(), EventAddressProvisioned, map[string]any{"address": "bc1qnew"})

	select {
	case got := <-deliveries:
		if got.signature != "" {
			t.Errorf("expected no signature, got %s", got.signature)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestEmitDisabledWithoutURL(t *testing.T) {
	d := NewDispatcher("", "secret")
	if d.Enabled() {
		t.Error("dispatcher with empty URL should be disabled")
	}
	// Must not panic or block.
	d.Emit(context.Background(), EventTransferFailed, nil)
}

func TestEmitterNilSafe(t *testing.T) {
	var e *Emitter
	e.TransferSubmitted(context.Background(), "p", "wf", "bc1q", "tx", 100)
	NewEmitter(nil).TransferFailed(context.Background(), "p", "wf", "bc1q", "boom", true)
}

func TestEmitSurvivesCancelledCaller(t *testing.T) {
	deliveries := make(chan delivery, 1)
	srv := captureServer(t, deliveries)
	d := NewDispatcher(srv.URL, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Emit(ctx, EventTransferBlocked, map[string]any{"recipient": "bc1qbad"})

	select {
	case got := <-deliveries:
		if got.event.Type != EventTransferBlocked {
			t.Errorf("expected transfer.blocked, got %s", got.event.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery should not inherit caller cancellation")
	}
}

func TestEmitRetriesTransientFailure(t *testing.T) {
	var calls int32
	delivered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		delivered <- struct{}{}
	}))
	t.Cleanup(srv.Close)

	d := NewDispatcher(srv.URL, "")
	d.retryDelay = 5 * time.Millisecond
	d.Emit(context.Background(), EventTransferSubmitted, nil)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery should succeed after transient failures")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestEmitDoesNotRetryClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	d := NewDispatcher(srv.URL, "")
	d.retryDelay = 5 * time.Millisecond
	d.Emit(context.Background(), EventTransferFailed, nil)

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("4xx should not be retried, got %d attempts", got)
	}
}

package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sendguard/sendguard/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e := &Entry{
		ID:         "act_pg_1",
		Principal:  "principal-1",
		Kind:       KindTransferBlocked,
		WorkflowID: "wf_1",
		Recipient:  "bc1qdest",
		AmountSats: 42000,
		Detail:     "known ransomware cluster",
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := store.Get(ctx, "act_pg_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Kind != KindTransferBlocked || got.Detail != "known ransomware cluster" {
		t.Errorf("unexpected entry %+v", got)
	}
	if got.TxID != "" {
		t.Errorf("expected empty tx id, got %q", got.TxID)
	}
}

func TestPostgresStoreGetMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestPostgresStoreListByPrincipal(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, kind := range []Kind{KindProvisioned, KindAnalysis, KindTransferSent} {
		e := entry("principal-1", kind, base.Add(time.Duration(i)*time.Second))
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := store.Append(ctx, entry("principal-2", KindAnalysis, base)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entries, err := store.ListByPrincipal(ctx, "principal-1", 10, nil)
	if err != nil {
		t.Fatalf("ListByPrincipal failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Kind != KindTransferSent {
		t.Errorf("expected newest entry first, got %s", entries[0].Kind)
	}
}

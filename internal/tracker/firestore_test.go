package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/Lllllllleong/voucherflow/internal/gcp"
	"github.com/Lllllllleong/voucherflow/internal/models"
)

// These tests talk to the Firestore emulator and are skipped without it.
func newEmulatorStore(t *testing.T) *FirestoreStore {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	client, err := gcp.NewFirestoreClient(context.Background(), "voucherflow-test")
	if err != nil {
		t.Fatalf("firestore client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewFirestoreStore(client, fmt.Sprintf("tracker_test_%d", time.Now().UnixNano()))
}

func TestFirestoreStoreInsertIfAbsent(t *testing.T) {
	store := newEmulatorStore(t)
	docs := pendingDocs(5, "2024", "loc-1")

	first, err := UpsertBatches(context.Background(), store, docs, 2)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := UpsertBatches(context.Background(), store, docs, 2)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first.Inserted != 5 || second.Inserted != 0 || second.Skipped != 5 {
		t.Fatalf("unexpected summaries %+v / %+v", first, second)
	}
}

func TestFirestoreStoreLifecycle(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()
	docs := pendingDocs(1, "2024", "loc-1")
	key := docs[0].Key()
	if _, err := store.InsertIfAbsent(ctx, docs); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := store.Transition(ctx, key, models.StatusFailed, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> failed must be rejected, got %v", err)
	}
	if _, err := store.Transition(ctx, key, models.StatusProcessing, ""); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if _, err := store.Transition(ctx, key, models.StatusFailed, "no_pdf_attachments"); err != nil {
		t.Fatalf("processing -> failed: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusFailed || got.ErrorDetails != "no_pdf_attachments" {
		t.Fatalf("unexpected row %+v", got)
	}
	reset, err := store.Reset(ctx, key)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	pending, err := store.ListByStatus(ctx, "2024", "loc-1", models.StatusPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending row after reset, got %v (%v)", pending, err)
	}
	if _, err := store.Get(ctx, models.DocumentKey{DocumentID: 1, AccountingYear: "2024", LocationID: "none"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	claimed, err := store.Claim(ctx, key, ClaimRequest{Owner: "run-a", Seen: reset.UpdatedAt})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Claim(ctx, key, ClaimRequest{Owner: "run-b", Seen: reset.UpdatedAt}); !errors.Is(err, ErrClaimed) {
		t.Fatalf("stale claim must fail with ErrClaimed, got %v", err)
	}
	if _, err := store.Claim(ctx, key, ClaimRequest{Owner: "run-b", Seen: claimed.UpdatedAt}); !errors.Is(err, ErrClaimed) {
		t.Fatalf("held claim must fail with ErrClaimed, got %v", err)
	}
	done, err := store.Transition(ctx, key, models.StatusProcessing, "")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if done.ClaimedBy != "" {
		t.Fatalf("transition must release the claim, got %+v", done)
	}
}

// Package tracker is the durable ledger of discovered documents and their
// OCR-submission status. It is the only state shared between the discovery
// and submission functions; every write is keyed by the document's identity
// triple (document id, accounting year, location id).
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Lllllllleong/voucherflow/internal/models"
)

var (
	// ErrNotFound is returned when no row exists for an identity triple.
	ErrNotFound = errors.New("tracked document not found")
	// ErrInvalidTransition is returned for status changes outside the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrClaimed is returned when another run holds or has taken the document.
	ErrClaimed = errors.New("document claimed by another run")
)

// PersistenceError wraps a failed read or write against the store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("tracker %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// BatchResult counts the outcome of one InsertIfAbsent call.
type BatchResult struct {
	Inserted int
	Skipped  int
}

// Store persists tracked documents.
type Store interface {
	// InsertIfAbsent creates every document whose identity triple is not yet
	// stored and counts the rest as skipped. Existing rows are never modified.
	// The call is atomic: either all absent rows are created or none are.
	InsertIfAbsent(ctx context.Context, docs []models.TrackedDocument) (BatchResult, error)
	Get(ctx context.Context, key models.DocumentKey) (*models.TrackedDocument, error)
	ListByStatus(ctx context.Context, accountingYear, locationID string, status models.Status) ([]models.TrackedDocument, error)
	// Transition atomically moves a document to status `to`, recording reason
	// as the error details. Changes not allowed by CanTransition fail with
	// ErrInvalidTransition. Any claim on the document is released.
	Transition(ctx context.Context, key models.DocumentKey, to models.Status, reason string) (*models.TrackedDocument, error)
	// Claim moves the document to processing on behalf of one run. It fails
	// with ErrClaimed when the row's UpdatedAt no longer equals seen, or when
	// another run holds an unexpired claim.
	Claim(ctx context.Context, key models.DocumentKey, c ClaimRequest) (*models.TrackedDocument, error)
	// Reset moves a failed document back to pending. It is the only way out of failed.
	Reset(ctx context.Context, key models.DocumentKey) (*models.TrackedDocument, error)
}

// DefaultClaimTTL bounds how long a crashed run keeps a document claimed.
const DefaultClaimTTL = 30 * time.Minute

// ClaimRequest identifies the claiming run and the row version it selected.
type ClaimRequest struct {
	Owner string
	Seen  time.Time
	TTL   time.Duration
}

// applyClaim checks the claim against d and, if it holds, updates d in place.
func applyClaim(d *models.TrackedDocument, c ClaimRequest, now time.Time) error {
	if !CanTransition(d.Status, models.StatusProcessing) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, d.Status, models.StatusProcessing, d.Key())
	}
	if !d.UpdatedAt.Equal(c.Seen) {
		return fmt.Errorf("%w: %s changed since it was selected", ErrClaimed, d.Key())
	}
	if d.ClaimedBy != "" && d.ClaimedBy != c.Owner && now.Before(d.ClaimExpiresAt) {
		return fmt.Errorf("%w: %s is held by run %s until %s", ErrClaimed, d.Key(), d.ClaimedBy, d.ClaimExpiresAt.Format(time.RFC3339))
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	d.Status = models.StatusProcessing
	d.ErrorDetails = ""
	d.ClaimedBy = c.Owner
	d.ClaimExpiresAt = now.Add(ttl)
	d.UpdatedAt = nextUpdate(d.UpdatedAt, now)
	return nil
}

// nextUpdate returns a write timestamp strictly after prev, so every write
// produces a new row version even on a coarse clock. Firestore keeps
// microseconds, hence the step.
func nextUpdate(prev, now time.Time) time.Time {
	now = now.Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return now
}

// CanTransition reports whether the lifecycle allows from -> to through Transition.
func CanTransition(from, to models.Status) bool {
	switch from {
	case models.StatusPending:
		return to == models.StatusProcessing
	case models.StatusProcessing:
		return to == models.StatusProcessing || to == models.StatusFailed || to == models.StatusProcessed
	}
	return false
}

// Summary aggregates a multi-batch upsert.
type Summary struct {
	TotalProcessed int
	Inserted       int
	Skipped        int
}

// DefaultBatchSize bounds the number of rows written per atomic call.
const DefaultBatchSize = 100

// UpsertBatches writes docs in batches of size rows. Duplicate identities in
// the input are counted as skipped. The first failing batch aborts the run;
// earlier batches stay committed, which is safe because re-running is idempotent.
func UpsertBatches(ctx context.Context, store Store, docs []models.TrackedDocument, size int) (Summary, error) {
	if size <= 0 {
		size = DefaultBatchSize
	}
	summary := Summary{TotalProcessed: len(docs)}

	seen := make(map[models.DocumentKey]struct{}, len(docs))
	unique := make([]models.TrackedDocument, 0, len(docs))
	for _, d := range docs {
		if _, dup := seen[d.Key()]; dup {
			summary.Skipped++
			continue
		}
		seen[d.Key()] = struct{}{}
		unique = append(unique, d)
	}

	for start := 0; start < len(unique); start += size {
		end := min(start+size, len(unique))
		res, err := store.InsertIfAbsent(ctx, unique[start:end])
		if err != nil {
			return summary, &PersistenceError{Op: fmt.Sprintf("insert batch %d-%d", start, end-1), Err: err}
		}
		summary.Inserted += res.Inserted
		summary.Skipped += res.Skipped
	}
	return summary, nil
}

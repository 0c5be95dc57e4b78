package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/voucherflow/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps tracked documents in a Firestore collection. The
// document ID is derived from the identity triple, so Firestore itself
// enforces one row per document.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// NewFirestoreStore returns a store backed by the given collection.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection, now: time.Now}
}

func (s *FirestoreStore) ref(key models.DocumentKey) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(key.ID())
}

// InsertIfAbsent reads every row of the batch and creates the missing ones in
// a single transaction. Firestore retries the transaction on contention, so
// concurrent discovery runs converge on the same rows.
func (s *FirestoreStore) InsertIfAbsent(ctx context.Context, docs []models.TrackedDocument) (BatchResult, error) {
	if len(docs) == 0 {
		return BatchResult{}, nil
	}
	refs := make([]*firestore.DocumentRef, len(docs))
	for i, d := range docs {
		refs[i] = s.ref(d.Key())
	}

	var res BatchResult
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		res = BatchResult{}
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return fmt.Errorf("read batch: %w", err)
		}
		now := s.now()
		for i, snap := range snaps {
			if snap.Exists() {
				res.Skipped++
				continue
			}
			d := docs[i]
			if d.Status == "" {
				d.Status = models.StatusPending
			}
			d.CreatedAt, d.UpdatedAt = now, now
			if err := tx.Create(refs[i], d); err != nil {
				return fmt.Errorf("create %s: %w", refs[i].ID, err)
			}
			res.Inserted++
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return res, nil
}

func (s *FirestoreStore) Get(ctx context.Context, key models.DocumentKey) (*models.TrackedDocument, error) {
	snap, err := s.ref(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get " + key.ID(), Err: err}
	}
	var d models.TrackedDocument
	if err := snap.DataTo(&d); err != nil {
		return nil, &PersistenceError{Op: "decode " + key.ID(), Err: err}
	}
	return &d, nil
}

func (s *FirestoreStore) ListByStatus(ctx context.Context, accountingYear, locationID string, st models.Status) ([]models.TrackedDocument, error) {
	it := s.client.Collection(s.collection).
		Where("accountingYear", "==", accountingYear).
		Where("locationId", "==", locationID).
		Where("status", "==", string(st)).
		Documents(ctx)
	defer it.Stop()

	var out []models.TrackedDocument
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, &PersistenceError{Op: "list by status", Err: err}
		}
		var d models.TrackedDocument
		if err := snap.DataTo(&d); err != nil {
			return nil, &PersistenceError{Op: "decode " + snap.Ref.ID, Err: err}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

// Transition runs the read-check-write in a transaction so two writers can
// never interleave on the same document.
func (s *FirestoreStore) Transition(ctx context.Context, key models.DocumentKey, to models.Status, reason string) (*models.TrackedDocument, error) {
	ref := s.ref(key)
	var updated models.TrackedDocument
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if err := snap.DataTo(&updated); err != nil {
			return err
		}
		if !CanTransition(updated.Status, to) {
			return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, updated.Status, to, key)
		}
		updated.Status = to
		updated.ErrorDetails = reason
		updated.UpdatedAt = nextUpdate(updated.UpdatedAt, s.now())
		updated.ClaimedBy, updated.ClaimExpiresAt = "", time.Time{}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(to)},
			{Path: "errorDetails", Value: reason},
			{Path: "updatedAt", Value: updated.UpdatedAt},
			{Path: "claimedBy", Value: firestore.Delete},
			{Path: "claimExpiresAt", Value: firestore.Delete},
		})
	})
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return nil, &PersistenceError{Op: "transition " + key.ID(), Err: err}
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Claim is a compare-and-set on updatedAt inside a transaction. Two runs
// that selected the same pending row cannot both win it.
func (s *FirestoreStore) Claim(ctx context.Context, key models.DocumentKey, c ClaimRequest) (*models.TrackedDocument, error) {
	ref := s.ref(key)
	var claimed models.TrackedDocument
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		claimed = models.TrackedDocument{}
		if err := snap.DataTo(&claimed); err != nil {
			return err
		}
		if err := applyClaim(&claimed, c, s.now()); err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(claimed.Status)},
			{Path: "errorDetails", Value: firestore.Delete},
			{Path: "claimedBy", Value: claimed.ClaimedBy},
			{Path: "claimExpiresAt", Value: claimed.ClaimExpiresAt},
			{Path: "updatedAt", Value: claimed.UpdatedAt},
		})
	})
	switch {
	case status.Code(err) == codes.NotFound:
		return nil, ErrNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrClaimed):
		return nil, err
	case err != nil:
		return nil, &PersistenceError{Op: "claim " + key.ID(), Err: err}
	}
	return &claimed, nil
}

func (s *FirestoreStore) Reset(ctx context.Context, key models.DocumentKey) (*models.TrackedDocument, error) {
	ref := s.ref(key)
	var reset models.TrackedDocument
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		reset = models.TrackedDocument{}
		if err := snap.DataTo(&reset); err != nil {
			return err
		}
		if reset.Status != models.StatusFailed {
			return fmt.Errorf("%w: reset of %s document %s", ErrInvalidTransition, reset.Status, key)
		}
		reset.Status = models.StatusPending
		reset.ErrorDetails = ""
		reset.UpdatedAt = nextUpdate(reset.UpdatedAt, s.now())
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(models.StatusPending)},
			{Path: "errorDetails", Value: firestore.Delete},
			{Path: "updatedAt", Value: reset.UpdatedAt},
		})
	})
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return nil, &PersistenceError{Op: "reset " + key.ID(), Err: err}
	}
	if err != nil {
		return nil, err
	}
	return &reset, nil
}

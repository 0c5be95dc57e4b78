package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Lllllllleong/voucherflow/internal/models"
)

// MemoryStore is an in-process Store. It keeps every status a document has
// been in, which makes lifecycle ordering observable.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[models.DocumentKey]models.TrackedDocument
	history map[models.DocumentKey][]models.Status
	now     func() time.Time

	// FailWrites, when set, is returned by every write.
	FailWrites error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:    map[models.DocumentKey]models.TrackedDocument{},
		history: map[models.DocumentKey][]models.Status{},
		now:     time.Now,
	}
}

func (s *MemoryStore) InsertIfAbsent(_ context.Context, docs []models.TrackedDocument) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return BatchResult{}, s.FailWrites
	}

	var res BatchResult
	now := s.now()
	for _, d := range docs {
		key := d.Key()
		if _, exists := s.docs[key]; exists {
			res.Skipped++
			continue
		}
		if d.Status == "" {
			d.Status = models.StatusPending
		}
		d.CreatedAt, d.UpdatedAt = now, now
		s.docs[key] = d
		s.history[key] = []models.Status{d.Status}
		res.Inserted++
	}
	return res, nil
}

func (s *MemoryStore) Get(_ context.Context, key models.DocumentKey) (*models.TrackedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, accountingYear, locationID string, status models.Status) ([]models.TrackedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.TrackedDocument
	for _, d := range s.docs {
		if d.AccountingYear == accountingYear && d.LocationID == locationID && d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, key models.DocumentKey, to models.Status, reason string) (*models.TrackedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return nil, s.FailWrites
	}

	d, ok := s.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(d.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, d.Status, to, key)
	}
	d.Status = to
	d.ErrorDetails = reason
	d.UpdatedAt = nextUpdate(d.UpdatedAt, s.now())
	d.ClaimedBy, d.ClaimExpiresAt = "", time.Time{}
	s.docs[key] = d
	s.history[key] = append(s.history[key], to)
	return &d, nil
}

func (s *MemoryStore) Claim(_ context.Context, key models.DocumentKey, c ClaimRequest) (*models.TrackedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return nil, s.FailWrites
	}

	d, ok := s.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	if err := applyClaim(&d, c, s.now()); err != nil {
		return nil, err
	}
	s.docs[key] = d
	s.history[key] = append(s.history[key], d.Status)
	return &d, nil
}

func (s *MemoryStore) Reset(_ context.Context, key models.DocumentKey) (*models.TrackedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return nil, s.FailWrites
	}

	d, ok := s.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Status != models.StatusFailed {
		return nil, fmt.Errorf("%w: reset of %s document %s", ErrInvalidTransition, d.Status, key)
	}
	d.Status = models.StatusPending
	d.ErrorDetails = ""
	d.UpdatedAt = nextUpdate(d.UpdatedAt, s.now())
	s.docs[key] = d
	s.history[key] = append(s.history[key], models.StatusPending)
	return &d, nil
}

// SetClock replaces the store's time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores d as-is, bypassing the lifecycle. It stands in for writes made
// by other systems, such as the ETL marking a document processed.
func (s *MemoryStore) Put(d models.TrackedDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := d.Key()
	s.docs[key] = d
	s.history[key] = append(s.history[key], d.Status)
}

// History returns every status the document has held, oldest first.
func (s *MemoryStore) History(key models.DocumentKey) []models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Status(nil), s.history[key]...)
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

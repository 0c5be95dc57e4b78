package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the OCR-submission lifecycle state of a tracked document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	// StatusProcessed is written by the downstream ETL once OCR output has been consumed.
	StatusProcessed Status = "processed"
)

// Valid reports whether s is one of the persisted lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusFailed, StatusProcessed:
		return true
	}
	return false
}

// DocumentKey is the natural identity of a tracked document.
type DocumentKey struct {
	DocumentID     int
	AccountingYear string
	LocationID     string
}

// ID derives a Firestore-safe document ID from the identity triple.
func (k DocumentKey) ID() string {
	safe := strings.NewReplacer("/", "-", ".", "-")
	return fmt.Sprintf("%s_%s_%d", safe.Replace(k.LocationID), safe.Replace(k.AccountingYear), k.DocumentID)
}

func (k DocumentKey) String() string {
	return fmt.Sprintf("document %d (year %s, location %s)", k.DocumentID, k.AccountingYear, k.LocationID)
}

// TrackedDocument is the durable record of a discovered source document in Firestore.
// Exactly one exists per (documentId, accountingYear, locationId).
type TrackedDocument struct {
	DocumentID     int       `firestore:"documentId"`
	AccountingYear string    `firestore:"accountingYear"`
	LocationID     string    `firestore:"locationId"`
	OrganizationID string    `firestore:"organizationId"`
	PageCount      int       `firestore:"pageCount"`
	VoucherNumber  int       `firestore:"voucherNumber"`
	AccountNumber  int       `firestore:"accountNumber,omitempty"`
	Status         Status    `firestore:"status"`
	ErrorDetails   string    `firestore:"errorDetails,omitempty"`
	CreatedAt      time.Time `firestore:"createdAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`

	// ClaimedBy is the submission run currently uploading the document.
	// The claim lapses at ClaimExpiresAt if that run dies.
	ClaimedBy      string    `firestore:"claimedBy,omitempty"`
	ClaimExpiresAt time.Time `firestore:"claimExpiresAt,omitempty"`
}

// Key returns the identity triple of the document.
func (d TrackedDocument) Key() DocumentKey {
	return DocumentKey{DocumentID: d.DocumentID, AccountingYear: d.AccountingYear, LocationID: d.LocationID}
}

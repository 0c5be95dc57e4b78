package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Journal is a named ledger in the accounting system.
type Journal struct {
	JournalNumber int    `json:"journalNumber"`
	Name          string `json:"name"`
}

// Voucher groups one or more journal entries and at most one scanned source document.
// It is never persisted; (AccountingYear, VoucherNumber) is unique within a discovery run.
type Voucher struct {
	VoucherNumber    int
	AccountingYear   string
	JournalNumber    int
	Date             time.Time
	AccountNumber    int
	Amount           decimal.Decimal
	DepartmentNumber *int
}

// AttachmentMeta is one entry of a voucher's attachment manifest.
type AttachmentMeta struct {
	DocumentNumber int
	PageCount      int
}

// DocumentRef is a discovered attachment tagged with its parent voucher.
type DocumentRef struct {
	Number         int
	PageCount      int
	VoucherNumber  int
	AccountingYear string
	AccountNumber  int
}

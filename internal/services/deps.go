package services

import (
	"context"

	"github.com/Lllllllleong/voucherflow/internal/economic"
	"github.com/Lllllllleong/voucherflow/internal/models"
	"github.com/Lllllllleong/voucherflow/internal/ocr"
)

// AccountingClient is the subset of the accounting API the stages use.
type AccountingClient interface {
	ResolvePayablesJournalNumber(ctx context.Context) int
	WalkJournalEntries(ctx context.Context, journalNumber int, filter economic.EntryFilter, fn func(economic.Entry) error) error
	GetVoucherAttachments(ctx context.Context, journalNumber int, accountingYear string, voucherNumber int) ([]models.AttachmentMeta, error)
	DownloadAttachment(ctx context.Context, journalNumber int, accountingYear string, voucherNumber int) ([]byte, error)
}

// AccountingFactory builds a client scoped to one tenant's grant token.
type AccountingFactory func(grantToken string) AccountingClient

// OCRSubmitter uploads a document to the OCR service.
type OCRSubmitter interface {
	Submit(ctx context.Context, u ocr.Upload) (*ocr.Submission, error)
}

// Archiver keeps a copy of submitted documents.
type Archiver interface {
	Archive(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
}

// WorkflowTrigger hands accepted documents over to the downstream ETL.
type WorkflowTrigger interface {
	Trigger(ctx context.Context, payload any) (string, error)
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/voucherflow/internal/config"
	"github.com/Lllllllleong/voucherflow/internal/economic"
	"github.com/Lllllllleong/voucherflow/internal/gcp"
	"github.com/Lllllllleong/voucherflow/internal/models"
	"github.com/Lllllllleong/voucherflow/internal/pacer"
	"github.com/Lllllllleong/voucherflow/internal/scope"
	"github.com/Lllllllleong/voucherflow/internal/tracker"
	"github.com/google/uuid"
)

// DiscoveryFunction holds the dependencies of the fetch-document-ids job.
type DiscoveryFunction struct {
	config     *config.Config
	scopes     scope.Resolver
	store      tracker.Store
	accounting AccountingFactory
}

// NewDiscovery wires the discovery job against Firestore and the live accounting API.
func NewDiscovery(ctx context.Context, cfg *config.Config) (*DiscoveryFunction, error) {
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	f := NewDiscoveryFunction(cfg,
		scope.NewFirestoreResolver(firestoreClient, cfg.GrantsCollection),
		tracker.NewFirestoreStore(firestoreClient, cfg.TrackerCollection),
		LiveAccounting(cfg),
	)
	slog.Info("Discovery logic initialized.", "collection", cfg.TrackerCollection, "accountingBaseUrl", cfg.AccountingBaseURL)
	return f, nil
}

// NewDiscoveryFunction assembles the job from explicit dependencies.
func NewDiscoveryFunction(cfg *config.Config, scopes scope.Resolver, store tracker.Store, accounting AccountingFactory) *DiscoveryFunction {
	return &DiscoveryFunction{config: cfg, scopes: scopes, store: store, accounting: accounting}
}

// LiveAccounting builds paced clients for the configured accounting API.
func LiveAccounting(cfg *config.Config) AccountingFactory {
	return func(grantToken string) AccountingClient {
		return economic.NewClient(cfg, grantToken, pacer.New(cfg.RequestDelay))
	}
}

func (f *DiscoveryFunction) validate(req *models.DiscoverRequest) error {
	req.AccountingYear = strings.TrimSpace(req.AccountingYear)
	req.GrantToken = strings.TrimSpace(req.GrantToken)
	if req.AccountingYear == "" {
		return &ConfigError{Field: "accountingYear", Reason: "is required"}
	}
	if req.GrantToken == "" {
		return &ConfigError{Field: "grantToken", Reason: "is required"}
	}
	if req.AccountNumberFrom == 0 {
		req.AccountNumberFrom = f.config.AccountNumberFrom
	}
	if req.AccountNumberTo == 0 {
		req.AccountNumberTo = f.config.AccountNumberTo
	}
	if req.AccountNumberFrom > req.AccountNumberTo {
		return &ConfigError{Field: "accountNumberFrom", Reason: fmt.Sprintf("(%d) must not exceed accountNumberTo (%d)", req.AccountNumberFrom, req.AccountNumberTo)}
	}
	return nil
}

// Process discovers the vouchers of one accounting year, resolves their
// attachments and records every document as pending. Re-running it is safe:
// already tracked documents are counted as skipped and left untouched.
func (f *DiscoveryFunction) Process(ctx context.Context, req *models.DiscoverRequest) (*models.DiscoverResponse, error) {
	if err := f.validate(req); err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	logCtx := slog.With("runId", runID, "accountingYear", req.AccountingYear,
		"accountNumberFrom", req.AccountNumberFrom, "accountNumberTo", req.AccountNumberTo)
	logCtx.Info("Starting document discovery.")

	sc, err := f.scopes.Resolve(ctx, req.GrantToken)
	if err != nil {
		logCtx.Error("Failed to resolve scope", "error", err)
		return nil, err
	}
	logCtx = logCtx.With("organizationId", sc.OrganizationID, "locationId", sc.LocationID)

	client := f.accounting(req.GrantToken)
	journal := client.ResolvePayablesJournalNumber(ctx)
	logCtx = logCtx.With("journalNumber", journal)

	vouchers, err := FindVouchers(ctx, client, journal, req.AccountingYear, req.AccountNumberFrom, req.AccountNumberTo)
	if err != nil {
		logCtx.Error("Voucher discovery failed", "error", err)
		return nil, err
	}
	voucherCount := 0
	for _, vs := range vouchers {
		voucherCount += len(vs)
	}
	logCtx.Info("Vouchers discovered.", "voucherCount", voucherCount)

	resp := &models.DiscoverResponse{
		Status:         "success",
		RunID:          runID,
		AccountingYear: req.AccountingYear,
		JournalNumber:  journal,
		VouchersFound:  voucherCount,
	}
	if voucherCount == 0 {
		logCtx.Info("No vouchers matched. Nothing to track.")
		return resp, nil
	}

	refs, err := ResolveDocuments(ctx, client, journal, vouchers)
	if err != nil {
		logCtx.Error("Attachment lookup interrupted, nothing recorded", "error", err, "documentsResolved", len(refs))
		return nil, err
	}
	rows := make([]models.TrackedDocument, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, models.TrackedDocument{
			DocumentID:     ref.Number,
			AccountingYear: ref.AccountingYear,
			LocationID:     sc.LocationID,
			OrganizationID: sc.OrganizationID,
			PageCount:      ref.PageCount,
			VoucherNumber:  ref.VoucherNumber,
			AccountNumber:  ref.AccountNumber,
			Status:         models.StatusPending,
		})
	}

	summary, err := tracker.UpsertBatches(ctx, f.store, rows, f.config.TrackerBatchSize)
	if err != nil {
		logCtx.Error("Failed to record discovered documents", "error", err, "insertedBeforeFailure", summary.Inserted)
		return nil, err
	}
	resp.TotalProcessed = summary.TotalProcessed
	resp.Inserted = summary.Inserted
	resp.Skipped = summary.Skipped
	logCtx.Info("Document discovery complete.", "totalProcessed", summary.TotalProcessed, "inserted", summary.Inserted, "skipped", summary.Skipped)
	return resp, nil
}

// FindVouchers walks the journal's entries in the contra-account range and
// returns the distinct vouchers of accountingYear grouped by year, in first
// seen order. The API cannot filter by year, so that happens here. An empty
// result is a valid outcome.
func FindVouchers(ctx context.Context, client AccountingClient, journal int, accountingYear string, accountFrom, accountTo int) (map[string][]models.Voucher, error) {
	type voucherID struct {
		year   string
		number int
	}
	seen := make(map[voucherID]struct{})
	grouped := make(map[string][]models.Voucher)

	filter := economic.EntryFilter{ContraAccountFrom: accountFrom, ContraAccountTo: accountTo}
	err := client.WalkJournalEntries(ctx, journal, filter, func(e economic.Entry) error {
		if e.Voucher == nil || e.VoucherNumber() == 0 {
			return nil
		}
		year := e.AccountingYear()
		if year != accountingYear {
			return nil
		}
		id := voucherID{year: year, number: e.VoucherNumber()}
		if _, dup := seen[id]; dup {
			return nil
		}
		seen[id] = struct{}{}
		grouped[year] = append(grouped[year], e.ToVoucher(journal))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list entries of journal %d: %w", journal, err)
	}
	return grouped, nil
}

// ResolveDocuments fetches the attachment manifest of every voucher, one at a
// time. A failing voucher is logged and skipped; it never aborts the batch.
// Cancellation does: the partial result is returned with ctx.Err().
func ResolveDocuments(ctx context.Context, client AccountingClient, journal int, vouchers map[string][]models.Voucher) ([]models.DocumentRef, error) {
	var refs []models.DocumentRef
	for year, list := range vouchers {
		for _, v := range list {
			if err := ctx.Err(); err != nil {
				return refs, err
			}
			metas, err := client.GetVoucherAttachments(ctx, journal, year, v.VoucherNumber)
			if err != nil && ctx.Err() != nil {
				return refs, ctx.Err()
			}
			if err != nil {
				slog.Warn("Skipping voucher: attachment lookup failed.",
					"voucherNumber", v.VoucherNumber, "accountingYear", year, "error", err)
				continue
			}
			for _, m := range metas {
				refs = append(refs, models.DocumentRef{
					Number:         m.DocumentNumber,
					PageCount:      m.PageCount,
					VoucherNumber:  v.VoucherNumber,
					AccountingYear: year,
					AccountNumber:  v.AccountNumber,
				})
			}
		}
	}
	return refs, nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/voucherflow/internal/config"
	"github.com/Lllllllleong/voucherflow/internal/economic"
	"github.com/Lllllllleong/voucherflow/internal/gcp"
	"github.com/Lllllllleong/voucherflow/internal/models"
	"github.com/Lllllllleong/voucherflow/internal/ocr"
	"github.com/Lllllllleong/voucherflow/internal/pacer"
	"github.com/Lllllllleong/voucherflow/internal/scope"
	"github.com/Lllllllleong/voucherflow/internal/tracker"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SubmissionFunction holds the dependencies of the push-to-OCR job.
type SubmissionFunction struct {
	config     *config.Config
	scopes     scope.Resolver
	store      tracker.Store
	accounting AccountingFactory
	ocr        OCRSubmitter

	// Optional; nil disables the feature.
	archiver Archiver
	workflow WorkflowTrigger
}

// SubmissionOption attaches an optional collaborator.
type SubmissionOption func(*SubmissionFunction)

// WithArchiver keeps a copy of every downloaded document.
func WithArchiver(a Archiver) SubmissionOption {
	return func(f *SubmissionFunction) { f.archiver = a }
}

// WithWorkflowTrigger hands accepted documents to the downstream ETL.
func WithWorkflowTrigger(w WorkflowTrigger) SubmissionOption {
	return func(f *SubmissionFunction) { f.workflow = w }
}

// NewSubmission wires the submission job against Firestore, the accounting
// API and the OCR service. Archive and hand-off are enabled by config.
func NewSubmission(ctx context.Context, cfg *config.Config) (*SubmissionFunction, error) {
	if err := cfg.ValidateForSubmission(); err != nil {
		return nil, err
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	var opts []SubmissionOption
	if cfg.ArchiveBucket != "" {
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create Storage client: %w", err)
		}
		opts = append(opts, WithArchiver(gcp.NewBucketArchiver(storageClient, cfg.ArchiveBucket)))
	}
	if cfg.WorkflowID != "" {
		trigger, err := gcp.NewWorkflowTrigger(ctx, cfg.ProjectID, cfg.WorkflowLocation, cfg.WorkflowID)
		if err != nil {
			return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
		}
		opts = append(opts, WithWorkflowTrigger(trigger))
	}

	f := NewSubmissionFunction(cfg,
		scope.NewFirestoreResolver(firestoreClient, cfg.GrantsCollection),
		tracker.NewFirestoreStore(firestoreClient, cfg.TrackerCollection),
		LiveAccounting(cfg),
		ocr.NewClient(cfg),
		opts...,
	)
	slog.Info("Submission logic initialized.",
		"collection", cfg.TrackerCollection,
		"concurrency", cfg.SubmitConcurrency,
		"archiveBucket", cfg.ArchiveBucket,
		"workflowId", cfg.WorkflowID,
	)
	return f, nil
}

// NewSubmissionFunction assembles the job from explicit dependencies.
func NewSubmissionFunction(cfg *config.Config, scopes scope.Resolver, store tracker.Store, accounting AccountingFactory, submitter OCRSubmitter, opts ...SubmissionOption) *SubmissionFunction {
	f := &SubmissionFunction{
		config:     cfg,
		scopes:     scopes,
		store:      store,
		accounting: accounting,
		ocr:        submitter,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *SubmissionFunction) validate(req *models.SubmitRequest) error {
	req.AccountingYear = strings.TrimSpace(req.AccountingYear)
	req.GrantToken = strings.TrimSpace(req.GrantToken)
	if req.AccountingYear == "" {
		return &ConfigError{Field: "accountingYear", Reason: "is required"}
	}
	if req.GrantToken == "" {
		return &ConfigError{Field: "grantToken", Reason: "is required"}
	}
	if req.Status == "" {
		req.Status = models.StatusPending
	}
	if !req.Status.Valid() {
		return &ConfigError{Field: "status", Reason: fmt.Sprintf("%q is not a document status", req.Status)}
	}
	if req.Limit < 0 {
		return &ConfigError{Field: "limit", Reason: "must not be negative"}
	}
	return nil
}

// submitRun is the state shared by the workers of one run.
type submitRun struct {
	id       string
	req      *models.SubmitRequest
	scope    scope.Scope
	client   AccountingClient
	journals *JournalResolver
	logCtx   *slog.Logger
}

// Process submits the selected documents to the OCR service and reports a
// result for every one of them, in selection order. Per-document failures are
// recorded on the document and never abort the run.
func (f *SubmissionFunction) Process(ctx context.Context, req *models.SubmitRequest) (*models.SubmitResponse, error) {
	if err := f.validate(req); err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	logCtx := slog.With("runId", runID, "accountingYear", req.AccountingYear)
	logCtx.Info("Starting OCR submission.", "documentIds", len(req.DocumentIDs), "status", req.Status, "retryFailed", req.RetryFailed)

	sc, err := f.scopes.Resolve(ctx, req.GrantToken)
	if err != nil {
		logCtx.Error("Failed to resolve scope", "error", err)
		return nil, err
	}
	logCtx = logCtx.With("organizationId", sc.OrganizationID, "locationId", sc.LocationID)

	resp := &models.SubmitResponse{Status: "success", RunID: runID, AccountingYear: req.AccountingYear}

	docs, results, err := f.selectDocuments(ctx, req, sc)
	if err != nil {
		logCtx.Error("Failed to select documents", "error", err)
		return nil, err
	}
	if req.Limit > 0 && len(docs) > req.Limit {
		logCtx.Info("Limiting run.", "selected", len(docs), "limit", req.Limit)
		docs = docs[:req.Limit]
	}
	logCtx.Info("Documents selected.", "count", len(docs), "untracked", len(results))

	client := f.accounting(req.GrantToken)
	payables := client.ResolvePayablesJournalNumber(ctx)
	run := &submitRun{
		id:       runID,
		req:      req,
		scope:    sc,
		client:   client,
		journals: NewJournalResolver(client, payables, f.config.FallbackJournals),
		logCtx:   logCtx,
	}

	results = append(f.submitAll(ctx, run, docs), results...)
	resp.Results = results

	var accepted []int
	for _, r := range results {
		switch r.Status {
		case models.ResultProcessing:
			resp.Submitted++
			accepted = append(accepted, r.DocumentID)
		case models.ResultFailed:
			resp.Failed++
		case models.ResultSkipped:
			resp.Skipped++
		}
	}
	logCtx.Info("OCR submission complete.", "submitted", resp.Submitted, "failed", resp.Failed, "skipped", resp.Skipped)

	f.handOff(ctx, run, runID, accepted)
	return resp, nil
}

// selectDocuments returns the tracked documents to work on. Explicit IDs are
// deduplicated; IDs with no tracked row get a not_tracked result up front.
func (f *SubmissionFunction) selectDocuments(ctx context.Context, req *models.SubmitRequest, sc scope.Scope) ([]models.TrackedDocument, []models.SubmitResult, error) {
	if len(req.DocumentIDs) == 0 {
		docs, err := f.store.ListByStatus(ctx, req.AccountingYear, sc.LocationID, req.Status)
		if err != nil {
			return nil, nil, &tracker.PersistenceError{Op: "list " + string(req.Status), Err: err}
		}
		return docs, nil, nil
	}

	var (
		docs    []models.TrackedDocument
		missing []models.SubmitResult
		seen    = make(map[int]struct{}, len(req.DocumentIDs))
	)
	for _, id := range req.DocumentIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		key := models.DocumentKey{DocumentID: id, AccountingYear: req.AccountingYear, LocationID: sc.LocationID}
		d, err := f.store.Get(ctx, key)
		if errors.Is(err, tracker.ErrNotFound) {
			missing = append(missing, models.SubmitResult{DocumentID: id, Status: models.ResultFailed, Reason: models.ReasonNotTracked})
			continue
		}
		if err != nil {
			return nil, nil, &tracker.PersistenceError{Op: "get " + key.String(), Err: err}
		}
		docs = append(docs, *d)
	}
	return docs, missing, nil
}

// submitAll fans the documents out over a bounded pool. Each document is
// handed to exactly one worker, and each worker paces its own uploads.
func (f *SubmissionFunction) submitAll(ctx context.Context, run *submitRun, docs []models.TrackedDocument) []models.SubmitResult {
	results := make([]models.SubmitResult, len(docs))
	if len(docs) == 0 {
		return results
	}
	workers := min(max(f.config.SubmitConcurrency, 1), len(docs))
	jobs := make(chan int)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		p := pacer.New(f.config.RequestDelay)
		g.Go(func() error {
			for i := range jobs {
				results[i] = f.submitOne(ctx, run, p, docs[i])
			}
			return nil
		})
	}
	for i := range docs {
		jobs <- i
	}
	close(jobs)
	_ = g.Wait()
	return results
}

// submitOne drives a single document through the lifecycle.
func (f *SubmissionFunction) submitOne(ctx context.Context, run *submitRun, p *pacer.Pacer, doc models.TrackedDocument) models.SubmitResult {
	key := doc.Key()
	result := models.SubmitResult{DocumentID: doc.DocumentID}
	logCtx := run.logCtx.With("documentId", doc.DocumentID, "voucherNumber", doc.VoucherNumber)

	if err := ctx.Err(); err != nil {
		result.Status, result.Reason = models.ResultFailed, err.Error()
		return result
	}

	switch doc.Status {
	case models.StatusProcessed:
		result.Status, result.Reason = models.ResultSkipped, models.ReasonAlreadyProcessed
		return result
	case models.StatusFailed:
		if !run.req.RetryFailed {
			result.Status, result.Reason = models.ResultSkipped, models.ReasonPreviouslyFailed
			return result
		}
		reset, err := f.store.Reset(ctx, key)
		if errors.Is(err, tracker.ErrInvalidTransition) {
			logCtx.Info("Document was reset by another run, skipping.", "error", err)
			result.Status, result.Reason = models.ResultSkipped, models.ReasonClaimedByAnotherRun
			return result
		}
		if err != nil {
			logCtx.Error("Failed to reset document for retry", "error", err)
			result.Status, result.Reason = models.ResultFailed, err.Error()
			return result
		}
		logCtx.Info("Reset failed document to pending for retry.")
		doc = *reset
	}

	// The claim only succeeds if the row is still the version selected above.
	// The row is untouched if it fails, so the error is only reported.
	claim := tracker.ClaimRequest{Owner: run.id, Seen: doc.UpdatedAt, TTL: f.config.ClaimTTL}
	if _, err := f.store.Claim(ctx, key, claim); err != nil {
		switch {
		case errors.Is(err, tracker.ErrClaimed):
			logCtx.Info("Document claimed by another run, skipping.", "error", err)
			result.Status, result.Reason = models.ResultSkipped, models.ReasonClaimedByAnotherRun
		case errors.Is(err, tracker.ErrInvalidTransition):
			logCtx.Warn("Document is no longer submittable, skipping.", "error", err)
			result.Status, result.Reason = models.ResultSkipped, err.Error()
		default:
			logCtx.Error("Failed to claim document", "error", err)
			result.Status, result.Reason = models.ResultFailed, err.Error()
		}
		return result
	}

	journal := run.journals.Resolve(ctx, doc.AccountingYear, doc.VoucherNumber)
	logCtx = logCtx.With("journalNumber", journal)

	data, err := run.client.DownloadAttachment(ctx, journal, doc.AccountingYear, doc.VoucherNumber)
	if err != nil {
		var noAttachment *economic.NoAttachmentError
		if errors.As(err, &noAttachment) {
			return f.handleError(ctx, logCtx, key, result, models.ReasonNoPDFAttachments, err)
		}
		return f.handleError(ctx, logCtx, key, result, "failed to download attachment", err)
	}

	info, err := InspectDocument(data)
	if err != nil {
		logCtx.Warn("Document is not a readable PDF, uploading as-is.", "contentType", info.ContentType, "error", err)
	} else if info.PageCount > 0 && doc.PageCount > 0 && info.PageCount != doc.PageCount {
		logCtx.Warn("Page count differs from the attachment manifest.", "manifestPages", doc.PageCount, "pdfPages", info.PageCount)
	}

	if f.archiver != nil {
		object := fmt.Sprintf("%s/%s/%s", doc.LocationID, doc.AccountingYear, UploadFilename(doc.DocumentID, info))
		if uri, err := f.archiver.Archive(ctx, object, data, info.ContentType); err != nil {
			logCtx.Warn("Failed to archive document, continuing.", "error", err)
		} else {
			logCtx.Info("Document archived.", "uri", uri)
		}
	}

	if err := p.Wait(ctx); err != nil {
		return f.handleError(ctx, logCtx, key, result, "submission cancelled", err)
	}
	sub, err := f.ocr.Submit(ctx, ocr.Upload{
		Filename: UploadFilename(doc.DocumentID, info),
		Data:     data,
		Metadata: map[string]string{
			"documentId":     strconv.Itoa(doc.DocumentID),
			"accountingYear": doc.AccountingYear,
			"locationId":     doc.LocationID,
			"organizationId": doc.OrganizationID,
			"voucherNumber":  strconv.Itoa(doc.VoucherNumber),
			"sha256":         info.SHA256,
		},
	})
	if err != nil {
		return f.handleError(ctx, logCtx, key, result, "ocr upload failed", err)
	}

	if _, err := f.store.Transition(ctx, key, models.StatusProcessing, ""); err != nil {
		// The service already has the document; retrying would upload it twice.
		logCtx.Error("CRITICAL: Failed to record accepted upload.", "error", err)
	}
	result.Status = models.ResultProcessing
	result.Assumed = sub.Outcome == ocr.OutcomeAssumedAccepted
	result.Retries = sub.Retries
	logCtx.Info("Document submitted to OCR.", "outcome", sub.Outcome, "attempts", sub.Attempts)
	return result
}

// handleError logs the failure, persists it on the document and returns the
// failed result. The no-attachment reason is stored without the message.
func (f *SubmissionFunction) handleError(ctx context.Context, logCtx *slog.Logger, key models.DocumentKey, result models.SubmitResult, message string, originalErr error) models.SubmitResult {
	reason := message
	if message != models.ReasonNoPDFAttachments {
		reason = fmt.Sprintf("%s: %v", message, originalErr)
	}
	logCtx.Error(message, "error", originalErr)
	if _, err := f.store.Transition(context.WithoutCancel(ctx), key, models.StatusFailed, reason); err != nil {
		logCtx.Error("CRITICAL: Failed to update status to failed after a processing error.", "updateError", err)
	}
	result.Status = models.ResultFailed
	result.Reason = reason
	return result
}

// handOff starts the ETL workflow for the accepted documents. It is best
// effort: the documents are already recorded as processing.
func (f *SubmissionFunction) handOff(ctx context.Context, run *submitRun, runID string, accepted []int) {
	if f.workflow == nil || len(accepted) == 0 {
		return
	}
	payload := map[string]any{
		"runId":          runID,
		"accountingYear": run.req.AccountingYear,
		"organizationId": run.scope.OrganizationID,
		"locationId":     run.scope.LocationID,
		"documentIds":    accepted,
	}
	execution, err := f.workflow.Trigger(ctx, payload)
	if err != nil {
		run.logCtx.Error("Failed to trigger ETL workflow", "error", err, "documents", len(accepted))
		return
	}
	run.logCtx.Info("ETL workflow triggered.", "execution", execution, "documents", len(accepted))
}

package models

// These structs define the JSON payloads for the two batch jobs, whether they
// arrive as HTTP requests or as scheduled Pub/Sub messages.

// DiscoverRequest is the input for the document-discoverer function.
type DiscoverRequest struct {
	AccountingYear    string `json:"accountingYear"`
	GrantToken        string `json:"grantToken"`
	AccountNumberFrom int    `json:"accountNumberFrom,omitempty"`
	AccountNumberTo   int    `json:"accountNumberTo,omitempty"`
}

// DiscoverResponse is the summary of a discovery run.
type DiscoverResponse struct {
	Status         string `json:"status"`
	RunID          string `json:"runId"`
	AccountingYear string `json:"accountingYear"`
	JournalNumber  int    `json:"journalNumber"`
	VouchersFound  int    `json:"vouchersFound"`
	TotalProcessed int    `json:"total_processed"`
	Inserted       int    `json:"inserted"`
	Skipped        int    `json:"skipped"`
}

// SubmitRequest is the input for the ocr-submitter function. Either
// DocumentIDs or Status selects the documents; Status defaults to pending.
type SubmitRequest struct {
	AccountingYear string `json:"accountingYear"`
	GrantToken     string `json:"grantToken"`
	DocumentIDs    []int  `json:"documentIds,omitempty"`
	Status         Status `json:"status,omitempty"`
	RetryFailed    bool   `json:"retryFailed,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// Result statuses reported per document. Skipped is never persisted.
const (
	ResultProcessing = "processing"
	ResultFailed     = "failed"
	ResultSkipped    = "skipped"
)

// Reasons attached to non-successful results.
const (
	ReasonNoPDFAttachments = "no_pdf_attachments"
	ReasonAlreadyProcessed = "already_processed"
	ReasonPreviouslyFailed = "previously_failed"
	ReasonNotTracked       = "not_tracked"

	// ReasonClaimedByAnotherRun marks a document an overlapping run took first.
	ReasonClaimedByAnotherRun = "claimed_by_another_run"
)

// SubmitResult is the outcome for one document of a submission run.
type SubmitResult struct {
	DocumentID int    `json:"docId"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Assumed    bool   `json:"assumedAccepted,omitempty"`
	Retries    int    `json:"retries,omitempty"`
}

// SubmitResponse is the summary of a submission run. It is returned even
// when every document failed.
type SubmitResponse struct {
	Status         string         `json:"status"`
	RunID          string         `json:"runId"`
	AccountingYear string         `json:"accountingYear"`
	Submitted      int            `json:"submitted"`
	Failed         int            `json:"failed"`
	Skipped        int            `json:"skipped"`
	Results        []SubmitResult `json:"results"`
}

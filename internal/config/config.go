package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Lllllllleong/voucherflow/internal/gcp"
)

// Config holds all configuration shared by the discovery and submission functions.
// It is loaded once per process and passed by pointer into every constructor.
type Config struct {
	ProjectID         string
	TrackerCollection string
	GrantsCollection  string

	AccountingBaseURL       string
	AccountingAppSecret     string
	PayablesJournalName     string
	PayablesJournalFallback int
	FallbackJournals        []int
	AccountNumberFrom       int
	AccountNumberTo         int
	RequestDelay            time.Duration
	HTTPTimeout             time.Duration

	OCRBaseURL        string
	OCRModelID        string
	OCRAPIKey         string
	OCRTimeout        time.Duration
	OCRBackoffInitial time.Duration
	OCRMaxRetries     int

	SubmitConcurrency int
	TrackerBatchSize  int
	ClaimTTL          time.Duration
	MaxDocumentBytes  int64

	ArchiveBucket    string
	WorkflowID       string
	WorkflowLocation string
}

const (
	maxSubmitConcurrency = 5
	// Firestore caps a transaction at 500 writes.
	maxTrackerBatchSize = 500
	maxOCRRetries       = 10
)

// Load reads and validates the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ProjectID:           gcp.GetEnv("PROJECT_ID", ""),
		TrackerCollection:   gcp.GetEnv("FIRESTORE_COLLECTION", "processed_documents"),
		GrantsCollection:    gcp.GetEnv("GRANTS_COLLECTION", "accounting_grants"),
		AccountingBaseURL:   strings.TrimRight(gcp.GetEnv("ECONOMIC_BASE_URL", "https://restapi.e-conomic.com"), "/"),
		AccountingAppSecret: gcp.GetEnv("ECONOMIC_APP_SECRET", ""),
		PayablesJournalName: gcp.GetEnv("PAYABLES_JOURNAL_NAME", "Kreditorer"),
		OCRBaseURL:          strings.TrimRight(gcp.GetEnv("OCR_BASE_URL", "https://app.nanonets.com/api/v2"), "/"),
		OCRModelID:          gcp.GetEnv("OCR_MODEL_ID", ""),
		OCRAPIKey:           gcp.GetEnv("OCR_API_KEY", ""),
		ArchiveBucket:       gcp.GetEnv("DOCUMENT_ARCHIVE_BUCKET", ""),
		WorkflowID:          gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation:    gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if cfg.AccountingAppSecret == "" {
		return nil, fmt.Errorf("ECONOMIC_APP_SECRET environment variable must be set")
	}

	var err error
	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"PAYABLES_JOURNAL_FALLBACK", 3, &cfg.PayablesJournalFallback},
		{"ACCOUNT_NUMBER_FROM", 1300, &cfg.AccountNumberFrom},
		{"ACCOUNT_NUMBER_TO", 1600, &cfg.AccountNumberTo},
		{"OCR_MAX_RETRIES", 5, &cfg.OCRMaxRetries},
		{"SUBMIT_CONCURRENCY", 3, &cfg.SubmitConcurrency},
		{"TRACKER_BATCH_SIZE", 100, &cfg.TrackerBatchSize},
	}
	for _, v := range ints {
		if *v.dst, err = intEnv(v.key, v.fallback); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key      string
		fallback int
		unit     time.Duration
		dst      *time.Duration
	}{
		{"REQUEST_DELAY_MS", 150, time.Millisecond, &cfg.RequestDelay},
		{"HTTP_TIMEOUT_SECONDS", 30, time.Second, &cfg.HTTPTimeout},
		{"OCR_TIMEOUT_SECONDS", 120, time.Second, &cfg.OCRTimeout},
		{"OCR_BACKOFF_SECONDS", 30, time.Second, &cfg.OCRBackoffInitial},
		{"CLAIM_TTL_SECONDS", 1800, time.Second, &cfg.ClaimTTL},
	}
	for _, v := range durations {
		n, err := intEnv(v.key, v.fallback)
		if err != nil {
			return nil, err
		}
		*v.dst = time.Duration(n) * v.unit
	}

	maxMB, err := intEnv("MAX_DOCUMENT_MB", 40)
	if err != nil {
		return nil, err
	}
	cfg.MaxDocumentBytes = int64(maxMB) << 20

	if cfg.FallbackJournals, err = intListEnv("JOURNAL_FALLBACKS", "1,2,4,5"); err != nil {
		return nil, err
	}

	cfg.normalize()
	return cfg, nil
}

// ValidateForSubmission checks the settings only the OCR submitter needs.
func (c *Config) ValidateForSubmission() error {
	if c.OCRModelID == "" {
		return fmt.Errorf("OCR_MODEL_ID environment variable must be set")
	}
	if c.OCRAPIKey == "" {
		return fmt.Errorf("OCR_API_KEY environment variable must be set")
	}
	return nil
}

func (c *Config) normalize() {
	if c.SubmitConcurrency < 1 {
		c.SubmitConcurrency = 1
	}
	if c.SubmitConcurrency > maxSubmitConcurrency {
		c.SubmitConcurrency = maxSubmitConcurrency
	}
	if c.TrackerBatchSize < 1 {
		c.TrackerBatchSize = 100
	}
	if c.TrackerBatchSize > maxTrackerBatchSize {
		c.TrackerBatchSize = maxTrackerBatchSize
	}
	if c.OCRMaxRetries < 0 {
		c.OCRMaxRetries = 0
	}
	if c.OCRMaxRetries > maxOCRRetries {
		c.OCRMaxRetries = maxOCRRetries
	}
}

func intEnv(key string, fallback int) (int, error) {
	value := strings.TrimSpace(gcp.GetEnv(key, ""))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func intListEnv(key, fallback string) ([]int, error) {
	raw := gcp.GetEnv(key, fallback)
	var out []int
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Package ocr submits documents to the external OCR/extraction service.
// Submissions are asynchronous: an accepted upload only means the service has
// queued the document.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Lllllllleong/voucherflow/internal/config"
)

// Outcome describes how a submission was acknowledged.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	// OutcomeAssumedAccepted is reported when the service timed out. The
	// service is known to process uploads even when its response times out.
	OutcomeAssumedAccepted Outcome = "assumed_accepted"
)

// RateLimitError is returned once the retry budget for 429 responses is spent.
type RateLimitError struct {
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("ocr service rate limited the upload %d times, giving up", e.Attempts)
}

// UploadError is a non-retryable rejection from the OCR service.
type UploadError struct {
	StatusCode int
	Body       string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("ocr service rejected upload: status %d: %s", e.StatusCode, e.Body)
}

// Upload is one document to submit.
type Upload struct {
	Filename string
	Data     []byte
	Metadata map[string]string
}

// Submission reports how an upload went.
type Submission struct {
	Outcome  Outcome
	Attempts int
	Retries  int
}

// Backoff is the retry schedule for rate-limited uploads: Initial, then
// doubling, for at most MaxRetries retries.
type Backoff struct {
	Initial    time.Duration
	MaxRetries int
}

// maxDelay caps a single backoff wait.
const maxDelay = time.Hour

// Delay returns the wait before the given retry (1-based), doubling from
// Initial and saturating at maxDelay.
func (b Backoff) Delay(retry int) time.Duration {
	d := b.Initial
	for i := 1; i < retry; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Client uploads documents to the OCR service.
type Client struct {
	endpoint   string
	apiKey     string
	timeout    time.Duration
	backoff    Backoff
	httpClient *http.Client
	sleep      SleepFunc
}

// Option customises a Client.
type Option func(*Client)

// WithSleep replaces the backoff sleeper.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an OCR client from cfg.
func NewClient(cfg *config.Config, opts ...Option) *Client {
	c := &Client{
		endpoint: fmt.Sprintf("%s/OCR/Model/%s/LabelFile/?async=true",
			strings.TrimRight(cfg.OCRBaseURL, "/"), url.PathEscape(cfg.OCRModelID)),
		apiKey:     cfg.OCRAPIKey,
		timeout:    cfg.OCRTimeout,
		backoff:    Backoff{Initial: cfg.OCRBackoffInitial, MaxRetries: cfg.OCRMaxRetries},
		httpClient: &http.Client{},
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit uploads the document. Rate-limited attempts are retried with
// exponential backoff; a timeout is reported as OutcomeAssumedAccepted.
func (c *Client) Submit(ctx context.Context, u Upload) (*Submission, error) {
	body, contentType, err := encodeUpload(u)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		status, respBody, err := c.post(ctx, body, contentType)
		switch {
		case err != nil && isTimeout(ctx, err):
			slog.Warn("OCR upload timed out, assuming it was accepted.", "filename", u.Filename, "attempt", attempt, "error", err)
			return &Submission{Outcome: OutcomeAssumedAccepted, Attempts: attempt, Retries: attempt - 1}, nil
		case err != nil:
			return nil, err
		case status == http.StatusRequestTimeout:
			slog.Warn("OCR service answered 408, assuming the upload was accepted.", "filename", u.Filename, "attempt", attempt)
			return &Submission{Outcome: OutcomeAssumedAccepted, Attempts: attempt, Retries: attempt - 1}, nil
		case status == http.StatusTooManyRequests:
			retry := attempt
			if retry > c.backoff.MaxRetries {
				return nil, &RateLimitError{Attempts: attempt}
			}
			delay := c.backoff.Delay(retry)
			slog.Warn("OCR upload rate limited, will retry.",
				"filename", u.Filename,
				"attempt", attempt,
				"maxRetries", c.backoff.MaxRetries,
				"backoff", delay.String(),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		case status >= 200 && status < 300:
			return &Submission{Outcome: OutcomeAccepted, Attempts: attempt, Retries: attempt - 1}, nil
		default:
			return nil, &UploadError{StatusCode: status, Body: respBody}
		}
	}
}

func encodeUpload(u Upload) ([]byte, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", u.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart file: %w", err)
	}
	if _, err := part.Write(u.Data); err != nil {
		return nil, "", fmt.Errorf("copy document data: %w", err)
	}
	if len(u.Metadata) > 0 {
		meta, err := json.Marshal(u.Metadata)
		if err != nil {
			return nil, "", fmt.Errorf("encode request metadata: %w", err)
		}
		if err := writer.WriteField("request_metadata", string(meta)); err != nil {
			return nil, "", fmt.Errorf("write metadata field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return body.Bytes(), writer.FormDataContentType(), nil
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) (int, string, error) {
	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("create ocr request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("ocr request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return resp.StatusCode, strings.TrimSpace(string(respBody)), nil
}

// isTimeout reports whether err is the per-request deadline firing, as
// opposed to the caller cancelling the whole run.
func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

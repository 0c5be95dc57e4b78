// Package economic is a typed client for the accounting system's REST API:
// journals, filtered journal entries and voucher attachments.
package economic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Lllllllleong/voucherflow/internal/config"
	"github.com/Lllllllleong/voucherflow/internal/models"
	"github.com/Lllllllleong/voucherflow/internal/pacer"
)

const (
	headerAppSecret  = "X-AppSecretToken"
	headerGrantToken = "X-AgreementGrantToken"
	maxErrorBody     = 2048
)

// UpstreamError is a non-2xx response from the accounting API.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("accounting api %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// NoAttachmentError means the voucher has no scanned document to download.
type NoAttachmentError struct {
	JournalNumber  int
	AccountingYear string
	VoucherNumber  int
}

func (e *NoAttachmentError) Error() string {
	return fmt.Sprintf("no attachment for voucher %d (year %s, journal %d)", e.VoucherNumber, e.AccountingYear, e.JournalNumber)
}

// Client talks to the accounting API on behalf of one tenant.
type Client struct {
	baseURL        string
	appSecret      string
	grantToken     string
	payablesName   string
	payablesNumber int
	timeout        time.Duration
	httpClient     *http.Client
	pacer          *pacer.Pacer
	maxDownload    int64
}

// DefaultMaxDocumentBytes bounds an attachment download when the config sets no limit.
const DefaultMaxDocumentBytes int64 = 40 << 20

// NewClient creates a client scoped to the tenant identified by grantToken.
// All calls made through the client share p.
func NewClient(cfg *config.Config, grantToken string, p *pacer.Pacer) *Client {
	if p == nil {
		p = pacer.New(cfg.RequestDelay)
	}
	c := &Client{
		baseURL:        strings.TrimRight(cfg.AccountingBaseURL, "/"),
		appSecret:      cfg.AccountingAppSecret,
		grantToken:     grantToken,
		payablesName:   cfg.PayablesJournalName,
		payablesNumber: cfg.PayablesJournalFallback,
		timeout:        cfg.HTTPTimeout,
		httpClient:     &http.Client{},
		pacer:          p,
		maxDownload:    DefaultMaxDocumentBytes,
	}
	if cfg.MaxDocumentBytes > 0 {
		c.maxDownload = cfg.MaxDocumentBytes
	}
	return c
}

type journalsResponse struct {
	Collection []models.Journal `json:"collection"`
}

// ListJournals returns the tenant's journals. The endpoint is not paginated.
func (c *Client) ListJournals(ctx context.Context) ([]models.Journal, error) {
	var payload journalsResponse
	if err := c.getJSON(ctx, "list journals", "/journals", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Collection, nil
}

// ResolvePayablesJournalNumber finds the payables journal by name. Any failure
// degrades to the conventional journal number instead of failing the run.
func (c *Client) ResolvePayablesJournalNumber(ctx context.Context) int {
	journals, err := c.ListJournals(ctx)
	if err != nil {
		slog.Warn("Could not list journals, using fallback payables journal.", "fallback", c.payablesNumber, "error", err)
		return c.payablesNumber
	}
	for _, j := range journals {
		if strings.EqualFold(strings.TrimSpace(j.Name), c.payablesName) {
			return j.JournalNumber
		}
	}
	slog.Warn("Payables journal not found by name, using fallback.", "name", c.payablesName, "fallback", c.payablesNumber)
	return c.payablesNumber
}

// PayablesFallback is the journal number used when name lookup fails.
func (c *Client) PayablesFallback() int {
	return c.payablesNumber
}

func (c *Client) newRequest(ctx context.Context, path string, query url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", path, err)
	}
	req.Header.Set(headerAppSecret, c.appSecret)
	req.Header.Set(headerGrantToken, c.grantToken)
	return req, nil
}

// do paces the call and applies the per-request timeout. The returned cancel
// must be called once the body has been consumed.
func (c *Client) do(ctx context.Context, path string, query url.Values) (*http.Response, context.CancelFunc, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, nil, err
	}
	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	req, err := c.newRequest(reqCtx, path, query)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("accounting api request %s failed: %w", path, err)
	}
	return resp, cancel, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, dst any) error {
	resp, cancel, err := c.do(ctx, path, query)
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return upstreamError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func upstreamError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var upErr *UpstreamError
	return errors.As(err, &upErr) && upErr.StatusCode == http.StatusNotFound
}

package economic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Lllllllleong/voucherflow/internal/models"
)

type attachmentResponse struct {
	Documents []struct {
		DocumentNumber int `json:"documentNumber"`
		PageCount      int `json:"pageCount"`
	} `json:"documents"`
}

func voucherPath(journalNumber int, accountingYear string, voucherNumber int) string {
	return fmt.Sprintf("/journals/%d/vouchers/%s-%d/attachment", journalNumber, url.PathEscape(accountingYear), voucherNumber)
}

// GetVoucherAttachments returns the voucher's attachment manifest. A voucher
// without a scanned document yields an empty list, not an error.
func (c *Client) GetVoucherAttachments(ctx context.Context, journalNumber int, accountingYear string, voucherNumber int) ([]models.AttachmentMeta, error) {
	var payload attachmentResponse
	err := c.getJSON(ctx, "get voucher attachments", voucherPath(journalNumber, accountingYear, voucherNumber), nil, &payload)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	metas := make([]models.AttachmentMeta, 0, len(payload.Documents))
	for _, d := range payload.Documents {
		metas = append(metas, models.AttachmentMeta{DocumentNumber: d.DocumentNumber, PageCount: d.PageCount})
	}
	return metas, nil
}

// DownloadAttachment fetches the voucher's document binary. A missing or
// empty attachment is reported as *NoAttachmentError.
func (c *Client) DownloadAttachment(ctx context.Context, journalNumber int, accountingYear string, voucherNumber int) ([]byte, error) {
	resp, cancel, err := c.do(ctx, voucherPath(journalNumber, accountingYear, voucherNumber)+"/file", nil)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()

	noAttachment := &NoAttachmentError{JournalNumber: journalNumber, AccountingYear: accountingYear, VoucherNumber: voucherNumber}
	if resp.StatusCode == http.StatusNotFound {
		return nil, noAttachment
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamError("download attachment", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment body: %w", err)
	}
	if int64(len(data)) > c.maxDownload {
		return nil, fmt.Errorf("attachment of voucher %s-%d exceeds %d bytes", accountingYear, voucherNumber, c.maxDownload)
	}
	if len(data) == 0 {
		return nil, noAttachment
	}
	return data, nil
}

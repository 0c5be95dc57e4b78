package economic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/Lllllllleong/voucherflow/internal/models"
	"github.com/shopspring/decimal"
)

// ErrStopWalk may be returned by a WalkJournalEntries callback to end the walk early.
var ErrStopWalk = errors.New("stop walking journal entries")

// EntryFilter narrows a journal-entry listing server-side. Zero values are not applied.
type EntryFilter struct {
	ContraAccountFrom int
	ContraAccountTo   int
	VoucherNumber     int
}

// Encode renders the filter in the API's `field$op:value$and:...` syntax.
func (f EntryFilter) Encode() string {
	var parts []string
	if f.ContraAccountFrom != 0 {
		parts = append(parts, fmt.Sprintf("contraAccount.accountNumber$gte:%d", f.ContraAccountFrom))
	}
	if f.ContraAccountTo != 0 {
		parts = append(parts, fmt.Sprintf("contraAccount.accountNumber$lte:%d", f.ContraAccountTo))
	}
	if f.VoucherNumber != 0 {
		parts = append(parts, fmt.Sprintf("voucher.voucherNumber$eq:%d", f.VoucherNumber))
	}
	return strings.Join(parts, "$and:")
}

type accountRef struct {
	AccountNumber int `json:"accountNumber"`
}

type accountingYearRef struct {
	Year string `json:"year"`
}

type voucherRef struct {
	VoucherNumber  int                `json:"voucherNumber"`
	AccountingYear *accountingYearRef `json:"accountingYear"`
}

type departmentRef struct {
	DepartmentalDistributionNumber int `json:"departmentalDistributionNumber"`
}

// Entry is one journal entry as returned by the entries endpoint.
type Entry struct {
	EntryNumber              int             `json:"entryNumber"`
	Date                     string          `json:"date"`
	Amount                   decimal.Decimal `json:"amount"`
	Account                  *accountRef     `json:"account"`
	ContraAccount            *accountRef     `json:"contraAccount"`
	Voucher                  *voucherRef     `json:"voucher"`
	DepartmentalDistribution *departmentRef  `json:"departmentalDistribution"`
}

// VoucherNumber returns the embedded voucher number, or 0 when absent.
func (e Entry) VoucherNumber() int {
	if e.Voucher == nil {
		return 0
	}
	return e.Voucher.VoucherNumber
}

// AccountingYear returns the embedded voucher's accounting year, or "" when absent.
func (e Entry) AccountingYear() string {
	if e.Voucher == nil || e.Voucher.AccountingYear == nil {
		return ""
	}
	return e.Voucher.AccountingYear.Year
}

// ToVoucher converts the entry into a voucher in the given journal. The
// voucher's account number is the contra account the listing was filtered on.
func (e Entry) ToVoucher(journalNumber int) models.Voucher {
	v := models.Voucher{
		VoucherNumber:  e.VoucherNumber(),
		AccountingYear: e.AccountingYear(),
		JournalNumber:  journalNumber,
		Amount:         e.Amount,
	}
	if d, err := time.Parse(time.DateOnly, e.Date); err == nil {
		v.Date = d
	}
	if e.ContraAccount != nil {
		v.AccountNumber = e.ContraAccount.AccountNumber
	} else if e.Account != nil {
		v.AccountNumber = e.Account.AccountNumber
	}
	if e.DepartmentalDistribution != nil {
		n := e.DepartmentalDistribution.DepartmentalDistributionNumber
		v.DepartmentNumber = &n
	}
	return v
}

// EntryPage is one page of a journal-entry listing. An empty NextCursor ends the stream.
type EntryPage struct {
	Entries    []Entry
	NextCursor string
}

type entriesResponse struct {
	Collection []Entry `json:"collection"`
	Cursor     string  `json:"cursor"`
}

// ListJournalEntries fetches a single page of entries.
func (c *Client) ListJournalEntries(ctx context.Context, journalNumber int, filter EntryFilter, cursor string) (*EntryPage, error) {
	query := url.Values{}
	if f := filter.Encode(); f != "" {
		query.Set("filter", f)
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	var payload entriesResponse
	path := fmt.Sprintf("/journals/%d/entries", journalNumber)
	if err := c.getJSON(ctx, "list journal entries", path, query, &payload); err != nil {
		return nil, err
	}
	return &EntryPage{Entries: payload.Collection, NextCursor: payload.Cursor}, nil
}

// WalkJournalEntries follows the cursor chain and calls fn for every entry.
// The walk ends when the cursor is empty or repeats a cursor already seen; a
// repeated cursor is treated as end-of-stream, not as an error. A page error
// aborts the walk.
func (c *Client) WalkJournalEntries(ctx context.Context, journalNumber int, filter EntryFilter, fn func(Entry) error) error {
	seen := make(map[string]struct{})
	cursor := ""
	for page := 1; ; page++ {
		result, err := c.ListJournalEntries(ctx, journalNumber, filter, cursor)
		if err != nil {
			return fmt.Errorf("journal %d page %d: %w", journalNumber, page, err)
		}
		for _, entry := range result.Entries {
			if err := fn(entry); err != nil {
				if errors.Is(err, ErrStopWalk) {
					return nil
				}
				return err
			}
		}

		next := result.NextCursor
		if next == "" {
			return nil
		}
		if _, dup := seen[next]; dup || next == cursor {
			slog.Warn("Accounting API returned a repeated cursor, ending pagination.", "journalNumber", journalNumber, "page", page, "cursor", next)
			return nil
		}
		seen[next] = struct{}{}
		cursor = next
	}
}

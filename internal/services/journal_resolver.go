package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Lllllllleong/voucherflow/internal/economic"
)

// JournalResolver finds the journal a voucher was booked in. The accounting
// API has no voucher->journal index, so it searches the payables journal, then
// each fallback journal, and defaults to payables when nothing matches.
type JournalResolver struct {
	client    AccountingClient
	payables  int
	fallbacks []int

	mu    sync.Mutex
	cache map[string]int
}

// NewJournalResolver returns a resolver with a per-run memo.
func NewJournalResolver(client AccountingClient, payables int, fallbacks []int) *JournalResolver {
	return &JournalResolver{
		client:    client,
		payables:  payables,
		fallbacks: fallbacks,
		cache:     map[string]int{},
	}
}

// Resolve returns the journal holding the voucher. It never fails: lookup
// errors are logged and the payables journal is the final default.
func (r *JournalResolver) Resolve(ctx context.Context, accountingYear string, voucherNumber int) int {
	memoKey := fmt.Sprintf("%s-%d", accountingYear, voucherNumber)
	r.mu.Lock()
	if j, ok := r.cache[memoKey]; ok {
		r.mu.Unlock()
		return j
	}
	r.mu.Unlock()

	journal := r.searchAll(ctx, accountingYear, voucherNumber)

	r.mu.Lock()
	r.cache[memoKey] = journal
	r.mu.Unlock()
	return journal
}

func (r *JournalResolver) searchAll(ctx context.Context, accountingYear string, voucherNumber int) int {
	candidates := []int{r.payables}
	for _, j := range r.fallbacks {
		if j != r.payables {
			candidates = append(candidates, j)
		}
	}
	for _, journal := range candidates {
		found, err := r.search(ctx, journal, accountingYear, voucherNumber)
		if err != nil {
			slog.Warn("Journal lookup failed, trying next journal.",
				"journalNumber", journal, "voucherNumber", voucherNumber, "accountingYear", accountingYear, "error", err)
			continue
		}
		if found {
			return journal
		}
	}
	slog.Warn("Voucher not found in any searched journal, defaulting to payables.",
		"voucherNumber", voucherNumber, "accountingYear", accountingYear, "journalNumber", r.payables)
	return r.payables
}

func (r *JournalResolver) search(ctx context.Context, journal int, accountingYear string, voucherNumber int) (bool, error) {
	var found bool
	err := r.client.WalkJournalEntries(ctx, journal, economic.EntryFilter{VoucherNumber: voucherNumber}, func(e economic.Entry) error {
		if e.VoucherNumber() == voucherNumber && e.AccountingYear() == accountingYear {
			found = true
			return economic.ErrStopWalk
		}
		return nil
	})
	return found, err
}

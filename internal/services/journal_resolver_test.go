package services

import (
	"context"
	"testing"

	"github.com/Lllllllleong/voucherflow/internal/economic/economictest"
)

func TestJournalResolver(t *testing.T) {
	fx := newFixture(t)
	fx.api.SetPages(3, economictest.Page{Entries: []economictest.Entry{
		{EntryNumber: 1, VoucherNumber: 10, Year: testYear, ContraAccount: 1400},
		// Same voucher number in another year must not match.
		{EntryNumber: 2, VoucherNumber: 12, Year: "2023", ContraAccount: 1400},
	}})
	fx.api.SetPages(2, economictest.Page{Entries: []economictest.Entry{
		{EntryNumber: 3, VoucherNumber: 11, Year: testYear, ContraAccount: 1400},
	}})
	fx.api.SetPages(5, economictest.Page{Entries: []economictest.Entry{
		{EntryNumber: 4, VoucherNumber: 12, Year: testYear, ContraAccount: 1400},
	}})
	r := NewJournalResolver(fx.accounting()(testGrant), 3, []int{1, 2, 3, 4, 5})

	tests := []struct {
		voucher int
		want    int
	}{
		{10, 3},
		{11, 2},
		{12, 5},
		{13, 3}, // nowhere: default to payables
	}
	for _, tt := range tests {
		if got := r.Resolve(context.Background(), testYear, tt.voucher); got != tt.want {
			t.Fatalf("Resolve(%d) = %d, want %d", tt.voucher, got, tt.want)
		}
	}
	// Payables is listed among the fallbacks too, but is searched only once.
	if n := fx.api.CountRequests("/journals/3/entries"); n != 4 {
		t.Fatalf("expected 4 requests to journal 3, got %d", n)
	}
}

func TestJournalResolverMemoises(t *testing.T) {
	fx := newFixture(t)
	fx.api.SetPages(4, economictest.Page{Entries: []economictest.Entry{
		{EntryNumber: 1, VoucherNumber: 10, Year: testYear, ContraAccount: 1400},
	}})
	r := NewJournalResolver(fx.accounting()(testGrant), 3, []int{1, 2, 4, 5})

	for i := 0; i < 3; i++ {
		if got := r.Resolve(context.Background(), testYear, 10); got != 4 {
			t.Fatalf("Resolve() = %d, want 4", got)
		}
	}
	if n := len(fx.api.Requests()); n != 4 {
		t.Fatalf("expected a single search sequence (4 requests), got %d", n)
	}
}

func TestJournalResolverLookupErrorsFallThrough(t *testing.T) {
	fx := newFixture(t)
	// An unknown cursor makes the fake answer 400 on journal 3's second page.
	fx.api.SetPages(3, economictest.Page{Cursor: "next"})
	fx.api.SetPages(1, economictest.Page{Entries: []economictest.Entry{
		{EntryNumber: 1, VoucherNumber: 10, Year: testYear, ContraAccount: 1400},
	}})
	r := NewJournalResolver(fx.accounting()(testGrant), 3, []int{1})

	if got := r.Resolve(context.Background(), testYear, 10); got != 1 {
		t.Fatalf("Resolve() = %d, want 1", got)
	}
}

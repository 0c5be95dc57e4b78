package services

import (
	"context"
	"errors"
	"testing"

	"github.com/Lllllllleong/voucherflow/internal/config"
	"github.com/Lllllllleong/voucherflow/internal/economic"
	"github.com/Lllllllleong/voucherflow/internal/economic/economictest"
	"github.com/Lllllllleong/voucherflow/internal/models"
	"github.com/Lllllllleong/voucherflow/internal/pacer"
	"github.com/Lllllllleong/voucherflow/internal/scope"
	"github.com/Lllllllleong/voucherflow/internal/tracker"
)

const (
	testSecret = "app-secret"
	testGrant  = "grant-token"
	testYear   = "2024"
)

var testScope = scope.Scope{OrganizationID: "org-1", LocationID: "loc-1"}

type fixture struct {
	cfg    *config.Config
	api    *economictest.Server
	store  *tracker.MemoryStore
	scopes scope.StaticResolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	api := economictest.NewServer(t, testSecret, testGrant)
	api.AddJournal(3, "Kreditorer")
	cfg := &config.Config{
		AccountingBaseURL:       api.URL,
		AccountingAppSecret:     testSecret,
		PayablesJournalName:     "Kreditorer",
		PayablesJournalFallback: 3,
		FallbackJournals:        []int{1, 2, 4, 5},
		AccountNumberFrom:       1300,
		AccountNumberTo:         1600,
		SubmitConcurrency:       3,
		TrackerBatchSize:        100,
	}
	return &fixture{
		cfg:    cfg,
		api:    api,
		store:  tracker.NewMemoryStore(),
		scopes: scope.StaticResolver{testGrant: testScope},
	}
}

func (f *fixture) accounting() AccountingFactory {
	return func(grantToken string) AccountingClient {
		return economic.NewClient(f.cfg, grantToken, pacer.New(0))
	}
}

func (f *fixture) discovery() *DiscoveryFunction {
	return NewDiscoveryFunction(f.cfg, f.scopes, f.store, f.accounting())
}

func discoverReq() *models.DiscoverRequest {
	return &models.DiscoverRequest{AccountingYear: testYear, GrantToken: testGrant, AccountNumberFrom: 1300, AccountNumberTo: 1600}
}

func TestDiscoveryEndToEnd(t *testing.T) {
	fx := newFixture(t)
	fx.api.SetPages(3, economictest.Page{Entries: []economictest.Entry{
		{EntryNumber: 1, VoucherNumber: 10, Year: testYear, Date: "2024-03-01", ContraAccount: 1400, Amount: "125.50"},
		{EntryNumber: 2, VoucherNumber: 11, Year: testYear, Date: "2024-03-02", ContraAccount: 1500, Amount: "99"},
	}})
	fx.api.SetAttachments(3, testYear, 10, economictest.Document{Number: 501, PageCount: 1})

	resp, err := fx.discovery().Process(context.Background(), discoverReq())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.VouchersFound != 2 || resp.TotalProcessed != 1 || resp.Inserted != 1 || resp.Skipped != 0 {
		t.Fatalf("unexpected summary: %+v", resp)
	}
	if resp.JournalNumber != 3 || resp.RunID == "" {
		t.Fatalf("expected journal 3 and a run id, got %+v", resp)
	}

	key := models.DocumentKey{DocumentID: 501, AccountingYear: testYear, LocationID: "loc-1"}
	doc, err := fx.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("document was not tracked: %v", err)
	}
	if doc.Status != models.StatusPending || doc.VoucherNumber != 10 || doc.AccountNumber != 1400 || doc.OrganizationID != "org-1" || doc.PageCount != 1 {
		t.Fatalf("unexpected tracked row: %+v", doc)
	}
}

func TestDiscoveryIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.api.SetPages(3, economictest.Page{Entries: []economictest.Entry{
		{EntryNumber: 1, VoucherNumber: 10, Year: testYear, ContraAccount: 1400},
	}})
	fx.api.SetAttachments(3, testYear, 10,
		economictest.Document{Number: 501, PageCount: 1},
		economictest.Document{Number: 502, PageCount: 3},
	)
	d := fx.discovery()

	first, err := d.Process(context.Background(), discoverReq())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Inserted != 2 || first.Skipped != 0 {
		t.Fatalf("first run: %+v", first)
	}

	// A processed row must survive a re-discovery untouched.
	key := models.DocumentKey{DocumentID: 501, AccountingYear: testYear, LocationID: "loc-1"}
	row, _ := fx.store.Get(context.Background(), key)
	row.Status = models.StatusProcessed
	fx.store.Put(*row)

	second, err := d.Process(context.Background(), discoverReq())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Inserted != 0 || second.Skipped != 2 || second.TotalProcessed != 2 {
		t.Fatalf("second run: %+v", second)
	}
	if got, _ := fx.store.Get(context.Background(), key); got.Status != models.StatusProcessed {
		t.Fatalf("status was overwritten: %s", got.Status)
	}
	if fx.store.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", fx.store.Len())
	}
}

func TestDiscoverySkipsFailingVoucher(t *testing.T) {
	fx := newFixture(t)
	fx.api.SetPages(3, economictest.Page{Entries: []economictest.Entry{
		{EntryNumber: 1, VoucherNumber: 10, Year: testYear, ContraAccount: 1400},
		{EntryNumber: 2, VoucherNumber: 11, Year: testYear, ContraAccount: 1400},
	}})
	fx.api.FailAttachments(3, testYear, 10, 500)
	fx.api.SetAttachments(3, testYear, 11, economictest.Document{Number: 601, PageCount: 1})

	resp, err := fx.discovery().Process(context.Background(), discoverReq())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.VouchersFound != 2 || resp.Inserted != 1 {
		t.Fatalf("unexpected summary: %+v", resp)
	}
}

func TestDiscoveryNoVouchers(t *testing.T) {
	fx := newFixture(t)
	fx.api.SetPages(3, economictest.Page{Entries: []economictest.Entry{
		{EntryNumber: 1, VoucherNumber: 10, Year: "2023", ContraAccount: 1400},
	}})

	resp, err := fx.discovery().Process(context.Background(), discoverReq())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.VouchersFound != 0 || resp.TotalProcessed != 0 || resp.Inserted != 0 {
		t.Fatalf("expected zero-work outcome, got %+v", resp)
	}
	if n := fx.api.CountRequests("/journals/3/vouchers"); n != 0 {
		t.Fatalf("expected no attachment lookups, got %d", n)
	}
}

func TestDiscoveryRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name  string
		req   models.DiscoverRequest
		field string
	}{
		{"missing year", models.DiscoverRequest{GrantToken: testGrant}, "accountingYear"},
		{"missing grant", models.DiscoverRequest{AccountingYear: testYear}, "grantToken"},
		{"inverted range", models.DiscoverRequest{AccountingYear: testYear, GrantToken: testGrant, AccountNumberFrom: 1600, AccountNumberTo: 1300}, "accountNumberFrom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			_, err := fx.discovery().Process(context.Background(), &tt.req)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) || cfgErr.Field != tt.field {
				t.Fatalf("expected ConfigError on %s, got %v", tt.field, err)
			}
			if n := len(fx.api.Requests()); n != 0 {
				t.Fatalf("expected no upstream calls, got %d", n)
			}
		})
	}
}

func TestDiscoveryUnknownGrantToken(t *testing.T) {
	fx := newFixture(t)
	req := discoverReq()
	req.GrantToken = "someone-else"

	_, err := fx.discovery().Process(context.Background(), req)
	var resErr *scope.ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if n := len(fx.api.Requests()); n != 0 {
		t.Fatalf("expected no upstream calls, got %d", n)
	}
}

func TestDiscoveryDefaultsAccountRange(t *testing.T) {
	fx := newFixture(t)
	fx.api.SetPages(3, economictest.Page{Entries: []economictest.Entry{
		{EntryNumber: 1, VoucherNumber: 10, Year: testYear, ContraAccount: 1300},
		{EntryNumber: 2, VoucherNumber: 11, Year: testYear, ContraAccount: 2000},
	}})

	resp, err := fx.discovery().Process(context.Background(), &models.DiscoverRequest{AccountingYear: testYear, GrantToken: testGrant})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.VouchersFound != 1 {
		t.Fatalf("expected only the in-range voucher, got %d", resp.VouchersFound)
	}
}

func TestDiscoveryPersistenceError(t *testing.T) {
	fx := newFixture(t)
	fx.api.SetPages(3, economictest.Page{Entries: []economictest.Entry{
		{EntryNumber: 1, VoucherNumber: 10, Year: testYear, ContraAccount: 1400},
	}})
	fx.api.SetAttachments(3, testYear, 10, economictest.Document{Number: 501, PageCount: 1})
	fx.store.FailWrites = errors.New("datastore unavailable")

	_, err := fx.discovery().Process(context.Background(), discoverReq())
	var pErr *tracker.PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestFindVouchersDedupesAcrossPages(t *testing.T) {
	fx := newFixture(t)
	fx.api.SetPages(3,
		economictest.Page{Cursor: "p2", Entries: []economictest.Entry{
			{EntryNumber: 1, VoucherNumber: 20, Year: testYear, Date: "2024-05-01", ContraAccount: 1400, Amount: "10.10"},
			{EntryNumber: 2, VoucherNumber: 20, Year: testYear, Date: "2024-05-01", ContraAccount: 1410, Amount: "5"},
		}},
		economictest.Page{Entries: []economictest.Entry{
			{EntryNumber: 3, VoucherNumber: 21, Year: testYear, ContraAccount: 1400},
			{EntryNumber: 4, VoucherNumber: 20, Year: testYear, ContraAccount: 1400},
			{EntryNumber: 5, VoucherNumber: 22, Year: "2023", ContraAccount: 1400},
		}},
	)
	client := fx.accounting()(testGrant)

	got, err := FindVouchers(context.Background(), client, 3, testYear, 1300, 1600)
	if err != nil {
		t.Fatalf("FindVouchers() error = %v", err)
	}
	if len(got) != 1 || len(got[testYear]) != 2 {
		t.Fatalf("expected 2 vouchers for %s, got %+v", testYear, got)
	}
	first := got[testYear][0]
	if first.VoucherNumber != 20 || first.AccountNumber != 1400 || first.Amount.String() != "10.1" {
		t.Fatalf("first-seen entry should win, got %+v", first)
	}
	if got[testYear][1].VoucherNumber != 21 {
		t.Fatalf("expected first-seen order, got %+v", got[testYear])
	}
}

// cancellingClient cancels the run after the first attachment lookup.
type cancellingClient struct {
	AccountingClient
	cancel context.CancelFunc
}

func (c *cancellingClient) GetVoucherAttachments(ctx context.Context, journal int, year string, voucher int) ([]models.AttachmentMeta, error) {
	defer c.cancel()
	return c.AccountingClient.GetVoucherAttachments(ctx, journal, year, voucher)
}

func TestDiscoveryCancelledMidRunRecordsNothing(t *testing.T) {
	fx := newFixture(t)
	fx.api.SetPages(3, economictest.Page{Entries: []economictest.Entry{
		{EntryNumber: 1, VoucherNumber: 10, Year: testYear, ContraAccount: 1400},
		{EntryNumber: 2, VoucherNumber: 11, Year: testYear, ContraAccount: 1400},
	}})
	fx.api.SetAttachments(3, testYear, 10, economictest.Document{Number: 501, PageCount: 1})
	fx.api.SetAttachments(3, testYear, 11, economictest.Document{Number: 601, PageCount: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	live := fx.accounting()
	d := NewDiscoveryFunction(fx.cfg, fx.scopes, fx.store, func(grantToken string) AccountingClient {
		return &cancellingClient{AccountingClient: live(grantToken), cancel: cancel}
	})

	resp, err := d.Process(ctx, discoverReq())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got resp %+v err %v", resp, err)
	}
	if fx.store.Len() != 0 {
		t.Fatalf("a cancelled run must not record a partial set, got %d rows", fx.store.Len())
	}
	var pErr *tracker.PersistenceError
	if errors.As(err, &pErr) {
		t.Fatalf("cancellation must not be reported as a persistence error")
	}
}

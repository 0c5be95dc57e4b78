// Package economictest provides an in-process fake of the accounting API for tests.
package economictest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Entry describes a journal entry served by the fake.
type Entry struct {
	EntryNumber   int
	VoucherNumber int
	Year          string
	Date          string
	ContraAccount int
	Amount        string
}

// Document is an attachment manifest row.
type Document struct {
	Number    int
	PageCount int
}

// Page is one scripted page of an entries listing. Cursor is the value handed
// back to the client; an empty Cursor ends the stream.
type Page struct {
	Entries []Entry
	Cursor  string
}

// Server is a scripted accounting API.
type Server struct {
	*httptest.Server

	AppSecret  string
	GrantToken string

	mu             sync.Mutex
	journals       []journal
	journalsStatus int
	pages          map[int][]Page
	attachments    map[string][]Document
	attachmentErr  map[string]int
	files          map[string][]byte
	requests       []string
}

type journal struct {
	Number int    `json:"journalNumber"`
	Name   string `json:"name"`
}

// NewServer starts a fake that requires the given credentials on every request.
func NewServer(t *testing.T, appSecret, grantToken string) *Server {
	t.Helper()
	s := &Server{
		AppSecret:     appSecret,
		GrantToken:    grantToken,
		pages:         map[int][]Page{},
		attachments:   map[string][]Document{},
		attachmentErr: map[string]int{},
		files:         map[string][]byte{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// AddJournal registers a journal returned by the listing endpoint.
func (s *Server) AddJournal(number int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journals = append(s.journals, journal{Number: number, Name: name})
}

// FailJournals makes the journal listing respond with status.
func (s *Server) FailJournals(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journalsStatus = status
}

// SetPages scripts the entries listing of a journal. Page i is served for the
// cursor returned by page i-1 ("" for the first page).
func (s *Server) SetPages(journalNumber int, pages ...Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[journalNumber] = pages
}

// SetAttachments scripts the attachment manifest of a voucher.
func (s *Server) SetAttachments(journalNumber int, year string, voucherNumber int, docs ...Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[voucherKey(journalNumber, year, voucherNumber)] = docs
}

// FailAttachments makes the manifest of a voucher respond with status.
func (s *Server) FailAttachments(journalNumber int, year string, voucherNumber int, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachmentErr[voucherKey(journalNumber, year, voucherNumber)] = status
}

// SetFile scripts the binary served for a voucher.
func (s *Server) SetFile(journalNumber int, year string, voucherNumber int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[voucherKey(journalNumber, year, voucherNumber)] = data
}

// Requests returns the request paths (with query) received so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// CountRequests returns how many requests had the given path prefix.
func (s *Server) CountRequests(prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func voucherKey(journalNumber int, year string, voucherNumber int) string {
	return fmt.Sprintf("%d/%s-%d", journalNumber, year, voucherNumber)
}

var (
	entriesPath    = regexp.MustCompile(`^/journals/(\d+)/entries$`)
	attachmentPath = regexp.MustCompile(`^/journals/(\d+)/vouchers/(.+)-(\d+)/attachment(/file)?$`)
	voucherFilter  = regexp.MustCompile(`voucher\.voucherNumber\$eq:(\d+)`)
	fromFilter     = regexp.MustCompile(`contraAccount\.accountNumber\$gte:(\d+)`)
	toFilter       = regexp.MustCompile(`contraAccount\.accountNumber\$lte:(\d+)`)
)

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.RequestURI())
	s.mu.Unlock()

	if r.Header.Get("X-AppSecretToken") != s.AppSecret || r.Header.Get("X-AgreementGrantToken") != s.GrantToken {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/journals":
		s.serveJournals(w)
	case entriesPath.MatchString(r.URL.Path):
		m := entriesPath.FindStringSubmatch(r.URL.Path)
		n, _ := strconv.Atoi(m[1])
		s.serveEntries(w, n, r.URL.Query().Get("filter"), r.URL.Query().Get("cursor"))
	case attachmentPath.MatchString(r.URL.Path):
		m := attachmentPath.FindStringSubmatch(r.URL.Path)
		n, _ := strconv.Atoi(m[1])
		v, _ := strconv.Atoi(m[3])
		key := voucherKey(n, m[2], v)
		if m[4] == "/file" {
			s.serveFile(w, key)
		} else {
			s.serveAttachments(w, key)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveJournals(w http.ResponseWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalsStatus != 0 {
		http.Error(w, `{"message":"scripted failure"}`, s.journalsStatus)
		return
	}
	writeJSON(w, map[string]any{"collection": s.journals})
}

func (s *Server) serveEntries(w http.ResponseWriter, journalNumber int, filter, cursor string) {
	s.mu.Lock()
	pages := s.pages[journalNumber]
	s.mu.Unlock()

	index := 0
	if cursor != "" {
		index = -1
		for i, p := range pages {
			if p.Cursor == cursor {
				index = i + 1
				break
			}
		}
		if index < 0 || index >= len(pages) {
			http.Error(w, `{"message":"unknown cursor"}`, http.StatusBadRequest)
			return
		}
	}
	if index >= len(pages) {
		writeJSON(w, map[string]any{"collection": []any{}})
		return
	}

	page := pages[index]
	var rows []map[string]any
	for _, e := range page.Entries {
		if !matchesFilter(e, filter) {
			continue
		}
		rows = append(rows, map[string]any{
			"entryNumber":   e.EntryNumber,
			"date":          e.Date,
			"amount":        json.Number(orDefault(e.Amount, "0")),
			"contraAccount": map[string]any{"accountNumber": e.ContraAccount},
			"voucher": map[string]any{
				"voucherNumber":  e.VoucherNumber,
				"accountingYear": map[string]any{"year": e.Year},
			},
		})
	}
	body := map[string]any{"collection": rows}
	if page.Cursor != "" {
		body["cursor"] = page.Cursor
	}
	writeJSON(w, body)
}

func matchesFilter(e Entry, filter string) bool {
	if m := voucherFilter.FindStringSubmatch(filter); m != nil {
		if n, _ := strconv.Atoi(m[1]); n != e.VoucherNumber {
			return false
		}
	}
	if m := fromFilter.FindStringSubmatch(filter); m != nil {
		if n, _ := strconv.Atoi(m[1]); e.ContraAccount < n {
			return false
		}
	}
	if m := toFilter.FindStringSubmatch(filter); m != nil {
		if n, _ := strconv.Atoi(m[1]); e.ContraAccount > n {
			return false
		}
	}
	return true
}

func (s *Server) serveAttachments(w http.ResponseWriter, key string) {
	s.mu.Lock()
	status, failing := s.attachmentErr[key]
	docs, ok := s.attachments[key]
	s.mu.Unlock()

	if failing {
		http.Error(w, `{"message":"scripted failure"}`, status)
		return
	}
	if !ok || len(docs) == 0 {
		http.Error(w, `{"message":"no attachment"}`, http.StatusNotFound)
		return
	}
	rows := make([]map[string]int, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, map[string]int{"documentNumber": d.Number, "pageCount": d.PageCount})
	}
	writeJSON(w, map[string]any{"documents": rows})
}

func (s *Server) serveFile(w http.ResponseWriter, key string) {
	s.mu.Lock()
	data, ok := s.files[key]
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"message":"no attachment"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

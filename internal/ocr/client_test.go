package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lllllllleong/voucherflow/internal/config"
)

// scriptedOCR answers each upload with the next status in the script and
// repeats the last one once the script runs out.
func scriptedOCR(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		status := statuses[len(statuses)-1]
		if int(n) <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"message":"ok"}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestClient(baseURL string, sleeper *recordingSleeper, opts ...Option) *Client {
	cfg := &config.Config{
		OCRBaseURL:        baseURL,
		OCRModelID:        "model-1",
		OCRAPIKey:         "api-key",
		OCRTimeout:        time.Second,
		OCRBackoffInitial: 30 * time.Second,
		OCRMaxRetries:     5,
	}
	return NewClient(cfg, append([]Option{WithSleep(sleeper.sleep)}, opts...)...)
}

func TestSubmitAccepted(t *testing.T) {
	var gotUser, gotFile, gotMeta, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _, _ = r.BasicAuth()
		gotPath = r.URL.RequestURI()
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if fh := r.MultipartForm.File["file"]; len(fh) == 1 {
			gotFile = fh[0].Filename
		}
		gotMeta = r.FormValue("request_metadata")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(srv.URL, sleeper)
	sub, err := client.Submit(context.Background(), Upload{
		Filename: "2024_1001_55.pdf",
		Data:     []byte("%PDF-1.4"),
		Metadata: map[string]string{"documentId": "55"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if sub.Outcome != OutcomeAccepted || sub.Attempts != 1 || sub.Retries != 0 {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if gotUser != "api-key" {
		t.Fatalf("expected basic auth user api-key, got %q", gotUser)
	}
	if gotPath != "/OCR/Model/model-1/LabelFile/?async=true" {
		t.Fatalf("unexpected endpoint %q", gotPath)
	}
	if gotFile != "2024_1001_55.pdf" {
		t.Fatalf("unexpected filename %q", gotFile)
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(gotMeta), &meta); err != nil || meta["documentId"] != "55" {
		t.Fatalf("unexpected metadata %q (%v)", gotMeta, err)
	}
	if len(sleeper.delays) != 0 {
		t.Fatalf("no backoff expected, got %v", sleeper.delays)
	}
}

func TestSubmitRetriesRateLimit(t *testing.T) {
	srv, calls := scriptedOCR(t, 429, 429, 429, 200)
	sleeper := &recordingSleeper{}
	client := newTestClient(srv.URL, sleeper)

	sub, err := client.Submit(context.Background(), Upload{Filename: "a.pdf", Data: []byte("x")})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if sub.Outcome != OutcomeAccepted || sub.Retries != 3 || sub.Attempts != 4 {
		t.Fatalf("unexpected submission %+v", sub)
	}
	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	if !reflect.DeepEqual(sleeper.delays, want) {
		t.Fatalf("backoff schedule = %v, want %v", sleeper.delays, want)
	}
	var total time.Duration
	for _, d := range sleeper.delays {
		total += d
	}
	if total < 210*time.Second {
		t.Fatalf("total backoff %s is below 30s+60s+120s", total)
	}
	if atomic.LoadInt32(calls) != 4 {
		t.Fatalf("expected 4 uploads, got %d", *calls)
	}
}

func TestSubmitGivesUpAfterMaxRetries(t *testing.T) {
	srv, calls := scriptedOCR(t, 429, 429, 429, 429, 429, 429)
	sleeper := &recordingSleeper{}
	client := newTestClient(srv.URL, sleeper)

	_, err := client.Submit(context.Background(), Upload{Filename: "a.pdf", Data: []byte("x")})
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rlErr.Attempts != 6 || atomic.LoadInt32(calls) != 6 {
		t.Fatalf("expected 6 attempts, got %d (server saw %d)", rlErr.Attempts, *calls)
	}
	if len(sleeper.delays) != 5 || sleeper.delays[4] != 480*time.Second {
		t.Fatalf("unexpected backoff schedule %v", sleeper.delays)
	}
}

func TestSubmitRequestTimeoutIsAssumedSuccess(t *testing.T) {
	srv, _ := scriptedOCR(t, http.StatusRequestTimeout)
	client := newTestClient(srv.URL, &recordingSleeper{})

	sub, err := client.Submit(context.Background(), Upload{Filename: "a.pdf", Data: []byte("x")})
	if err != nil {
		t.Fatalf("408 must be treated as success, got %v", err)
	}
	if sub.Outcome != OutcomeAssumedAccepted {
		t.Fatalf("expected assumed acceptance, got %s", sub.Outcome)
	}
}

func TestSubmitClientTimeoutIsAssumedSuccess(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := &config.Config{OCRBaseURL: srv.URL, OCRModelID: "m", OCRAPIKey: "k", OCRTimeout: 50 * time.Millisecond}
	client := NewClient(cfg)

	sub, err := client.Submit(context.Background(), Upload{Filename: "a.pdf", Data: []byte("x")})
	if err != nil {
		t.Fatalf("timeout must be treated as success, got %v", err)
	}
	if sub.Outcome != OutcomeAssumedAccepted {
		t.Fatalf("expected assumed acceptance, got %s", sub.Outcome)
	}
}

func TestSubmitCancelledRunIsNotAssumedSuccess(t *testing.T) {
	srv, _ := scriptedOCR(t, 200)
	client := newTestClient(srv.URL, &recordingSleeper{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Submit(ctx, Upload{Filename: "a.pdf", Data: []byte("x")}); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}

func TestSubmitRejected(t *testing.T) {
	srv, calls := scriptedOCR(t, http.StatusBadRequest)
	client := newTestClient(srv.URL, &recordingSleeper{})

	_, err := client.Submit(context.Background(), Upload{Filename: "a.pdf", Data: []byte("x")})
	var upErr *UploadError
	if !errors.As(err, &upErr) || upErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected UploadError 400, got %v", err)
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("non-retryable errors must not be retried, got %d calls", *calls)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 30 * time.Second, MaxRetries: 5}
	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestBackoffDelaySaturates(t *testing.T) {
	b := Backoff{Initial: 30 * time.Second, MaxRetries: 64}
	for _, retry := range []int{8, 35, 64} {
		if got := b.Delay(retry); got != time.Hour {
			t.Errorf("Delay(%d) = %s, want 1h", retry, got)
		}
	}
	if got := b.Delay(7); got != 32*time.Minute {
		t.Errorf("Delay(7) = %s, want 32m", got)
	}
}

package fetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func testFetcher(t *testing.T) *Fetcher {
	t.Helper()
	return New(Config{
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       10 * time.Millisecond,
		ProgressInterval: time.Hour,
	}, zap.NewNop())
}

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func TestFetch_RetriesAfterServerErrors(t *testing.T) {
	content := testContent(2048)
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "models", "model.bin")
	res, err := testFetcher(t).Fetch(context.Background(), &Request{
		SourceURL:       srv.URL + "/model.bin",
		DestinationPath: dest,
		ExpectedSHA256:  sha256Hex(content),
		MaxRetries:      3,
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if res.AttemptsUsed != 3 {
		t.Errorf("AttemptsUsed = %d, want 3", res.AttemptsUsed)
	}
	if res.BytesWritten != int64(len(content)) {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, len(content))
	}
	if got := int(requests.Load()); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading destination: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("destination content does not match served bytes")
	}
}

func TestFetch_IdempotentWithMatchingDestination(t *testing.T) {
	content := testContent(512)
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(dest, content, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		digest string
	}{
		{name: "with matching checksum", digest: sha256Hex(content)},
		{name: "without checksum", digest: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := testFetcher(t).Fetch(context.Background(), &Request{
				SourceURL:       srv.URL,
				DestinationPath: dest,
				ExpectedSHA256:  tt.digest,
				MaxRetries:      3,
			})
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if !res.AlreadyCached {
				t.Error("AlreadyCached = false, want true")
			}
			if res.Checksum != sha256Hex(content) {
				t.Errorf("Checksum = %s, want %s", res.Checksum, sha256Hex(content))
			}
			if got := int(requests.Load()); got != 0 {
				t.Errorf("server saw %d requests, want 0", got)
			}
		})
	}
}

func TestFetch_ResumesFromPartial(t *testing.T) {
	content := testContent(1000)
	const offset = 400
	var gotRange atomic.Value
	var served atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange.Store(r.Header.Get("Range"))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		n, _ := w.Write(content[offset:])
		served.Add(int64(n))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(dest+".downloading", content[:offset], 0644); err != nil {
		t.Fatal(err)
	}

	res, err := testFetcher(t).Fetch(context.Background(), &Request{
		SourceURL:       srv.URL,
		DestinationPath: dest,
		ExpectedSHA256:  sha256Hex(content),
		MaxRetries:      0,
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if want := fmt.Sprintf("bytes=%d-", offset); gotRange.Load() != want {
		t.Errorf("Range header = %q, want %q", gotRange.Load(), want)
	}
	if served.Load() != int64(len(content)-offset) {
		t.Errorf("server transferred %d bytes, want %d", served.Load(), len(content)-offset)
	}
	if !res.Resumed || res.ResumedFrom != offset {
		t.Errorf("Resumed = %v, ResumedFrom = %d, want true, %d", res.Resumed, res.ResumedFrom, offset)
	}
	if res.BytesWritten != int64(len(content)) {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, len(content))
	}

	data, _ := os.ReadFile(dest)
	if !bytes.Equal(data, content) {
		t.Error("destination content does not match full artifact")
	}
}

func TestFetch_RestartsWhenRangeUnsupported(t *testing.T) {
	content := testContent(1000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignore the Range header entirely, as a server without range
		// support would
		w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	stale := bytes.Repeat([]byte("x"), 400)
	if err := os.WriteFile(dest+".downloading", stale, 0644); err != nil {
		t.Fatal(err)
	}

	res, err := testFetcher(t).Fetch(context.Background(), &Request{
		SourceURL:       srv.URL,
		DestinationPath: dest,
		ExpectedSHA256:  sha256Hex(content),
		MaxRetries:      0,
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.Resumed {
		t.Error("Resumed = true, want false after full restart")
	}

	data, _ := os.ReadFile(dest)
	if !bytes.Equal(data, content) {
		t.Error("stale partial bytes leaked into destination")
	}
}

func TestFetch_RestartsWhenRangeNotSatisfiable(t *testing.T) {
	content := testContent(300)
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	// Partial longer than the remote object
	if err := os.WriteFile(dest+".downloading", testContent(500), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := testFetcher(t).Fetch(context.Background(), &Request{
		SourceURL:       srv.URL,
		DestinationPath: dest,
		ExpectedSHA256:  sha256Hex(content),
		MaxRetries:      0,
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.AttemptsUsed != 1 {
		t.Errorf("AttemptsUsed = %d, want 1 (restart must not consume a retry)", res.AttemptsUsed)
	}
	if got := int(requests.Load()); got != 2 {
		t.Errorf("server saw %d requests, want 2", got)
	}

	data, _ := os.ReadFile(dest)
	if !bytes.Equal(data, content) {
		t.Error("destination content does not match served bytes")
	}
}

func TestFetch_ChecksumMismatch(t *testing.T) {
	content := testContent(256)
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	_, err := testFetcher(t).Fetch(context.Background(), &Request{
		SourceURL:       srv.URL,
		DestinationPath: dest,
		ExpectedSHA256:  sha256Hex([]byte("different content")),
		MaxRetries:      2,
	})
	if err == nil {
		t.Fatal("Fetch() error = nil, want checksum mismatch")
	}
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("error = %v, want ErrChecksumMismatch kind", err)
	}

	var ce *ChecksumError
	if !errors.As(err, &ce) {
		t.Errorf("error chain does not carry *ChecksumError: %v", err)
	}

	// Mismatches restart from scratch, so every attempt hits the server
	if got := int(requests.Load()); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}

	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("destination was created despite checksum failure")
	}
	if _, statErr := os.Stat(dest + ".downloading"); !os.IsNotExist(statErr) {
		t.Error("corrupt partial was left behind")
	}
}

func TestFetch_PermanentStatusFailsImmediately(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	_, err := testFetcher(t).Fetch(context.Background(), &Request{
		SourceURL:       srv.URL + "/missing.bin",
		DestinationPath: dest,
		MaxRetries:      5,
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("error = %v, want ErrInvalidRequest kind", err)
	}
	if got := int(requests.Load()); got != 1 {
		t.Errorf("server saw %d requests, want 1 (no retries on 4xx)", got)
	}
}

func TestFetch_ExhaustedRetriesReturnNetworkError(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	_, err := testFetcher(t).Fetch(context.Background(), &Request{
		SourceURL:       srv.URL,
		DestinationPath: dest,
		MaxRetries:      2,
	})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork kind", err)
	}

	var se *statusError
	if !errors.As(err, &se) || se.Status != http.StatusBadGateway {
		t.Errorf("error chain does not carry the final status cause: %v", err)
	}
	if got := int(requests.Load()); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}
}

func TestFetch_InactivityWatchdogAbortsAttempt(t *testing.T) {
	prefix := testContent(10)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(prefix)
		w.(http.Flusher).Flush()
		// Stall well past the inactivity window without sending bytes
		time.Sleep(1500 * time.Millisecond)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	start := time.Now()
	_, err := testFetcher(t).Fetch(context.Background(), &Request{
		SourceURL:         srv.URL,
		DestinationPath:   dest,
		MaxRetries:        0,
		TimeoutPerAttempt: 200 * time.Millisecond,
	})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork kind", err)
	}
	if !errors.Is(err, errStalled) {
		t.Errorf("error = %v, want stalled-transfer cause", err)
	}
	if elapsed := time.Since(start); elapsed >= 1500*time.Millisecond {
		t.Errorf("fetch took %v, watchdog did not abort the attempt", elapsed)
	}

	// Partial bytes survive for a future resumed attempt
	data, readErr := os.ReadFile(dest + ".downloading")
	if readErr != nil {
		t.Fatalf("partial file missing after aborted attempt: %v", readErr)
	}
	if !bytes.Equal(data, prefix) {
		t.Errorf("partial holds %d bytes, want %d", len(data), len(prefix))
	}
}

func TestFetch_CancelledContextStopsRetrying(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "model.bin")
	_, err := testFetcher(t).Fetch(ctx, &Request{
		SourceURL:       srv.URL,
		DestinationPath: dest,
		MaxRetries:      10,
	})
	if err == nil {
		t.Fatal("Fetch() error = nil, want cancellation failure")
	}
	if got := int(requests.Load()); got > 1 {
		t.Errorf("server saw %d requests after cancellation, want at most 1", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 0, want: 100 * time.Millisecond},
		{retry: 1, want: 200 * time.Millisecond},
		{retry: 2, want: 400 * time.Millisecond},
		{retry: 3, want: 800 * time.Millisecond},
		{retry: 4, want: time.Second},
		{retry: 10, want: time.Second},
	}

	prev := time.Duration(0)
	for _, tt := range tests {
		got := backoffDelay(base, max, tt.retry)
		if got != tt.want {
			t.Errorf("backoffDelay(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
		if got < prev {
			t.Errorf("backoffDelay(retry=%d) = %v decreased from %v", tt.retry, got, prev)
		}
		if got > max {
			t.Errorf("backoffDelay(retry=%d) = %v exceeds cap %v", tt.retry, got, max)
		}
		prev = got
	}
}

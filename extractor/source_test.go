package extractor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ──────────────────────────────────────────────────
// Index parsing tests
// ──────────────────────────────────────────────────

func TestListFilenamesPlainIndex(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("a.xyz\n\n# comment\nb.xyz\n"))
	}))
	defer srv.Close()

	s := NewHTTPSource(srv.URL, srv.URL)
	got, err := s.ListFilenames(context.Background())
	if err != nil {
		t.Fatalf("ListFilenames returned error: %v", err)
	}
	if len(got) != 2 || got[0] != "a.xyz" || got[1] != "b.xyz" {
		t.Fatalf("filenames = %v, want [a.xyz b.xyz]", got)
	}
}

func TestListFilenamesHTMLIndex(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>
			<a href="a.xyz">a.xyz</a>
			<a href="b%20c.xyz">b c.xyz</a>
			<a href="/parent">up</a>
		</body></html>`))
	}))
	defer srv.Close()

	s := NewHTTPSource(srv.URL, srv.URL)
	got, err := s.ListFilenames(context.Background())
	if err != nil {
		t.Fatalf("ListFilenames returned error: %v", err)
	}
	if len(got) != 2 || got[0] != "a.xyz" || got[1] != "b c.xyz" {
		t.Fatalf("filenames = %v, want [a.xyz, b c.xyz]", got)
	}
}

func TestListFilenamesBadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTPSource(srv.URL, srv.URL)
	if _, err := s.ListFilenames(context.Background()); err == nil {
		t.Fatal("ListFilenames succeeded against a 503 index")
	}
}

// ──────────────────────────────────────────────────
// Sizing tests
// ──────────────────────────────────────────────────

func TestSizeUsesHead(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("x", 1234)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/a.xyz") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	s := NewHTTPSource(srv.URL, srv.URL)
	size, err := s.Size(context.Background(), "a.xyz")
	if err != nil {
		t.Fatalf("Size returned error: %v", err)
	}
	if size != 1234 {
		t.Fatalf("size = %d, want 1234", size)
	}
}

func TestSizeFallsBackToDownload(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("y", 321)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// Flushing early forces chunked framing with no Content-Length.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	s := NewHTTPSource(srv.URL, srv.URL, WithRateLimit(1000))
	size, err := s.Size(context.Background(), "b.xyz")
	if err != nil {
		t.Fatalf("Size returned error: %v", err)
	}
	if size != 321 {
		t.Fatalf("size = %d, want 321", size)
	}
}

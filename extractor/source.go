package extractor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Source lists the structure files available upstream and measures their
// sizes.
type Source interface {
	// ListFilenames returns every structure filename the upstream currently
	// publishes.
	ListFilenames(ctx context.Context) ([]string, error)

	// Size returns the byte size of one structure file.
	Size(ctx context.Context, filename string) (int64, error)
}

// hrefPattern extracts link targets from an HTML directory listing.
var hrefPattern = regexp.MustCompile(`href="([^"?/][^"]*)"`)

// HTTPSource reads an index document over HTTP and sizes files with HEAD
// requests, falling back to a counted GET when the server omits
// Content-Length. All requests share one rate limiter so the upstream never
// sees a burst proportional to the worker count.
type HTTPSource struct {
	client   *http.Client
	limiter  *rate.Limiter
	indexURL string
	baseURL  string
}

// HTTPSourceOption configures an HTTPSource.
type HTTPSourceOption func(*HTTPSource)

// WithClient sets the HTTP client.
func WithClient(c *http.Client) HTTPSourceOption {
	return func(s *HTTPSource) { s.client = c }
}

// WithRateLimit caps upstream requests per second.
func WithRateLimit(perSecond float64) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// NewHTTPSource creates a source reading the index at indexURL and files
// under baseURL.
func NewHTTPSource(indexURL, baseURL string, opts ...HTTPSourceOption) *HTTPSource {
	s := &HTTPSource{
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(5), 1),
		indexURL: indexURL,
		baseURL:  strings.TrimSuffix(baseURL, "/") + "/",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListFilenames fetches and parses the index document. HTML listings are
// scraped for link targets; anything else is treated as one filename per
// line.
func (s *HTTPSource) ListFilenames(ctx context.Context) ([]string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.indexURL, nil)
	if err != nil {
		return nil, fmt.Errorf("extractor: build index request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extractor: fetch index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extractor: fetch index: unexpected status %d", resp.StatusCode)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return parseHTMLIndex(resp.Body)
	}
	return parsePlainIndex(resp.Body)
}

func parseHTMLIndex(r io.Reader) ([]string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("extractor: read index: %w", err)
	}

	var filenames []string
	for _, m := range hrefPattern.FindAllStringSubmatch(string(body), -1) {
		name, err := url.QueryUnescape(m[1])
		if err != nil {
			continue
		}
		filenames = append(filenames, name)
	}
	return filenames, nil
}

func parsePlainIndex(r io.Reader) ([]string, error) {
	var filenames []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		filenames = append(filenames, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("extractor: scan index: %w", err)
	}
	return filenames, nil
}

// Size measures one file, preferring a HEAD request.
func (s *HTTPSource) Size(ctx context.Context, filename string) (int64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	fileURL := s.baseURL + url.PathEscape(filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fileURL, nil)
	if err != nil {
		return 0, fmt.Errorf("extractor: build size request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("extractor: head %q: %w", filename, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}

	// Servers that refuse HEAD or omit Content-Length get a counted GET.
	return s.sizeByDownload(ctx, filename, fileURL)
}

func (s *HTTPSource) sizeByDownload(ctx context.Context, filename, fileURL string) (int64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return 0, fmt.Errorf("extractor: build download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("extractor: download %q: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("extractor: download %q: unexpected status %d", filename, resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("extractor: count %q: %w", filename, err)
	}
	return n, nil
}

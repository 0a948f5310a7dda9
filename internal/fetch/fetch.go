// Package fetch retrieves remote media URLs into a destination directory.
// A full-featured downloader (site extraction, auth) is expected to be
// plugged in behind the Fetcher interface; this package supplies the
// retry/backoff shell and the destination-directory convention the
// downloads cache depends on.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lingotrack/transcriber/internal/logger"
)

// FetchError wraps a failure to retrieve a remote media URL.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch: %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves a remote media URL into destDir and reports the local
// path and a best-effort title.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, destDir string) (path, title string, err error)
}

// HTTPFetcher is the default Fetcher: a plain GET with a small retry
// budget. Anything fancier (yt-dlp-style extraction, auth, rate-limit
// backoff) belongs in a replacement Fetcher implementation.
type HTTPFetcher struct {
	Client  *http.Client
	Retries int
	Backoff time.Duration
}

// NewHTTPFetcher constructs a Fetcher with sane retry defaults.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client:  &http.Client{Timeout: 5 * time.Minute},
		Retries: 2,
		Backoff: time.Second,
	}
}

// Fetch downloads rawURL into destDir under a UUID-prefixed filename,
// retrying transient failures up to Retries times.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, destDir string) (string, string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", &FetchError{URL: rawURL, Err: err}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", "", &FetchError{URL: rawURL, Err: err}
	}

	name := fmt.Sprintf("%s-%s", uuid.NewString(), filepath.Base(parsed.Path))
	destPath := filepath.Join(destDir, name)

	var lastErr error
	attempts := f.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			logger.Warn("fetch_retrying", "url", rawURL, "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(f.Backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return "", "", &FetchError{URL: rawURL, Err: ctx.Err()}
			}
		}
		if err := f.download(ctx, rawURL, destPath); err != nil {
			lastErr = err
			continue
		}
		return destPath, filepath.Base(destPath), nil
	}

	return "", "", &FetchError{URL: rawURL, Err: lastErr}
}

func (f *HTTPFetcher) download(ctx context.Context, rawURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(destPath)
		return err
	}
	return nil
}

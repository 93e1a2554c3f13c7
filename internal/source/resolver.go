package source

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// AcquisitionError means every strategy for obtaining the source media
// failed. Attempts summarizes the chain so the task message can explain
// what was tried without leaking internal paths or tokens.
type AcquisitionError struct {
	Source   string
	Attempts []string
	Err      error
}

func (e *AcquisitionError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("failed to acquire source (%s)", e.Source)
	}
	return fmt.Sprintf("failed to acquire source (%s): %s", e.Source, strings.Join(e.Attempts, "; "))
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

const (
	sourceURL    = "url"
	sourceDrive  = "google_drive"
	sourceBase64 = "base64"

	// downloads this small get sniffed for HTML error pages before
	// being accepted as real media
	sniffThreshold = 256 * 1024

	transientRetries = 2
	retryBackoff     = 500 * time.Millisecond
)

var dataURIPrefix = regexp.MustCompile(`^data:[a-zA-Z0-9./+-]+;base64,`)

// BrowserDownloader is the last-resort Drive strategy: drive the public
// web UI with a headless browser and wait for the download to land.
type BrowserDownloader interface {
	Download(ctx context.Context, fileID, destDir string) (string, error)
}

// Resolver turns a TranscriptionRequest into a local media file under
// the downloads directory.
type Resolver struct {
	httpClient   *http.Client
	downloadsDir string
	browser      BrowserDownloader // nil disables the browser fallback
}

// NewResolver creates a resolver writing into downloadsDir
func NewResolver(downloadsDir string, browser BrowserDownloader) *Resolver {
	return &Resolver{
		httpClient: &http.Client{
			Timeout: 30 * time.Minute,
		},
		downloadsDir: downloadsDir,
		browser:      browser,
	}
}

// Request carries the caller-supplied source fields the resolver needs
type Request struct {
	URL            string
	GoogleDriveURL string
	Base64Data     string
	Filename       string
}

// Resolve obtains the media file for one task. The returned path lives
// under the downloads directory and is owned by the caller.
func (r *Resolver) Resolve(ctx context.Context, req Request, taskID string) (string, float64, string, error) {
	if err := os.MkdirAll(r.downloadsDir, 0o755); err != nil {
		return "", 0, "", fmt.Errorf("failed to create downloads directory: %w", err)
	}

	dest := filepath.Join(r.downloadsDir, taskID+"_"+sanitizeFilename(req.Filename))

	var src string
	var err error
	switch {
	case req.GoogleDriveURL != "":
		src = sourceDrive
		err = r.resolveDrive(ctx, req.GoogleDriveURL, dest)
	case req.URL != "":
		src = sourceURL
		err = r.resolveURL(ctx, req.URL, dest)
	case req.Base64Data != "":
		src = sourceBase64
		err = r.resolveBase64(req.Base64Data, dest)
	default:
		return "", 0, "", &AcquisitionError{Source: "none", Attempts: []string{"no source field provided"}}
	}
	if err != nil {
		os.Remove(dest)
		return "", 0, "", err
	}

	info, statErr := os.Stat(dest)
	if statErr != nil {
		return "", 0, "", &AcquisitionError{Source: src, Attempts: []string{"downloaded file disappeared"}, Err: statErr}
	}
	return dest, float64(info.Size()) / (1024 * 1024), src, nil
}

// resolveURL streams a plain HTTP GET to dest. Non-2xx is a hard
// failure; transport errors are retried a bounded number of times.
func (r *Resolver) resolveURL(ctx context.Context, rawURL, dest string) error {
	var lastErr error
	for attempt := 0; attempt <= transientRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &AcquisitionError{Source: sourceURL, Attempts: []string{"download canceled"}, Err: ctx.Err()}
			case <-time.After(retryBackoff):
			}
		}

		status, err := r.fetchToFile(ctx, rawURL, nil, dest)
		if err != nil {
			lastErr = err
			log.Printf("Download attempt %d failed: %v", attempt+1, err)
			continue
		}
		if status < 200 || status > 299 {
			return &AcquisitionError{
				Source:   sourceURL,
				Attempts: []string{fmt.Sprintf("server returned status %d", status)},
			}
		}
		if err := validateArtifact(dest); err != nil {
			return &AcquisitionError{Source: sourceURL, Attempts: []string{err.Error()}, Err: err}
		}
		return nil
	}
	return &AcquisitionError{
		Source:   sourceURL,
		Attempts: []string{fmt.Sprintf("download failed after %d attempts", transientRetries+1)},
		Err:      lastErr,
	}
}

// resolveBase64 decodes an inline payload, stripping an optional
// data-URI prefix, and writes it directly to dest.
func (r *Resolver) resolveBase64(payload, dest string) error {
	payload = dataURIPrefix.ReplaceAllString(strings.TrimSpace(payload), "")

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return &AcquisitionError{Source: sourceBase64, Attempts: []string{"malformed base64 payload"}, Err: err}
	}
	if len(data) == 0 {
		return &AcquisitionError{Source: sourceBase64, Attempts: []string{"empty payload"}}
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return &AcquisitionError{Source: sourceBase64, Attempts: []string{"failed to write decoded payload"}, Err: err}
	}
	return nil
}

// fetchToFile streams one GET into dest and returns the HTTP status.
// For HTML responses the body still lands in dest so the caller can
// parse it (the Drive confirmation page flow relies on this).
func (r *Resolver) fetchToFile(ctx context.Context, rawURL string, header http.Header, dest string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to create destination file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to stream response body: %w", err)
	}
	return resp.StatusCode, nil
}

// validateArtifact accepts a download only if it exists, is non-empty
// and, when small, does not look like an HTML error page.
func validateArtifact(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("downloaded file missing")
	}
	if info.Size() == 0 {
		return fmt.Errorf("downloaded file is empty")
	}
	if info.Size() > sniffThreshold {
		return nil
	}

	head := make([]byte, 512)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("downloaded file unreadable")
	}
	defer f.Close()
	n, _ := f.Read(head)

	if looksLikeHTML(head[:n]) {
		return fmt.Errorf("downloaded file is an HTML page, not media")
	}
	return nil
}

func looksLikeHTML(head []byte) bool {
	s := strings.ToLower(strings.TrimSpace(string(head)))
	return strings.HasPrefix(s, "<!doctype html") ||
		strings.HasPrefix(s, "<html") ||
		strings.Contains(s, "<head>")
}

// sanitizeFilename keeps the hint safe to join into a path
func sanitizeFilename(hint string) string {
	if hint == "" {
		return "video.mp4"
	}
	hint = filepath.Base(hint)
	hint = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, hint)
	if hint == "" || hint == "." || hint == ".." {
		return "video.mp4"
	}
	return hint
}

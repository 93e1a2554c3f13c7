package source

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
)

// ChromeDownloader drives the public Drive web UI with headless Chrome
// and waits for the completed download to appear in the destination
// directory. It is the last entry in the Drive fallback chain and is
// only used when every plain-HTTP strategy failed.
type ChromeDownloader struct {
	wait     time.Duration
	pollTick time.Duration
}

// NewChromeDownloader creates a downloader with the given overall wait
// ceiling (the source waited up to 10 minutes).
func NewChromeDownloader(wait time.Duration) *ChromeDownloader {
	if wait <= 0 {
		wait = 10 * time.Minute
	}
	return &ChromeDownloader{
		wait:     wait,
		pollTick: 2 * time.Second,
	}
}

// Download navigates to the file's download page, clicks through the
// confirmation UI and polls destDir until a completed file shows up.
func (d *ChromeDownloader) Download(ctx context.Context, fileID, destDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.wait)
	defer cancel()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	before, err := listFiles(destDir)
	if err != nil {
		return "", fmt.Errorf("failed to read destination directory: %w", err)
	}

	pageURL := "https://drive.google.com/uc?export=download&id=" + fileID
	err = chromedp.Run(browserCtx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(destDir).
			WithEventsEnabled(true),
		chromedp.Navigate(pageURL),
	)
	if err != nil {
		return "", fmt.Errorf("failed to open download page: %w", err)
	}

	// The confirmation page, when present, exposes a single submit
	// control. Clicking may race page teardown once the download starts,
	// so a failure here is not fatal.
	clickCtx, cancelClick := context.WithTimeout(browserCtx, 15*time.Second)
	if err := chromedp.Run(clickCtx,
		chromedp.Click(`form#download-form input[type=submit], #uc-download-link`, chromedp.NodeVisible),
	); err != nil {
		log.Printf("Browser download: confirmation click skipped: %v", err)
	}
	cancelClick()

	return d.awaitDownload(ctx, destDir, before)
}

// awaitDownload polls destDir for a new completed file. Chrome writes
// in-progress downloads with a .crdownload suffix; a candidate counts as
// done once it keeps a stable non-zero size across one tick.
func (d *ChromeDownloader) awaitDownload(ctx context.Context, destDir string, before map[string]bool) (string, error) {
	ticker := time.NewTicker(d.pollTick)
	defer ticker.Stop()

	var candidate string
	var lastSize int64 = -1
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timed out waiting for browser download")
		case <-ticker.C:
		}

		entries, err := listFiles(destDir)
		if err != nil {
			continue
		}
		for name := range entries {
			if before[name] || strings.HasSuffix(name, ".crdownload") || strings.HasSuffix(name, ".tmp") {
				continue
			}
			candidate = filepath.Join(destDir, name)
		}
		if candidate == "" {
			continue
		}

		info, err := os.Stat(candidate)
		if err != nil || info.Size() == 0 {
			continue
		}
		if info.Size() == lastSize {
			return candidate, nil
		}
		lastSize = info.Size()
	}
}

func listFiles(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out[e.Name()] = true
		}
	}
	return out, nil
}

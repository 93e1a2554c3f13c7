package source

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Accepted Google Drive share URL shapes
var driveURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`drive\.google\.com/file/d/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`drive\.google\.com/open\?id=([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`drive\.google\.com/uc\?id=([a-zA-Z0-9_-]+)`),
}

// Drive file ids are opaque but bounded; anything outside this shape is
// rejected before a single network call is made.
var driveIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{20,100}$`)

// ExtractDriveID parses a share URL into a validated file identifier
func ExtractDriveID(rawURL string) (string, error) {
	for _, pattern := range driveURLPatterns {
		if m := pattern.FindStringSubmatch(rawURL); m != nil {
			id := m[1]
			if !driveIDPattern.MatchString(id) {
				return "", fmt.Errorf("google drive file id has unexpected shape")
			}
			return id, nil
		}
	}
	return "", fmt.Errorf("unrecognized google drive url")
}

// resolveDrive runs the ordered fallback chain for a Drive share link:
// direct endpoint, confirmation-page parse, alternate endpoint shapes,
// then the headless-browser download.
func (r *Resolver) resolveDrive(ctx context.Context, shareURL, dest string) error {
	fileID, err := ExtractDriveID(shareURL)
	if err != nil {
		return &AcquisitionError{Source: sourceDrive, Attempts: []string{err.Error()}, Err: err}
	}

	var attempts []string

	directURL := "https://drive.google.com/uc?export=download&id=" + fileID
	confirmed, err := r.tryDriveURL(ctx, directURL, dest, fileID)
	if err == nil {
		return nil
	}
	attempts = append(attempts, "direct endpoint: "+err.Error())

	// The direct attempt may have yielded a confirmation URL parsed out
	// of the HTML interstitial page.
	if confirmed != "" {
		if _, err := r.tryDriveURL(ctx, confirmed, dest, fileID); err == nil {
			return nil
		} else {
			attempts = append(attempts, "confirmation page: "+err.Error())
		}
	}

	for _, alt := range alternateDriveURLs(fileID) {
		if _, err := r.tryDriveURL(ctx, alt, dest, fileID); err == nil {
			return nil
		} else {
			attempts = append(attempts, "alternate endpoint: "+err.Error())
		}
	}

	if r.browser != nil {
		log.Printf("Drive download falling back to headless browser for file %s", fileID)
		path, err := r.browser.Download(ctx, fileID, r.downloadsDir)
		if err == nil {
			if err := validateArtifact(path); err == nil {
				if path != dest {
					if err := os.Rename(path, dest); err != nil {
						return &AcquisitionError{Source: sourceDrive, Attempts: append(attempts, "browser download could not be moved"), Err: err}
					}
				}
				return nil
			}
			attempts = append(attempts, "browser download: invalid artifact")
		} else {
			attempts = append(attempts, "browser download: "+err.Error())
		}
	}

	return &AcquisitionError{Source: sourceDrive, Attempts: attempts}
}

// tryDriveURL fetches one candidate URL. When the response is an HTML
// confirmation page the page is parsed and the extracted follow-up URL
// is returned alongside the error so the caller can retry with it.
func (r *Resolver) tryDriveURL(ctx context.Context, rawURL, dest, fileID string) (string, error) {
	status, err := r.fetchToFile(ctx, rawURL, driveHeader(), dest)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("status %d", status)
	}

	if err := validateArtifact(dest); err != nil {
		// Small HTML body: likely the virus-scan confirmation page.
		if confirmed, parseErr := parseConfirmationFile(dest, fileID); parseErr == nil {
			return confirmed, fmt.Errorf("received confirmation page")
		}
		return "", err
	}
	return "", nil
}

func alternateDriveURLs(fileID string) []string {
	return []string{
		"https://drive.usercontent.google.com/download?id=" + fileID + "&export=download&confirm=t",
		"https://docs.google.com/uc?export=download&id=" + fileID + "&confirm=t",
		"https://drive.google.com/uc?export=download&id=" + fileID + "&confirm=t",
	}
}

func parseConfirmationFile(path, fileID string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return "", err
	}
	return parseConfirmationPage(doc, fileID)
}

// parseConfirmationPage digs a usable download URL out of the Drive
// "can't scan for viruses" interstitial. Three shapes are known: a
// hidden form whose fields must be replayed, an explicit download
// anchor, and plain links carrying a confirm token.
func parseConfirmationPage(doc *goquery.Document, fileID string) (string, error) {
	// Hidden form with action + inputs (current page shape)
	if form := doc.Find("form#download-form"); form.Length() > 0 {
		action, _ := form.Attr("action")
		if action != "" {
			values := url.Values{}
			form.Find("input[type=hidden]").Each(func(_ int, s *goquery.Selection) {
				name, _ := s.Attr("name")
				value, _ := s.Attr("value")
				if name != "" {
					values.Set(name, value)
				}
			})
			if values.Get("id") == "" {
				values.Set("id", fileID)
			}
			sep := "?"
			if strings.Contains(action, "?") {
				sep = "&"
			}
			return action + sep + values.Encode(), nil
		}
	}

	// Legacy direct-download anchor
	if href, ok := doc.Find("a#uc-download-link").Attr("href"); ok && href != "" {
		return absoluteDriveURL(href), nil
	}

	// Any link carrying a confirm token
	var confirmHref string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if strings.Contains(href, "confirm=") && strings.Contains(href, fileID) {
			confirmHref = href
			return false
		}
		return true
	})
	if confirmHref != "" {
		return absoluteDriveURL(confirmHref), nil
	}

	return "", fmt.Errorf("no confirmation token found in page")
}

func absoluteDriveURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return "https://drive.google.com" + href
}

// driveHeader is kept for parity with browsers; some Drive endpoints
// refuse requests without a user agent.
func driveHeader() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	return h
}

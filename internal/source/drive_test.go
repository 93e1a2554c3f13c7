package source

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

const validDriveID = "1a2B3c4D5e6F7g8H9i0JkLmNoPqRsTu"

func TestExtractDriveID(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"file/d shape", "https://drive.google.com/file/d/" + validDriveID + "/view?usp=sharing"},
		{"open?id shape", "https://drive.google.com/open?id=" + validDriveID},
		{"uc?id shape", "https://drive.google.com/uc?id=" + validDriveID + "&export=download"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := ExtractDriveID(tc.url)
			if err != nil {
				t.Fatalf("ExtractDriveID failed: %v", err)
			}
			if id != validDriveID {
				t.Errorf("expected %s, got %s", validDriveID, id)
			}
		})
	}
}

func TestExtractDriveIDRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"not a drive url", "https://example.com/file/d/abcdef"},
		{"id too short", "https://drive.google.com/file/d/short/view"},
		{"id with bad charset", "https://drive.google.com/open?id=abc$def%20ghi"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ExtractDriveID(tc.url); err == nil {
				t.Errorf("expected error for %q", tc.url)
			}
		})
	}
}

func TestParseConfirmationPageForm(t *testing.T) {
	page := `<html><body>
		<form id="download-form" action="https://drive.usercontent.google.com/download" method="get">
			<input type="hidden" name="id" value="` + validDriveID + `">
			<input type="hidden" name="confirm" value="t">
			<input type="hidden" name="uuid" value="deadbeef">
			<input type="submit" value="Download anyway">
		</form>
	</body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	got, err := parseConfirmationPage(doc, validDriveID)
	if err != nil {
		t.Fatalf("parseConfirmationPage failed: %v", err)
	}
	for _, want := range []string{"drive.usercontent.google.com/download", "confirm=t", "uuid=deadbeef", "id=" + validDriveID} {
		if !strings.Contains(got, want) {
			t.Errorf("confirmation URL missing %q: %s", want, got)
		}
	}
}

func TestParseConfirmationPageDownloadLink(t *testing.T) {
	page := `<html><body>
		<a id="uc-download-link" href="/uc?export=download&confirm=ABCD&id=` + validDriveID + `">Download anyway</a>
	</body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	got, err := parseConfirmationPage(doc, validDriveID)
	if err != nil {
		t.Fatalf("parseConfirmationPage failed: %v", err)
	}
	if !strings.HasPrefix(got, "https://drive.google.com/uc?export=download") {
		t.Errorf("relative href not made absolute: %s", got)
	}
}

func TestParseConfirmationPageConfirmHref(t *testing.T) {
	page := `<html><body>
		<a href="https://drive.google.com/uc?export=download&confirm=xyz&id=` + validDriveID + `">continue</a>
	</body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	got, err := parseConfirmationPage(doc, validDriveID)
	if err != nil {
		t.Fatalf("parseConfirmationPage failed: %v", err)
	}
	if !strings.Contains(got, "confirm=xyz") {
		t.Errorf("expected confirm token in URL, got %s", got)
	}
}

func TestParseConfirmationPageNoToken(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<html><body><p>nothing here</p></body></html>"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, err := parseConfirmationPage(doc, validDriveID); err == nil {
		t.Error("expected error for page without confirmation token")
	}
}

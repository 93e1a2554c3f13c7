package source

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestResolveURL(t *testing.T) {
	payload := []byte("fake mp4 bytes for resolver test")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(payload)
	}))
	defer srv.Close()

	r := NewResolver(t.TempDir(), nil)
	path, sizeMB, src, err := r.Resolve(context.Background(), Request{URL: srv.URL, Filename: "clip.mp4"}, "task-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if src != sourceURL {
		t.Errorf("expected source %q, got %q", sourceURL, src)
	}
	if sizeMB <= 0 {
		t.Errorf("expected positive size, got %f", sizeMB)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading artifact failed: %v", err)
	}
	if string(data) != string(payload) {
		t.Error("artifact content mismatch")
	}
}

func TestResolveURLNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewResolver(t.TempDir(), nil)
	_, _, _, err := r.Resolve(context.Background(), Request{URL: srv.URL}, "task-1")

	var acqErr *AcquisitionError
	if !errors.As(err, &acqErr) {
		t.Fatalf("expected *AcquisitionError, got %v", err)
	}
	if !strings.Contains(acqErr.Error(), "404") {
		t.Errorf("error should mention status: %v", acqErr)
	}
}

func TestResolveURLRejectsHTMLBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<!DOCTYPE html><html><body>not a video</body></html>"))
	}))
	defer srv.Close()

	r := NewResolver(t.TempDir(), nil)
	_, _, _, err := r.Resolve(context.Background(), Request{URL: srv.URL}, "task-1")

	var acqErr *AcquisitionError
	if !errors.As(err, &acqErr) {
		t.Fatalf("expected *AcquisitionError, got %v", err)
	}
}

func TestResolveBase64(t *testing.T) {
	payload := []byte("binary media payload")
	encoded := base64.StdEncoding.EncodeToString(payload)

	r := NewResolver(t.TempDir(), nil)
	path, _, src, err := r.Resolve(context.Background(), Request{Base64Data: encoded, Filename: "inline.mp4"}, "task-2")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if src != sourceBase64 {
		t.Errorf("expected source %q, got %q", sourceBase64, src)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading artifact failed: %v", err)
	}
	if string(data) != string(payload) {
		t.Error("decoded content mismatch")
	}
}

func TestResolveBase64DataURIPrefix(t *testing.T) {
	payload := []byte("mp4 with data uri prefix")
	encoded := "data:video/mp4;base64," + base64.StdEncoding.EncodeToString(payload)

	r := NewResolver(t.TempDir(), nil)
	path, _, _, err := r.Resolve(context.Background(), Request{Base64Data: encoded}, "task-3")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != string(payload) {
		t.Error("data-URI prefix was not stripped before decoding")
	}
}

func TestResolveBase64Malformed(t *testing.T) {
	r := NewResolver(t.TempDir(), nil)
	_, _, _, err := r.Resolve(context.Background(), Request{Base64Data: "%%% not base64 %%%"}, "task-4")

	var acqErr *AcquisitionError
	if !errors.As(err, &acqErr) {
		t.Fatalf("expected *AcquisitionError, got %v", err)
	}
}

// A malformed Drive identifier must be rejected synchronously, before
// any network call. The resolver has no server to talk to here, so a
// network attempt would surface as a transport error instead of the
// parse error we assert on.
func TestResolveDriveMalformedIDNoNetwork(t *testing.T) {
	r := NewResolver(t.TempDir(), nil)
	_, _, _, err := r.Resolve(context.Background(),
		Request{GoogleDriveURL: "https://drive.google.com/file/d/short/view"}, "task-5")

	var acqErr *AcquisitionError
	if !errors.As(err, &acqErr) {
		t.Fatalf("expected *AcquisitionError, got %v", err)
	}
	if !strings.Contains(acqErr.Error(), "unexpected shape") {
		t.Errorf("expected parse rejection, got: %v", acqErr)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"":                   "video.mp4",
		"clip.mp4":           "clip.mp4",
		"../../etc/passwd":   "passwd",
		"my clip (1).mp4":    "my_clip__1_.mp4",
		"..":                 "video.mp4",
		"weird/./path/a.mkv": "a.mkv",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateArtifact(t *testing.T) {
	dir := t.TempDir()

	empty := dir + "/empty.mp4"
	os.WriteFile(empty, nil, 0o644)
	if err := validateArtifact(empty); err == nil {
		t.Error("expected error for empty file")
	}

	html := dir + "/page.mp4"
	os.WriteFile(html, []byte("<html><head><title>Google Drive - Virus scan warning</title></head></html>"), 0o644)
	if err := validateArtifact(html); err == nil {
		t.Error("expected error for HTML body")
	}

	media := dir + "/real.mp4"
	os.WriteFile(media, []byte{0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p'}, 0o644)
	if err := validateArtifact(media); err != nil {
		t.Errorf("unexpected error for media-looking file: %v", err)
	}
}

package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/transcritor/api/internal/config"
)

func newAssemblyAIServer(t *testing.T, pollsUntilDone int32, final transcriptResponse) *httptest.Server {
	t.Helper()
	var polls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(uploadResponse{UploadURL: "https://cdn.example/upload/abc"})
	})
	mux.HandleFunc("/transcript", func(w http.ResponseWriter, r *http.Request) {
		var req transcriptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AudioURL == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(transcriptResponse{ID: "tr-1", Status: "queued"})
	})
	mux.HandleFunc("/transcript/tr-1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) <= pollsUntilDone {
			json.NewEncoder(w).Encode(transcriptResponse{ID: "tr-1", Status: "processing"})
			return
		}
		json.NewEncoder(w).Encode(final)
	})
	return httptest.NewServer(mux)
}

func newTestAdapter(t *testing.T, baseURL string) *AssemblyAIAdapter {
	t.Helper()
	return NewAssemblyAIAdapter(&config.AssemblyAIConfig{
		APIKey:          "test-key",
		BaseURL:         baseURL,
		DefaultLanguage: "pt",
		PollSeconds:     1,
	})
}

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, []byte("RIFF....WAVE"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAssemblyAITranscribe(t *testing.T) {
	srv := newAssemblyAIServer(t, 1, transcriptResponse{
		ID:           "tr-1",
		Status:       "completed",
		Text:         "Hello world. Goodbye world.",
		LanguageCode: "en",
		Utterances: []utterance{
			{Start: 0, End: 1800, Text: "Hello world.", Speaker: "A"},
			{Start: 1900, End: 3500, Text: "Goodbye world.", Speaker: "B"},
		},
	})
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	a.pollInterval = 0

	res, err := a.Transcribe(context.Background(), writeAudio(t), "en")
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if res.Text != "Hello world. Goodbye world." {
		t.Errorf("unexpected text: %q", res.Text)
	}
	if res.Language != "en" {
		t.Errorf("unexpected language: %q", res.Language)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(res.Segments))
	}
	if res.Segments[1].StartMs != 1900 || res.Segments[1].Speaker != "B" {
		t.Errorf("utterance timing lost: %+v", res.Segments[1])
	}
}

func TestAssemblyAITranscribeError(t *testing.T) {
	srv := newAssemblyAIServer(t, 0, transcriptResponse{
		ID:     "tr-1",
		Status: "error",
		Error:  "audio file unreadable",
	})
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	a.pollInterval = 0

	_, err := a.Transcribe(context.Background(), writeAudio(t), "")
	var failErr *FailureError
	if !errors.As(err, &failErr) {
		t.Fatalf("expected *FailureError, got %v", err)
	}
	if failErr.Reason != "audio file unreadable" {
		t.Errorf("unexpected reason: %q", failErr.Reason)
	}
}

func TestAssemblyAISynthesizedSegments(t *testing.T) {
	srv := newAssemblyAIServer(t, 0, transcriptResponse{
		ID:     "tr-1",
		Status: "completed",
		Text:   "One. Two.",
	})
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	a.pollInterval = 0

	res, err := a.Transcribe(context.Background(), writeAudio(t), "")
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("expected synthesized segments, got %d", len(res.Segments))
	}
	if res.Segments[0].EndMs > res.Segments[1].StartMs {
		t.Error("synthesized spans are not monotonic")
	}
	if res.Language != "unknown" {
		t.Errorf("expected unknown language fallback, got %q", res.Language)
	}
}

func TestAssemblyAIUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.Transcribe(context.Background(), writeAudio(t), "")
	var failErr *FailureError
	if !errors.As(err, &failErr) {
		t.Fatalf("expected *FailureError, got %v", err)
	}
}

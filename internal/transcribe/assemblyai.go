package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/transcritor/api/internal/config"
	"github.com/transcritor/api/internal/model"
)

// AssemblyAIAdapter handles communication with the AssemblyAI API:
// upload the local file, create a transcript job, poll until terminal.
type AssemblyAIAdapter struct {
	httpClient      *http.Client
	baseURL         string
	apiKey          string
	defaultLanguage string
	pollInterval    time.Duration
}

// NewAssemblyAIAdapter creates a new AssemblyAI adapter
func NewAssemblyAIAdapter(cfg *config.AssemblyAIConfig) *AssemblyAIAdapter {
	poll := time.Duration(cfg.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &AssemblyAIAdapter{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:         cfg.BaseURL,
		apiKey:          cfg.APIKey,
		defaultLanguage: cfg.DefaultLanguage,
		pollInterval:    poll,
	}
}

// IsConfigured reports whether an API key is present
func (a *AssemblyAIAdapter) IsConfigured() bool { return a.apiKey != "" }

func (a *AssemblyAIAdapter) Name() string { return "assemblyai" }

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptRequest struct {
	AudioURL      string `json:"audio_url"`
	LanguageCode  string `json:"language_code,omitempty"`
	SpeakerLabels bool   `json:"speaker_labels"`
	Punctuate     bool   `json:"punctuate"`
	FormatText    bool   `json:"format_text"`
}

type utterance struct {
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
}

type transcriptResponse struct {
	ID           string      `json:"id"`
	Status       string      `json:"status"`
	Text         string      `json:"text"`
	LanguageCode string      `json:"language_code"`
	Error        string      `json:"error"`
	Utterances   []utterance `json:"utterances"`
}

// Transcribe uploads the file and polls the transcript until it is
// completed or errored. Cancellation of ctx stops the polling loop.
func (a *AssemblyAIAdapter) Transcribe(ctx context.Context, audioPath, language string) (*Result, error) {
	uploadURL, err := a.upload(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	id, err := a.createTranscript(ctx, uploadURL, language)
	if err != nil {
		return nil, err
	}

	for {
		tr, err := a.getTranscript(ctx, id)
		if err != nil {
			return nil, err
		}

		switch tr.Status {
		case "completed":
			return a.normalize(tr), nil
		case "error":
			return nil, &FailureError{Backend: a.Name(), Reason: tr.Error}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.pollInterval):
		}
	}
}

func (a *AssemblyAIAdapter) upload(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("failed to open media file: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/upload", f)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Authorization", a.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	var uploadResp uploadResponse
	if err := a.do(req, &uploadResp); err != nil {
		return "", err
	}
	if uploadResp.UploadURL == "" {
		return "", &FailureError{Backend: a.Name(), Reason: "upload returned no URL"}
	}
	return uploadResp.UploadURL, nil
}

func (a *AssemblyAIAdapter) createTranscript(ctx context.Context, audioURL, language string) (string, error) {
	if language == "" {
		language = a.defaultLanguage
	}

	reqBody := transcriptRequest{
		AudioURL:      audioURL,
		LanguageCode:  language,
		SpeakerLabels: true,
		Punctuate:     true,
		FormatText:    true,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transcript request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/transcript", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create transcript request: %w", err)
	}
	req.Header.Set("Authorization", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	var tr transcriptResponse
	if err := a.do(req, &tr); err != nil {
		return "", err
	}
	if tr.ID == "" {
		return "", &FailureError{Backend: a.Name(), Reason: "transcript creation returned no id"}
	}
	return tr.ID, nil
}

func (a *AssemblyAIAdapter) getTranscript(ctx context.Context, id string) (*transcriptResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/transcript/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll request: %w", err)
	}
	req.Header.Set("Authorization", a.apiKey)

	var tr transcriptResponse
	if err := a.do(req, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (a *AssemblyAIAdapter) do(req *http.Request, out interface{}) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &FailureError{
			Backend: a.Name(),
			Reason:  fmt.Sprintf("API error (status %d)", resp.StatusCode),
		}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// normalize maps the API response into the canonical result shape.
// Utterances carry real millisecond spans; without them the spans are
// synthesized placeholders.
func (a *AssemblyAIAdapter) normalize(tr *transcriptResponse) *Result {
	res := &Result{
		Text:     tr.Text,
		Language: tr.LanguageCode,
	}
	if res.Language == "" {
		res.Language = "unknown"
	}

	if len(tr.Utterances) > 0 {
		res.Segments = make([]model.TranscriptSegment, 0, len(tr.Utterances))
		for _, u := range tr.Utterances {
			res.Segments = append(res.Segments, model.TranscriptSegment{
				StartMs: u.Start,
				EndMs:   u.End,
				Text:    u.Text,
				Speaker: u.Speaker,
			})
		}
		return res
	}

	res.Segments = SynthesizeSegments(tr.Text)
	return res
}

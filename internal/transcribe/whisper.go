package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/transcritor/api/internal/config"
)

// commandRunner abstracts process execution for testability
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, string, error)
}

type execCommandRunner struct{}

func (execCommandRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// WhisperAdapter runs whisper.cpp locally. No per-unit timing is
// exported in txt mode, so segment spans are synthesized.
type WhisperAdapter struct {
	binPath   string
	modelPath string
	runner    commandRunner
	mkdirTemp func(dir, pattern string) (string, error)
}

// NewWhisperAdapter creates the local whisper.cpp adapter
func NewWhisperAdapter(cfg *config.WhisperConfig) *WhisperAdapter {
	return &WhisperAdapter{
		binPath:   cfg.BinPath,
		modelPath: cfg.ModelPath,
		runner:    execCommandRunner{},
		mkdirTemp: os.MkdirTemp,
	}
}

func (w *WhisperAdapter) Name() string { return "whisper" }

// Transcribe runs whisper.cpp and reads the exported transcript
func (w *WhisperAdapter) Transcribe(ctx context.Context, audioPath, language string) (*Result, error) {
	if _, err := os.Stat(w.modelPath); err != nil {
		return nil, &FailureError{Backend: w.Name(), Reason: "model file is not available"}
	}

	workDir, err := w.mkdirTemp("", "whisper-out-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create whisper workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	outBase := filepath.Join(workDir, "transcript")
	args := []string{
		"-m", w.modelPath,
		"-f", audioPath,
		"-of", outBase,
		"-otxt",
	}
	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	}

	_, stderr, err := w.runner.Run(ctx, w.binPath, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		reason := "inference failed"
		if s := strings.TrimSpace(stderr); s != "" {
			reason = firstLine(s)
		}
		return nil, &FailureError{Backend: w.Name(), Reason: reason}
	}

	content, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		return nil, &FailureError{Backend: w.Name(), Reason: "inference completed but transcript file is missing"}
	}

	text := strings.TrimSpace(string(content))
	return &Result{
		Text:     text,
		Segments: SynthesizeSegments(text),
		Language: normalizeLanguage(language),
	}, nil
}

// normalizeLanguage maps "auto" and empty language to no override
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

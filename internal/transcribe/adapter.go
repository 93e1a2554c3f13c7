package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/transcritor/api/internal/model"
)

// FailureMarker is the literal text a backend result may carry instead
// of a transcript. A result equal to it is a failure, never content.
const FailureMarker = "[TRANSCRIPTION ERROR]"

// ErrTimeout is returned when the external capability does not answer
// within the configured wall-clock deadline.
var ErrTimeout = errors.New("transcription timed out")

// InvalidMediaError is raised by pre-flight checks, before any quota or
// latency is spent on a call certain to fail.
type InvalidMediaError struct {
	Reason string
}

func (e *InvalidMediaError) Error() string {
	return "invalid media: " + e.Reason
}

// FailureError means the capability ran but produced no usable
// transcript (an error marker, an empty result, or a backend error).
type FailureError struct {
	Backend string
	Reason  string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s transcription failed: %s", e.Backend, e.Reason)
}

// Result is the canonical output shape every backend normalizes into
type Result struct {
	Text     string
	Segments []model.TranscriptSegment
	Language string
}

// Adapter wraps exactly one external speech-to-text capability
type Adapter interface {
	Name() string
	Transcribe(ctx context.Context, audioPath, language string) (*Result, error)
}

// CheckMedia validates the input before the capability is invoked
func CheckMedia(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &InvalidMediaError{Reason: "file not found"}
	}
	if info.Size() == 0 {
		return &InvalidMediaError{Reason: "file is empty"}
	}
	return nil
}

// CheckResult maps empty or marker-bearing output to FailureError so
// the orchestrator can apply its fallback instead of reporting success
// with no content.
func CheckResult(backend string, res *Result) error {
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return &FailureError{Backend: backend, Reason: "empty transcript"}
	}
	if text == FailureMarker || strings.HasPrefix(text, "[ERROR") {
		return &FailureError{Backend: backend, Reason: "backend returned an error marker"}
	}
	return nil
}

// timeoutAdapter runs the wrapped call on its own goroutine and gives
// up after the deadline. A backend that never returns leaks only that
// goroutine; the worker is released.
type timeoutAdapter struct {
	inner   Adapter
	timeout time.Duration
}

// WithTimeout decorates an adapter with pre-flight media checks and a
// hard wall-clock deadline.
func WithTimeout(inner Adapter, timeout time.Duration) Adapter {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &timeoutAdapter{inner: inner, timeout: timeout}
}

func (a *timeoutAdapter) Name() string { return a.inner.Name() }

func (a *timeoutAdapter) Transcribe(ctx context.Context, audioPath, language string) (*Result, error) {
	if err := CheckMedia(audioPath); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := a.inner.Transcribe(ctx, audioPath, language)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return out.res, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// SynthesizeSegments fabricates monotonically increasing spans for
// backends that return no per-unit timing. The spans are placeholders
// for shape consistency, not real timing.
func SynthesizeSegments(text string) []model.TranscriptSegment {
	sentences := splitSentences(text)
	segments := make([]model.TranscriptSegment, 0, len(sentences))
	for i, sentence := range sentences {
		segments = append(segments, model.TranscriptSegment{
			StartMs: int64(i) * 1000,
			EndMs:   int64(i+1) * 1000,
			Text:    sentence,
			Speaker: "A",
		})
	}
	return segments
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

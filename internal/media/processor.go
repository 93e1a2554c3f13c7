package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SegmentationError means the media could not be probed or split.
// It aborts the task; corrupt containers are not retried.
type SegmentationError struct {
	Message string
	Err     error
}

func (e *SegmentationError) Error() string { return e.Message }
func (e *SegmentationError) Unwrap() error { return e.Err }

// Segment is one bounded-duration slice of the source media. Paths of
// materialized segments are owned by the caller for deletion; when the
// input fits the ceiling the original file is returned untouched.
type Segment struct {
	Path        string
	StartOffset time.Duration
}

// CommandResult captures one external command invocation
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution for testability
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Processor wraps ffmpeg/ffprobe for duration probing, segmenting,
// audio extraction and subtitle extraction.
type Processor struct {
	ffmpegPath  string
	ffprobePath string
	runner      Runner
	tempDir     string
}

// NewProcessor constructs the production processor writing derived
// files under tempDir.
func NewProcessor(tempDir string) *Processor {
	return &Processor{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		runner:      execRunner{},
		tempDir:     tempDir,
	}
}

// NewProcessorWithRunner constructs a processor with an injected runner
func NewProcessorWithRunner(tempDir string, runner Runner) *Processor {
	p := NewProcessor(tempDir)
	p.runner = runner
	return p
}

// Probe returns the container duration of the media file
func (p *Processor) Probe(ctx context.Context, path string) (time.Duration, error) {
	result, err := p.runner.Run(ctx, p.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, &SegmentationError{Message: "ffprobe failed to read media duration", Err: err}
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(result.Stdout), 64)
	if err != nil {
		return 0, &SegmentationError{Message: "ffprobe returned an unparseable duration", Err: err}
	}
	if seconds <= 0 {
		return 0, &SegmentationError{Message: "media stream has zero duration"}
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Split partitions the media into equal-length segments no longer than
// maxMinutes. Inputs at or under the ceiling come back as a single
// segment pointing at the original file, with no re-encoding. Longer
// inputs are cut into ceil(duration/max) equal pieces rather than
// fixed-size chunks, so there is never a pathologically short tail.
func (p *Processor) Split(ctx context.Context, path string, maxMinutes int) ([]Segment, error) {
	duration, err := p.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	ceiling := time.Duration(maxMinutes) * time.Minute
	if duration <= ceiling {
		return []Segment{{Path: path, StartOffset: 0}}, nil
	}

	if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
		return nil, &SegmentationError{Message: "failed to create segment directory", Err: err}
	}

	count := int(math.Ceil(duration.Seconds() / ceiling.Seconds()))
	segLen := time.Duration(duration.Nanoseconds() / int64(count))

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ext := filepath.Ext(path)

	segments := make([]Segment, 0, count)
	for i := 0; i < count; i++ {
		start := time.Duration(int64(i) * segLen.Nanoseconds())
		length := segLen
		if i == count-1 {
			// absorb rounding into the last piece
			length = duration - start
		}

		out := filepath.Join(p.tempDir, fmt.Sprintf("%s_part%02d%s", base, i+1, ext))
		_, err := p.runner.Run(ctx, p.ffmpegPath,
			"-hide_banner", "-nostdin", "-y",
			"-ss", formatSeconds(start),
			"-i", path,
			"-t", formatSeconds(length),
			"-c", "copy",
			out,
		)
		if err != nil {
			removeSegments(segments, path)
			return nil, &SegmentationError{
				Message: fmt.Sprintf("ffmpeg failed cutting segment %d of %d", i+1, count),
				Err:     err,
			}
		}
		if info, statErr := os.Stat(out); statErr != nil || info.Size() == 0 {
			removeSegments(segments, path)
			return nil, &SegmentationError{
				Message: fmt.Sprintf("segment %d of %d was not materialized", i+1, count),
			}
		}
		segments = append(segments, Segment{Path: out, StartOffset: start})
	}
	return segments, nil
}

// ExtractAudio produces a mono 16 kHz WAV from the input media
func (p *Processor) ExtractAudio(ctx context.Context, path string) (string, error) {
	if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(p.tempDir, base+"_audio_16k.wav")

	_, err := p.runner.Run(ctx, p.ffmpegPath,
		"-hide_banner", "-nostdin", "-y",
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		out,
	)
	if err != nil {
		return "", fmt.Errorf("ffmpeg audio extraction failed: %w", err)
	}
	if info, statErr := os.Stat(out); statErr != nil || info.Size() == 0 {
		return "", fmt.Errorf("ffmpeg completed but extracted audio is missing or empty")
	}
	return out, nil
}

// ExtractSubtitles pulls the first embedded subtitle stream as plain
// text. A media file without subtitles is not an error; the result is
// just empty.
func (p *Processor) ExtractSubtitles(ctx context.Context, path string) (string, error) {
	result, err := p.runner.Run(ctx, p.ffmpegPath,
		"-hide_banner", "-nostdin",
		"-i", path,
		"-map", "0:s:0",
		"-f", "srt",
		"-",
	)
	if err != nil {
		// Exit status != 0 usually means no subtitle stream.
		return "", nil
	}
	return srtToPlainText(result.Stdout), nil
}

var srtTimestamp = "-->"

// srtToPlainText strips SRT cue indexes and timing lines
func srtToPlainText(srt string) string {
	var lines []string
	for _, line := range strings.Split(srt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, srtTimestamp) {
			continue
		}
		if _, err := strconv.Atoi(line); err == nil {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func removeSegments(segments []Segment, original string) {
	for _, s := range segments {
		if s.Path != original {
			os.Remove(s.Path)
		}
	}
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/transcritor/api/internal/client"
	"github.com/transcritor/api/internal/media"
	"github.com/transcritor/api/internal/model"
	"github.com/transcritor/api/internal/service"
	"github.com/transcritor/api/internal/source"
	"github.com/transcritor/api/internal/transcribe"
	"github.com/transcritor/api/internal/websocket"
)

// Progress checkpoints. Acquisition ends at 0.10, audio extraction at
// 0.25, segmentation at 0.30; transcription fills 0.30 to 0.90 in
// per-segment increments; the finished task reports 1.0.
const (
	progressAcquired   = 0.10
	progressAudioReady = 0.25
	progressSegmented  = 0.30
	progressMerging    = 0.90
	transcribeSpan     = 0.60
)

const captionsDelimiter = "\n\n---\n\n"

// SourceResolver acquires the submitted media onto local disk
type SourceResolver interface {
	Resolve(ctx context.Context, req source.Request, taskID string) (string, float64, string, error)
}

// MediaProcessor segments and derives streams from media files
type MediaProcessor interface {
	Split(ctx context.Context, path string, maxMinutes int) ([]media.Segment, error)
	ExtractAudio(ctx context.Context, path string) (string, error)
	ExtractSubtitles(ctx context.Context, path string) (string, error)
}

// TranscriptionWorker drives one submission through the pipeline:
// acquire, extract audio, segment, transcribe, merge, persist.
type TranscriptionWorker struct {
	service  *service.TranscriptionService
	resolver SourceResolver
	media    MediaProcessor
	adapter  transcribe.Adapter
	storage  client.StorageClient // nil disables artifact upload
	hub      *websocket.Hub
}

func NewTranscriptionWorker(svc *service.TranscriptionService, resolver SourceResolver, processor MediaProcessor, adapter transcribe.Adapter, storage client.StorageClient, hub *websocket.Hub) *TranscriptionWorker {
	return &TranscriptionWorker{
		service:  svc,
		resolver: resolver,
		media:    processor,
		adapter:  adapter,
		storage:  storage,
		hub:      hub,
	}
}

// ProcessTask handles one queued transcription. Business failures mark
// the task failed and return nil so asynq does not retry them; only
// infrastructure errors (bad payload, store unavailable) propagate.
func (w *TranscriptionWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	taskID := payload.TaskID
	log.Printf("Starting transcription task: %s", taskID)

	if err := w.run(ctx, taskID, &payload.Request); err != nil {
		log.Printf("Transcription task %s failed: %v", taskID, err)
		w.failTask(taskID, err.Error())
		return nil
	}

	log.Printf("Transcription task %s completed", taskID)
	return nil
}

func (w *TranscriptionWorker) run(ctx context.Context, taskID string, req *model.TranscriptionRequest) error {
	// Step 1: acquire the source media
	w.updateProgress(taskID, model.TaskStatusDownloading, 0.05, "Downloading source media...")

	mediaPath, sizeMB, src, err := w.resolver.Resolve(ctx, source.Request{
		URL:            req.URL,
		GoogleDriveURL: req.GoogleDriveURL,
		Base64Data:     req.Base64Data,
		Filename:       req.Filename,
	}, taskID)
	if err != nil {
		return err
	}
	defer os.Remove(mediaPath)

	w.service.SetFileInfo(taskID, &model.FileInfo{
		SizeMB: sizeMB,
		Path:   mediaPath,
		Source: src,
	}, req.Filename)
	w.updateProgress(taskID, model.TaskStatusProcessing, progressAcquired, "Source media acquired")

	// Step 2: embedded captions, if asked for
	var captions string
	if req.ExtractSubtitles {
		captions, err = w.media.ExtractSubtitles(ctx, mediaPath)
		if err != nil {
			log.Printf("Subtitle extraction failed for %s: %v", taskID, err)
			captions = ""
		}
	}

	// Step 3: normalize to a 16 kHz mono audio track
	audioPath, err := w.media.ExtractAudio(ctx, mediaPath)
	if err != nil {
		return err
	}
	if audioPath != mediaPath {
		defer os.Remove(audioPath)
	}
	w.updateProgress(taskID, model.TaskStatusProcessing, progressAudioReady, "Audio track extracted")

	// Step 4: segment to the requested ceiling
	segments, err := w.media.Split(ctx, audioPath, req.MaxSegmentMinutes)
	if err != nil {
		return err
	}
	defer func() {
		for _, seg := range segments {
			if seg.Path != audioPath {
				os.Remove(seg.Path)
			}
		}
	}()
	w.updateProgress(taskID, model.TaskStatusProcessing, progressSegmented,
		fmt.Sprintf("Media segmented into %d part(s)", len(segments)))

	// Step 5: transcribe each segment in order
	texts := make([]string, 0, len(segments))
	var timedSegments []model.TranscriptSegment
	succeeded := 0

	for i, seg := range segments {
		res, segErr := w.transcribeSegment(ctx, seg, mediaPath, len(segments), req.Language)
		if segErr != nil {
			// A lost segment leaves a gap in the transcript rather than
			// sinking the whole task.
			log.Printf("Segment %d/%d of task %s failed: %v", i+1, len(segments), taskID, segErr)
			texts = append(texts, "")
		} else {
			succeeded++
			texts = append(texts, res.Text)
			timedSegments = append(timedSegments, offsetSegments(res.Segments, seg.StartOffset)...)
		}

		progress := progressSegmented + transcribeSpan*float64(i+1)/float64(len(segments))
		w.updateProgress(taskID, model.TaskStatusProcessing, progress,
			fmt.Sprintf("Transcribed segment %d of %d", i+1, len(segments)))
	}

	// An empty transcript is a failure, not a success with no content.
	// The gap policy only applies while at least one segment made it.
	if succeeded == 0 && strings.TrimSpace(captions) == "" {
		return fmt.Errorf("transcription failed for all %d segment(s)", len(segments))
	}

	// Step 6: merge
	w.updateProgress(taskID, model.TaskStatusProcessing, progressMerging, "Merging transcript...")
	transcript := mergeTranscript(captions, texts)

	if w.storage != nil {
		if url, upErr := w.storage.UploadTranscript(ctx, taskID, transcript); upErr != nil {
			log.Printf("Transcript upload failed for %s: %v", taskID, upErr)
		} else {
			log.Printf("Transcript for %s uploaded to %s", taskID, url)
		}
	}

	task, err := w.service.CompleteTask(taskID, transcript, timedSegments)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	w.hub.BroadcastComplete(taskID, task)
	return nil
}

// transcribeSegment runs the adapter over one segment and validates the
// outcome. When the whole input fit in a single segment and the backend
// answered with its failure marker, one retry is made against the
// original file in case audio extraction mangled the input.
func (w *TranscriptionWorker) transcribeSegment(ctx context.Context, seg media.Segment, originalPath string, total int, language string) (*transcribe.Result, error) {
	res, err := w.adapter.Transcribe(ctx, seg.Path, language)
	if err == nil {
		err = transcribe.CheckResult(w.adapter.Name(), res)
	}
	if err == nil {
		return res, nil
	}

	var failure *transcribe.FailureError
	if total == 1 && errors.As(err, &failure) && seg.Path != originalPath {
		log.Printf("Backend rejected extracted audio (%v), retrying with original file", err)
		res, err = w.adapter.Transcribe(ctx, originalPath, language)
		if err == nil {
			err = transcribe.CheckResult(w.adapter.Name(), res)
		}
		if err == nil {
			return res, nil
		}
	}

	return nil, err
}

func (w *TranscriptionWorker) updateProgress(taskID string, status model.TaskStatus, progress float64, message string) {
	if err := w.service.UpdateProgress(taskID, status, progress, message); err != nil {
		log.Printf("Failed to update progress for %s: %v", taskID, err)
	}
	w.hub.BroadcastProgress(taskID, status, progress, message)
}

func (w *TranscriptionWorker) failTask(taskID, message string) {
	if err := w.service.FailTask(taskID, message); err != nil {
		log.Printf("Failed to mark task %s as failed: %v", taskID, err)
	}
	w.hub.BroadcastError(taskID, message)
}

// mergeTranscript joins per-segment texts with blank lines, skipping
// segments that produced nothing, and prepends extracted captions
// behind a delimiter when present.
func mergeTranscript(captions string, texts []string) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t != "" {
			parts = append(parts, t)
		}
	}
	body := strings.Join(parts, "\n\n")

	captions = strings.TrimSpace(captions)
	if captions == "" {
		return body
	}
	if body == "" {
		return captions
	}
	return captions + captionsDelimiter + body
}

// offsetSegments shifts adapter-relative timings by the segment's start
// offset in the original media.
func offsetSegments(segs []model.TranscriptSegment, offset time.Duration) []model.TranscriptSegment {
	if offset == 0 {
		return segs
	}
	shift := offset.Milliseconds()
	out := make([]model.TranscriptSegment, len(segs))
	for i, s := range segs {
		s.StartMs += shift
		s.EndMs += shift
		out[i] = s
	}
	return out
}

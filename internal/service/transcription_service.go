package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/transcritor/api/internal/client"
	"github.com/transcritor/api/internal/config"
	"github.com/transcritor/api/internal/model"
	"github.com/transcritor/api/internal/taskstore"
)

const TaskTypeTranscription = "transcription:process"

const (
	defaultMaxSegmentMinutes = 10
	minSegmentMinutes        = 1
	maxSegmentMinutes        = 60
)

var (
	// ErrAdmissionRejected means the active-task ceiling is reached;
	// the submission was refused before any task was created.
	ErrAdmissionRejected = errors.New("too many active tasks")

	// ErrTaskRunning means a destructive operation was refused because
	// the task has not reached a terminal status yet.
	ErrTaskRunning = errors.New("task is still running")

	// ErrNoTranscript means the task exists but has no finished
	// transcript to serve.
	ErrNoTranscript = errors.New("transcript not available")
)

// Enqueuer is the slice of asynq.Client the service needs
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TranscriptionService handles task admission, bookkeeping and the
// transcript artifacts on disk.
type TranscriptionService struct {
	store          *taskstore.Store
	enqueuer       Enqueuer
	storage        client.StorageClient // nil when no object storage is configured
	maxActive      int
	transcriptsDir string
}

func NewTranscriptionService(store *taskstore.Store, enqueuer Enqueuer, storage client.StorageClient, cfg *config.PipelineConfig) *TranscriptionService {
	return &TranscriptionService{
		store:          store,
		enqueuer:       enqueuer,
		storage:        storage,
		maxActive:      cfg.MaxActiveTasks,
		transcriptsDir: cfg.TranscriptsDir,
	}
}

// TaskPayload is the asynq message carrying one submission to the worker
type TaskPayload struct {
	TaskID  string                     `json:"taskId"`
	Request model.TranscriptionRequest `json:"request"`
}

// NewTranscriptionTask builds the asynq task for a submission
func NewTranscriptionTask(taskID string, req *model.TranscriptionRequest) (*asynq.Task, error) {
	data, err := json.Marshal(TaskPayload{TaskID: taskID, Request: *req})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeTranscription, data), nil
}

// ClampSegmentMinutes normalizes the requested segment ceiling into the
// accepted range, substituting the default when unset.
func ClampSegmentMinutes(requested int) int {
	switch {
	case requested == 0:
		return defaultMaxSegmentMinutes
	case requested < minSegmentMinutes:
		return minSegmentMinutes
	case requested > maxSegmentMinutes:
		return maxSegmentMinutes
	}
	return requested
}

// Submit admits a new transcription task and queues it for processing.
// The response is returned before any media is touched.
func (s *TranscriptionService) Submit(req *model.TranscriptionRequest) (*model.SubmitResponse, error) {
	req.MaxSegmentMinutes = ClampSegmentMinutes(req.MaxSegmentMinutes)

	taskID := uuid.New().String()
	now := time.Now().UTC()

	task := &model.Task{
		ID:        taskID,
		Status:    model.TaskStatusQueued,
		Progress:  0,
		Message:   "Queued for processing",
		Segments:  []model.TranscriptSegment{},
		Filename:  req.Filename,
		CreatedAt: now,
	}

	if err := s.store.CreateWithLimit(task, s.maxActive); err != nil {
		if errors.Is(err, taskstore.ErrActiveLimit) {
			return nil, ErrAdmissionRejected
		}
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	asynqTask, err := NewTranscriptionTask(taskID, req)
	if err != nil {
		s.store.Delete(taskID)
		return nil, fmt.Errorf("failed to create task payload: %w", err)
	}

	_, err = s.enqueuer.Enqueue(asynqTask,
		asynq.Queue("transcription"),
		asynq.MaxRetry(2),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		s.store.Delete(taskID)
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.SubmitResponse{
		TaskID:         taskID,
		Status:         model.TaskStatusQueued,
		Message:        "Task accepted",
		CheckStatusURL: "/api/transcriptions/" + taskID,
		CreatedAt:      now,
	}, nil
}

// Get returns the current snapshot of one task
func (s *TranscriptionService) Get(taskID string) (*model.Task, error) {
	return s.store.Get(taskID)
}

// List returns snapshots of every known task
func (s *TranscriptionService) List() *model.ListResponse {
	tasks := s.store.List()
	return &model.ListResponse{Tasks: tasks, Count: len(tasks)}
}

// Delete removes a terminal task and its transcript artifact. Tasks
// still in flight are refused.
func (s *TranscriptionService) Delete(taskID string) error {
	task, err := s.store.Get(taskID)
	if err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return ErrTaskRunning
	}

	os.Remove(s.TranscriptPath(taskID))
	if s.storage != nil {
		if err := s.storage.Delete(context.Background(), client.TranscriptKey(taskID)); err != nil {
			log.Printf("Failed to delete uploaded transcript for %s: %v", taskID, err)
		}
	}
	return s.store.Delete(taskID)
}

// Transcript returns the finished plain-text transcript for a task
func (s *TranscriptionService) Transcript(taskID string) (string, error) {
	task, err := s.store.Get(taskID)
	if err != nil {
		return "", err
	}
	if task.Status != model.TaskStatusSucceeded {
		return "", ErrNoTranscript
	}

	if task.Transcription != nil {
		return *task.Transcription, nil
	}

	data, err := os.ReadFile(s.TranscriptPath(taskID))
	if err != nil {
		return "", ErrNoTranscript
	}
	return string(data), nil
}

// TranscriptPath returns where a task's transcript artifact lives
func (s *TranscriptionService) TranscriptPath(taskID string) string {
	return filepath.Join(s.transcriptsDir, taskID+".txt")
}

// ActiveCount reports how many tasks are not terminal yet
func (s *TranscriptionService) ActiveCount() int {
	return s.store.CountActive()
}

// Worker-facing transitions. Each one rewrites the persisted document;
// the store refuses mutations once the task is terminal.

// UpdateProgress advances a running task (called by worker)
func (s *TranscriptionService) UpdateProgress(taskID string, status model.TaskStatus, progress float64, message string) error {
	_, err := s.store.Update(taskID, func(t *model.Task) {
		t.Status = status
		t.Progress = progress
		t.Message = message
	})
	return err
}

// SetFileInfo records the acquired source metadata (called by worker)
func (s *TranscriptionService) SetFileInfo(taskID string, info *model.FileInfo, filename string) error {
	_, err := s.store.Update(taskID, func(t *model.Task) {
		t.FileInfo = info
		if filename != "" && t.Filename == "" {
			t.Filename = filename
		}
	})
	return err
}

// CompleteTask marks a task succeeded, stores the result in the task
// document and writes the transcript artifact (called by worker).
func (s *TranscriptionService) CompleteTask(taskID, transcription string, segments []model.TranscriptSegment) (*model.Task, error) {
	if err := os.MkdirAll(s.transcriptsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcripts directory: %w", err)
	}
	if err := os.WriteFile(s.TranscriptPath(taskID), []byte(transcription), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write transcript: %w", err)
	}

	return s.store.Update(taskID, func(t *model.Task) {
		now := time.Now().UTC()
		t.Status = model.TaskStatusSucceeded
		t.Progress = 1.0
		t.Message = "Transcription completed"
		t.Transcription = &transcription
		t.Segments = segments
		t.CompletedAt = &now
	})
}

// FailTask marks a task failed (called by worker)
func (s *TranscriptionService) FailTask(taskID, message string) error {
	_, err := s.store.Update(taskID, func(t *model.Task) {
		now := time.Now().UTC()
		t.Status = model.TaskStatusFailed
		t.Message = message
		t.CompletedAt = &now
	})
	return err
}

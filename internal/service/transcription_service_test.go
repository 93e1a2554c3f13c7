package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/transcritor/api/internal/client"
	"github.com/transcritor/api/internal/config"
	"github.com/transcritor/api/internal/model"
	"github.com/transcritor/api/internal/taskstore"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "queued"}, nil
}

func newTestService(t *testing.T, maxActive int) (*TranscriptionService, *taskstore.Store, *fakeEnqueuer) {
	t.Helper()
	dir := t.TempDir()

	store, err := taskstore.New(filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatalf("taskstore.New: %v", err)
	}

	enq := &fakeEnqueuer{}
	svc := NewTranscriptionService(store, enq, nil, &config.PipelineConfig{
		MaxActiveTasks: maxActive,
		TranscriptsDir: filepath.Join(dir, "transcriptions"),
	})
	return svc, store, enq
}

// fakeStorage records object-storage calls
type fakeStorage struct {
	deleted []string
}

func (f *fakeStorage) UploadTranscript(ctx context.Context, taskID, text string) (string, error) {
	return "https://cdn.example.com/" + client.TranscriptKey(taskID), nil
}

func (f *fakeStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	return "https://cdn.example.com/" + key, nil
}

func (f *fakeStorage) Delete(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://cdn.example.com/" + key + "?signed", nil
}

func (f *fakeStorage) GetPublicURL(key string) string {
	return "https://cdn.example.com/" + key
}

func TestSubmitCreatesQueuedTask(t *testing.T) {
	svc, store, enq := newTestService(t, 3)

	resp, err := svc.Submit(&model.TranscriptionRequest{URL: "https://example.com/talk.mp4"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if resp.Status != model.TaskStatusQueued {
		t.Errorf("status = %q, want queued", resp.Status)
	}
	if resp.CheckStatusURL != "/api/transcriptions/"+resp.TaskID {
		t.Errorf("check_status_url = %q", resp.CheckStatusURL)
	}

	task, err := store.Get(resp.TaskID)
	if err != nil {
		t.Fatalf("stored task missing: %v", err)
	}
	if task.Message != "Queued for processing" {
		t.Errorf("message = %q", task.Message)
	}

	if len(enq.tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(enq.tasks))
	}
	var payload TaskPayload
	if err := json.Unmarshal(enq.tasks[0].Payload(), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.TaskID != resp.TaskID {
		t.Errorf("payload task id = %q, want %q", payload.TaskID, resp.TaskID)
	}
	if payload.Request.MaxSegmentMinutes != 10 {
		t.Errorf("segment ceiling not defaulted: %d", payload.Request.MaxSegmentMinutes)
	}
}

func TestSubmitAdmissionRejected(t *testing.T) {
	svc, _, _ := newTestService(t, 1)

	if _, err := svc.Submit(&model.TranscriptionRequest{URL: "https://example.com/a.mp4"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err := svc.Submit(&model.TranscriptionRequest{URL: "https://example.com/b.mp4"})
	if !errors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("err = %v, want ErrAdmissionRejected", err)
	}
}

func TestSubmitEnqueueFailureRollsBack(t *testing.T) {
	svc, store, enq := newTestService(t, 3)
	enq.err = errors.New("redis down")

	_, err := svc.Submit(&model.TranscriptionRequest{URL: "https://example.com/a.mp4"})
	if err == nil {
		t.Fatal("expected error")
	}
	if tasks := store.List(); len(tasks) != 0 {
		t.Errorf("task record leaked after enqueue failure: %d", len(tasks))
	}
}

func TestClampSegmentMinutes(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, 10},
		{-5, 1},
		{1, 1},
		{45, 45},
		{60, 60},
		{120, 60},
	}
	for _, c := range cases {
		if got := ClampSegmentMinutes(c.in); got != c.want {
			t.Errorf("ClampSegmentMinutes(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestDeleteRefusesRunningTask(t *testing.T) {
	svc, _, _ := newTestService(t, 3)

	resp, err := svc.Submit(&model.TranscriptionRequest{URL: "https://example.com/a.mp4"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := svc.Delete(resp.TaskID); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("err = %v, want ErrTaskRunning", err)
	}
}

func TestCompleteAndTranscript(t *testing.T) {
	svc, _, _ := newTestService(t, 3)

	resp, err := svc.Submit(&model.TranscriptionRequest{URL: "https://example.com/a.mp4"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	segments := []model.TranscriptSegment{{StartMs: 0, EndMs: 1000, Text: "hello world", Speaker: "A"}}
	task, err := svc.CompleteTask(resp.TaskID, "hello world", segments)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if task.Status != model.TaskStatusSucceeded || task.Progress != 1.0 {
		t.Errorf("task = %s %.2f, want succeeded 1.00", task.Status, task.Progress)
	}
	if task.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	text, err := svc.Transcript(resp.TaskID)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if text != "hello world" {
		t.Errorf("transcript = %q", text)
	}

	if _, err := os.Stat(svc.TranscriptPath(resp.TaskID)); err != nil {
		t.Errorf("transcript artifact missing: %v", err)
	}

	// Delete now succeeds and removes the artifact
	if err := svc.Delete(resp.TaskID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(svc.TranscriptPath(resp.TaskID)); !os.IsNotExist(err) {
		t.Error("transcript artifact survived delete")
	}
}

func TestDeleteRemovesUploadedTranscript(t *testing.T) {
	dir := t.TempDir()
	store, err := taskstore.New(filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatalf("taskstore.New: %v", err)
	}

	storage := &fakeStorage{}
	svc := NewTranscriptionService(store, &fakeEnqueuer{}, storage, &config.PipelineConfig{
		MaxActiveTasks: 3,
		TranscriptsDir: filepath.Join(dir, "transcriptions"),
	})

	resp, err := svc.Submit(&model.TranscriptionRequest{URL: "https://example.com/a.mp4"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.CompleteTask(resp.TaskID, "done", nil); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	if err := svc.Delete(resp.TaskID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	want := client.TranscriptKey(resp.TaskID)
	if len(storage.deleted) != 1 || storage.deleted[0] != want {
		t.Errorf("deleted keys = %v, want [%s]", storage.deleted, want)
	}
}

func TestTranscriptBeforeCompletion(t *testing.T) {
	svc, _, _ := newTestService(t, 3)

	resp, err := svc.Submit(&model.TranscriptionRequest{URL: "https://example.com/a.mp4"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := svc.Transcript(resp.TaskID); !errors.Is(err, ErrNoTranscript) {
		t.Fatalf("err = %v, want ErrNoTranscript", err)
	}
}

func TestFailTaskTerminal(t *testing.T) {
	svc, store, _ := newTestService(t, 3)

	resp, err := svc.Submit(&model.TranscriptionRequest{URL: "https://example.com/a.mp4"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := svc.FailTask(resp.TaskID, "failed to acquire source"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	task, _ := store.Get(resp.TaskID)
	if task.Status != model.TaskStatusFailed {
		t.Errorf("status = %q", task.Status)
	}
	if task.CompletedAt == nil {
		t.Error("completed_at not set on failure")
	}

	// Terminal tasks ignore further progress updates
	if err := svc.UpdateProgress(resp.TaskID, model.TaskStatusProcessing, 0.5, "late update"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	task, _ = store.Get(resp.TaskID)
	if task.Status != model.TaskStatusFailed || task.Message != "failed to acquire source" {
		t.Errorf("terminal snapshot mutated: %s %q", task.Status, task.Message)
	}
}

package model

import "time"

// TaskStatus represents the lifecycle state of a transcription task
type TaskStatus string

const (
	TaskStatusQueued      TaskStatus = "queued"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusProcessing  TaskStatus = "processing"
	TaskStatusSucceeded   TaskStatus = "succeeded"
	TaskStatusFailed      TaskStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// TranscriptSegment is one timed span of recognized speech
type TranscriptSegment struct {
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
}

// FileInfo captures metadata about the acquired source file
type FileInfo struct {
	SizeMB float64 `json:"size_mb"`
	Path   string  `json:"path,omitempty"`
	Source string  `json:"source,omitempty"` // "url", "google_drive" or "base64"
}

// Task is one submitted transcription job and its evolving status record.
// The same shape is kept in memory and persisted as one JSON document per
// task id, rewritten in full on every update.
type Task struct {
	ID            string              `json:"task_id"`
	Status        TaskStatus          `json:"status"`
	Progress      float64             `json:"progress"`
	Message       string              `json:"message"`
	Transcription *string             `json:"transcription"`
	Segments      []TranscriptSegment `json:"segments"`
	Filename      string              `json:"filename,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	CompletedAt   *time.Time          `json:"completed_at"`
	FileInfo      *FileInfo           `json:"file_info,omitempty"`
}

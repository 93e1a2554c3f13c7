package model

import "time"

// TranscriptionRequest is the submission payload. Exactly one of URL,
// GoogleDriveURL and Base64Data must be set.
type TranscriptionRequest struct {
	URL               string `json:"url,omitempty" validate:"omitempty,url"`
	GoogleDriveURL    string `json:"google_drive_url,omitempty" validate:"omitempty,url"`
	Base64Data        string `json:"base64_data,omitempty"`
	Filename          string `json:"filename,omitempty"`
	Language          string `json:"language,omitempty" validate:"omitempty,max=16"`
	ExtractSubtitles  bool   `json:"extract_subtitles,omitempty"`
	MaxSegmentMinutes int    `json:"max_segment_minutes,omitempty" validate:"omitempty,min=1,max=60"`
}

// SourceCount returns how many source fields are populated
func (r *TranscriptionRequest) SourceCount() int {
	n := 0
	if r.URL != "" {
		n++
	}
	if r.GoogleDriveURL != "" {
		n++
	}
	if r.Base64Data != "" {
		n++
	}
	return n
}

// SubmitResponse is returned synchronously from POST /api/transcriptions
type SubmitResponse struct {
	TaskID         string     `json:"task_id"`
	Status         TaskStatus `json:"status"`
	Message        string     `json:"message"`
	CheckStatusURL string     `json:"check_status_url"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ListResponse wraps the task collection
type ListResponse struct {
	Tasks []*Task `json:"tasks"`
	Count int     `json:"count"`
}

// HealthResponse reports process liveness and pipeline load
type HealthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Version     string `json:"version"`
	ActiveTasks int    `json:"active_tasks"`
	Provider    string `json:"provider"`
}

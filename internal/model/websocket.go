package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage is the minimal envelope used for client keep-alive traffic
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage is pushed to subscribers on every phase transition
type WSProgressMessage struct {
	Type     string     `json:"type"`
	TaskID   string     `json:"task_id"`
	Status   TaskStatus `json:"status"`
	Progress float64    `json:"progress"`
	Message  string     `json:"message,omitempty"`
}

// WSCompleteMessage is pushed once the task reaches succeeded
type WSCompleteMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Task   *Task  `json:"task"`
}

// WSErrorMessage is pushed once the task reaches failed
type WSErrorMessage struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

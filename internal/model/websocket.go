package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage reports a state transition of an execution
type WSProgressMessage struct {
	Type         string         `json:"type"`
	ExecutionID  string         `json:"executionId"`
	State        ExecutionState `json:"state"`
	StatusChecks int            `json:"statusChecks"`
	LastStatus   *JobStatus     `json:"lastStatus,omitempty"`
}

// WSCompleteMessage represents execution success
type WSCompleteMessage struct {
	Type        string      `json:"type"`
	ExecutionID string      `json:"executionId"`
	Result      interface{} `json:"result"`
}

// WSErrorMessage represents a FAILED or TIMED_OUT execution
type WSErrorMessage struct {
	Type        string  `json:"type"`
	ExecutionID string  `json:"executionId"`
	Error       WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

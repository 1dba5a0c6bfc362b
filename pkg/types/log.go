package types

import (
	"time"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Log sources.
const (
	LogSourceEngine     = "engine"
	LogSourceWorker     = "worker"
	LogSourceDispatcher = "dispatcher"
)

// NodeLogSource returns the source label for entries produced by a node.
func NodeLogSource(nodeID string) string {
	return "node:" + nodeID
}

// LogEntry is a single observable record appended to a run.
type LogEntry struct {
	// Seq is assigned by the run store, starting at 1.
	Seq     int64          `json:"seq"`
	Time    time.Time      `json:"time"`
	Level   LogLevel       `json:"level"`
	Source  string         `json:"source"`
	NodeID  string         `json:"node_id,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one audit log line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	PlanID    string         `json:"plan_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLogger appends JSONL entries to a log file. Writes are serialized
// and synced so the trail survives a crash of the orchestrator itself.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func NewAuditLogger(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLogger{file: file, path: path}, nil
}

// Log writes one entry. Common identifiers are lifted out of details into
// the indexed top-level fields.
func (l *AuditLogger) Log(eventType EventType, details map[string]any) error {
	entry := Entry{
		Timestamp: time.Now().UTC(),
		EventType: string(eventType),
		Details:   details,
	}
	if planID, ok := details["plan_id"].(string); ok {
		entry.PlanID = planID
	}
	if taskID, ok := details["task_id"].(string); ok {
		entry.TaskID = taskID
	}
	if sessionID, ok := details["session_id"].(string); ok {
		entry.SessionID = sessionID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Attach subscribes the audit logger to the bus for the given event types.
func (l *AuditLogger) Attach(bus *Bus, types ...EventType) {
	for _, t := range types {
		bus.Subscribe(t, func(e Event) {
			_ = l.Log(e.Type, e.Data)
		})
	}
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

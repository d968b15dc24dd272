// Package eventlog writes structured connection and error events as
// JSON lines, one directory per server run.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Log records events for one server run. All methods are safe for
// concurrent use.
type Log struct {
	runID string
	dir   string

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

type entry struct {
	Timestamp string         `json:"ts"`
	Level     string         `json:"level"`
	Kind      string         `json:"kind"`
	SessionID uint64         `json:"session_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// New creates a fresh run directory under baseDir and opens its event
// stream. The directory name carries a timestamp and a short unique ID
// so successive runs never collide.
func New(baseDir string) (*Log, error) {
	runID := fmt.Sprintf("%s_%s", time.Now().Format("20060102_150405"), uuid.NewString()[:8])
	dir := filepath.Join(baseDir, "session_"+runID)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session log directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return &Log{
		runID: runID,
		dir:   dir,
		file:  file,
		enc:   json.NewEncoder(file),
	}, nil
}

// RunID returns the stable identifier for this run.
func (l *Log) RunID() string {
	return l.runID
}

// Dir returns this run's log directory.
func (l *Log) Dir() string {
	return l.dir
}

// Event records one informational event.
func (l *Log) Event(kind string, sessionID uint64, fields map[string]any) {
	l.write(entry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     "info",
		Kind:      kind,
		SessionID: sessionID,
		Fields:    fields,
	})
}

// Error records one error event.
func (l *Log) Error(kind, message string, sessionID uint64) {
	l.write(entry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     "error",
		Kind:      kind,
		SessionID: sessionID,
		Message:   message,
	})
}

func (l *Log) write(e entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.enc == nil {
		return
	}
	// An unwritable log never takes the broker down with it.
	_ = l.enc.Encode(e)
}

// WriteSummary writes the end-of-run summary file.
func (l *Log) WriteSummary(summary any) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return os.WriteFile(filepath.Join(l.dir, "summary.json"), data, 0644)
}

// Close closes the event stream. Further events are discarded.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.enc = nil
	return err
}

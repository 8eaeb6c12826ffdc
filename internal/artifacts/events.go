package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one JSONL event log entry.
type Event struct {
	RunID     string         `json:"run_id"`
	PackageID string         `json:"package_id,omitempty"`
	Strategy  string         `json:"strategy,omitempty"`
	Event     string         `json:"event"`
	Ts        time.Time      `json:"ts"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// EventSink appends events to the run's JSONL log and keeps them in
// memory for reconciliation and the API surface.
type EventSink struct {
	mu     sync.Mutex
	logger *zap.Logger
	runID  string
	file   *os.File
	events []Event
}

// NewEventSink opens {runDir}/events.jsonl for appending.
func NewEventSink(logger *zap.Logger, runDir, runID string) (*EventSink, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(runDir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &EventSink{
		logger: logger.Named("events"),
		runID:  runID,
		file:   file,
	}, nil
}

// Emit appends one event.
func (s *EventSink) Emit(event, packageID, strategy string, ts time.Time, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := Event{
		RunID:     s.runID,
		PackageID: packageID,
		Strategy:  strategy,
		Event:     event,
		Ts:        ts.UTC(),
		Fields:    fields,
	}
	s.events = append(s.events, e)

	raw, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	if _, err := s.file.Write(append(raw, '\n')); err != nil {
		s.logger.Error("Failed to write event", zap.Error(err))
	}
}

// Events returns the in-memory event list, optionally filtered by
// event name.
func (s *EventSink) Events(name string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.events {
		if name == "" || e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

// Close flushes and closes the log file.
func (s *EventSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReadEventLog loads a JSONL event log from disk.
func ReadEventLog(path string) ([]Event, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}

	var events []Event
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '\n' {
			line := raw[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var e Event
			if err := json.Unmarshal(line, &e); err != nil {
				return events, fmt.Errorf("parse event line: %w", err)
			}
			events = append(events, e)
		}
	}
	return events, nil
}

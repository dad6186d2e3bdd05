package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventScanStart EventType = "scan_start"
	EventScanState EventType = "scan_state"
	EventScanEnd   EventType = "scan_end"
	EventParsed    EventType = "parsed"
	EventSkipped   EventType = "skipped"
	EventFailed    EventType = "failed"
	EventPruned    EventType = "pruned"
	EventWatch     EventType = "watch"
	EventPresence  EventType = "presence"
)

// EventLevel represents the severity level
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

var levelPriority = map[EventLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// ParseLevel maps a config string to an EventLevel, defaulting to info
func ParseLevel(s string) EventLevel {
	if _, ok := levelPriority[EventLevel(s)]; ok {
		return EventLevel(s)
	}
	return LevelInfo
}

// Event is one line of the JSONL audit trail
type Event struct {
	Timestamp time.Time         `json:"ts"`
	Level     EventLevel        `json:"level"`
	Event     EventType         `json:"event"`
	ScanID    string            `json:"scan_id,omitempty"`
	Path      string            `json:"path,omitempty"`
	ProjectID string            `json:"project_id,omitempty"`
	State     string            `json:"state,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Duration  int64             `json:"duration_ms,omitempty"`
	Error     string            `json:"error,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// EventLogger writes events to a JSONL file. A nil *EventLogger discards
// everything.
type EventLogger struct {
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	path     string
	minLevel EventLevel
}

// NewEventLogger creates events-<timestamp>.jsonl inside outputDir.
// Events below minLevel are dropped.
func NewEventLogger(outputDir string, minLevel EventLevel) (*EventLogger, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	path := filepath.Join(outputDir, fmt.Sprintf("events-%s.jsonl", timestamp))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	return &EventLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		path:     path,
		minLevel: minLevel,
	}, nil
}

// Log writes an event to the JSONL file
func (l *EventLogger) Log(event *Event) error {
	if l == nil || l.file == nil {
		return nil
	}
	if levelPriority[event.Level] < levelPriority[l.minLevel] {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}

// LogScanStart records the roots and options of a new scan
func (l *EventLogger) LogScanStart(scanID string, roots []string, force bool) error {
	extra := map[string]string{
		"roots": strconv.Itoa(len(roots)),
		"force": strconv.FormatBool(force),
	}
	for i, root := range roots {
		extra["root_"+strconv.Itoa(i)] = root
	}
	return l.Log(&Event{
		Level:  LevelInfo,
		Event:  EventScanStart,
		ScanID: scanID,
		Extra:  extra,
	})
}

// LogState records a scan state transition
func (l *EventLogger) LogState(scanID, state string) error {
	return l.Log(&Event{
		Level:  LevelDebug,
		Event:  EventScanState,
		ScanID: scanID,
		State:  state,
	})
}

// LogScanEnd records the terminal state and counters of a scan
func (l *EventLogger) LogScanEnd(scanID, state string, parsed, skipped, failed, pruned int, duration time.Duration, err error) error {
	level := LevelInfo
	errMsg := ""
	if err != nil {
		level = LevelError
		errMsg = err.Error()
	}
	return l.Log(&Event{
		Level:    level,
		Event:    EventScanEnd,
		ScanID:   scanID,
		State:    state,
		Duration: duration.Milliseconds(),
		Error:    errMsg,
		Extra: map[string]string{
			"parsed":  strconv.Itoa(parsed),
			"skipped": strconv.Itoa(skipped),
			"failed":  strconv.Itoa(failed),
			"pruned":  strconv.Itoa(pruned),
		},
	})
}

// LogParsed records a project that was extracted and stored
func (l *EventLogger) LogParsed(scanID, path, projectID string, plugins, samples int, duration time.Duration) error {
	return l.Log(&Event{
		Level:     LevelInfo,
		Event:     EventParsed,
		ScanID:    scanID,
		Path:      path,
		ProjectID: projectID,
		Duration:  duration.Milliseconds(),
		Extra: map[string]string{
			"plugins": strconv.Itoa(plugins),
			"samples": strconv.Itoa(samples),
		},
	})
}

// LogSkipped records a file whose fingerprint was unchanged
func (l *EventLogger) LogSkipped(scanID, path, reason string) error {
	return l.Log(&Event{
		Level:  LevelDebug,
		Event:  EventSkipped,
		ScanID: scanID,
		Path:   path,
		Reason: reason,
	})
}

// LogFailed records a per-file error
func (l *EventLogger) LogFailed(scanID, path string, err error) error {
	return l.Log(&Event{
		Level:  LevelError,
		Event:  EventFailed,
		ScanID: scanID,
		Path:   path,
		Error:  err.Error(),
	})
}

// LogPruned records a project soft-deleted because its file vanished
func (l *EventLogger) LogPruned(scanID, path string) error {
	return l.Log(&Event{
		Level:  LevelWarning,
		Event:  EventPruned,
		ScanID: scanID,
		Path:   path,
	})
}

// LogWatch records a handled file-watcher event
func (l *EventLogger) LogWatch(op, path, oldPath string, err error) error {
	ev := &Event{
		Level: LevelInfo,
		Event: EventWatch,
		Path:  path,
		State: op,
	}
	if oldPath != "" {
		ev.Extra = map[string]string{"old_path": oldPath}
	}
	if err != nil {
		ev.Level = LevelError
		ev.Error = err.Error()
	}
	return l.Log(ev)
}

// LogPresence records a presence refresh
func (l *EventLogger) LogPresence(plugins, pluginsInstalled, samples, samplesPresent int) error {
	return l.Log(&Event{
		Level: LevelInfo,
		Event: EventPresence,
		Extra: map[string]string{
			"plugins":           strconv.Itoa(plugins),
			"plugins_installed": strconv.Itoa(pluginsInstalled),
			"samples":           strconv.Itoa(samples),
			"samples_present":   strconv.Itoa(samplesPresent),
		},
	})
}

// Close closes the event log file
func (l *EventLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}

// Path returns the path to the event log file
func (l *EventLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// NullLogger returns a no-op event logger
func NullLogger() *EventLogger {
	return nil
}

// ReadEvents decodes every event in a JSONL log. Lines that fail to decode
// are skipped.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("failed to read event log: %w", err)
	}
	return events, nil
}

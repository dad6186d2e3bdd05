package report

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewEventLogger(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewEventLogger(tmpDir, LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(logger.Path()); err != nil {
		t.Errorf("Event log file was not created at %s", logger.Path())
	}

	filename := filepath.Base(logger.Path())
	if !strings.HasPrefix(filename, "events-") || !strings.HasSuffix(filename, ".jsonl") {
		t.Errorf("Event log filename format incorrect: %s", filename)
	}
}

func TestEventLogger_ScanLifecycle(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}

	logger.LogScanStart("scan-1", []string{"/music/projects"}, false)
	logger.LogState("scan-1", "discovering")
	logger.LogParsed("scan-1", "/music/projects/a.als", "p1", 3, 12, 40*time.Millisecond)
	logger.LogSkipped("scan-1", "/music/projects/b.als", "unchanged")
	logger.LogFailed("scan-1", "/music/projects/c.als", errors.New("corrupt container"))
	logger.LogPruned("scan-1", "/music/projects/gone.als")
	logger.LogScanEnd("scan-1", "completed", 1, 1, 1, 1, time.Second, nil)
	logger.Close()

	events, err := ReadEvents(logger.Path())
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 7 {
		t.Fatalf("Expected 7 events, got %d", len(events))
	}

	if events[0].Extra["root_0"] != "/music/projects" {
		t.Errorf("Expected root in scan_start extra, got %v", events[0].Extra)
	}
	if events[2].ProjectID != "p1" || events[2].Duration != 40 {
		t.Errorf("Unexpected parsed event: %+v", events[2])
	}
	if events[4].Level != LevelError || events[4].Error != "corrupt container" {
		t.Errorf("Unexpected failed event: %+v", events[4])
	}
	if events[6].State != "completed" || events[6].Extra["pruned"] != "1" {
		t.Errorf("Unexpected scan_end event: %+v", events[6])
	}
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			t.Errorf("Event %s has no timestamp", ev.Event)
		}
	}
}

func TestEventLogger_LevelFiltering(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelInfo)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}

	logger.LogState("scan-1", "parsing")
	logger.LogSkipped("scan-1", "/a.als", "same")
	logger.LogPruned("scan-1", "/b.als")
	logger.Close()

	events, err := ReadEvents(logger.Path())
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Event != EventPruned {
		t.Errorf("Expected only the pruned event, got %+v", events)
	}
}

func TestEventLogger_Watch(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}

	logger.LogWatch("renamed", "/new.als", "/old.als", nil)
	logger.LogWatch("modified", "/x.als", "", errors.New("truncated data"))
	logger.Close()

	events, err := ReadEvents(logger.Path())
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Extra["old_path"] != "/old.als" {
		t.Errorf("Expected old_path, got %v", events[0].Extra)
	}
	if events[1].Level != LevelError {
		t.Errorf("Expected error level for failed watch event, got %s", events[1].Level)
	}
}

func TestEventLogger_Concurrent(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.LogSkipped("scan-1", "/p.als", "unchanged")
			}
		}()
	}
	wg.Wait()
	logger.Close()

	events, err := ReadEvents(logger.Path())
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 200 {
		t.Errorf("Expected 200 events, got %d", len(events))
	}
}

func TestNullLogger(t *testing.T) {
	logger := NullLogger()

	if err := logger.LogFailed("s", "/a.als", errors.New("boom")); err != nil {
		t.Errorf("NullLogger.LogFailed returned error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("NullLogger.Close returned error: %v", err)
	}
	if logger.Path() != "" {
		t.Errorf("NullLogger.Path should be empty")
	}
}

func TestReadEventsSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := `{"level":"info","event":"parsed","path":"/a.als"}
not json
{"level":"error","event":"failed","path":"/b.als","error":"x"}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	events, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(events))
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]EventLevel{
		"debug":   LevelDebug,
		"warning": LevelWarning,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

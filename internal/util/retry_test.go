package util

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"EAGAIN", syscall.EAGAIN, true},
		{"EIO", syscall.EIO, true},
		{"EBUSY wrapped", fmt.Errorf("read: %w", syscall.EBUSY), true},
		{"not exist", fs.ErrNotExist, false},
		{"permission", &os.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, false},
		{"message pattern", errors.New("operation timed out"), true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.expected {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryWithBackoffEventuallySucceeds(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond}
	attempts := 0

	got, err := RetryWithBackoff(context.Background(), cfg, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, syscall.EAGAIN
		}
		return 42, nil
	}, "flaky")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || attempts != 3 {
		t.Errorf("got %d after %d attempts, want 42 after 3", got, attempts)
	}
}

func TestRetryWithBackoffStopsOnPermanentError(t *testing.T) {
	attempts := 0
	_, err := RetryWithBackoff(context.Background(), nil, func() (int, error) {
		attempts++
		return 0, fs.ErrNotExist
	}, "missing")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryWithBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := &RetryConfig{MaxAttempts: 5, InitialWait: time.Hour, MaxWait: time.Hour}

	_, err := RetryWithBackoff(ctx, cfg, func() (int, error) {
		return 0, syscall.EAGAIN
	}, "cancelled")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryableOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.als")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := RetryableOpen(path, nil)
	if err != nil {
		t.Fatalf("RetryableOpen failed: %v", err)
	}
	f.Close()

	if _, err := RetryableStat(filepath.Join(t.TempDir(), "nope"), nil); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

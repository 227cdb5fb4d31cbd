// Package eventlog writes the structured log to daily files alongside
// stdout, and prunes old files on a retention schedule.
package eventlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nsokolov/pricebot/internal/scheduler"
)

// Defaults for the daily log files.
const (
	// DefaultRetentionDays is how many daily files are kept.
	DefaultRetentionDays = 14
	// sweepSchedule runs the retention sweep nightly, off-peak.
	sweepSchedule = "30 3 * * *"
	// fileSuffix is appended to the YYYY-MM-DD file name.
	fileSuffix = ".log"
	// dirPermissions for the log directory.
	dirPermissions = 0755
	// filePermissions for daily log files.
	filePermissions = 0644
)

// Writer is an io.Writer that appends to a file named after the current date,
// rotating when the date changes. Safe for concurrent use.
type Writer struct {
	dir string
	now func() time.Time

	mu         sync.Mutex
	file       *os.File
	currentDay string
}

// NewWriter creates a daily-file writer in dir, creating dir when missing.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Writer{dir: dir, now: time.Now}, nil
}

// Write appends to today's file, opening or rotating it as needed.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	day := w.now().Format("2006-01-02")
	if w.file == nil || day != w.currentDay {
		if w.file != nil {
			w.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(w.dir, day+fileSuffix), os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePermissions)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		w.file = f
		w.currentDay = day
	}
	return w.file.Write(p)
}

// Close closes the current day's file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.currentDay = ""
	return err
}

// Sweep deletes daily files older than retentionDays and returns how many
// were removed. Files whose names are not dates are left alone.
func (w *Writer) Sweep(retentionDays int) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}
	cutoff := w.now().AddDate(0, 0, -retentionDays)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(filepath.Join(w.dir, name)); err != nil {
				slog.Warn("Eventlog.Sweep: failed to remove old log file", "file", name, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		slog.Info("Eventlog.Sweep: removed old log files", "count", removed)
	}
	return removed, nil
}

// StartRetention registers the nightly sweep on the shared scheduler.
func (w *Writer) StartRetention(s *scheduler.Scheduler, retentionDays int) error {
	return s.AddJob(sweepSchedule, func() {
		if _, err := w.Sweep(retentionDays); err != nil {
			slog.Error("Eventlog retention sweep failed", "error", err)
		}
	})
}

// Setup installs the default slog logger writing to both stdout and the
// daily file. It returns the writer for lifecycle management.
func Setup(dir string, level slog.Level) (*Writer, error) {
	w, err := NewWriter(dir)
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, w), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return w, nil
}

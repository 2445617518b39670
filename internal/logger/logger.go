// Package logger builds the application's zap logger. Log files are written
// to a directory, one per day, and old days are pruned.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	filePrefix     = "mnemo-"
	fileSuffix     = ".log"
	dateLayout     = "2006-01-02"
	defaultMaxDays = 7
)

// Config logger configuration
type Config struct {
	Dir     string // Log directory
	Level   string // debug, info, warn or error
	MaxDays int    // Days of log files to keep
	Console bool   // Tee to stderr as well
}

// New creates a logger writing JSON lines to a daily file under cfg.Dir.
// The returned closer flushes and closes the current file.
func New(cfg Config) (*zap.Logger, io.Closer, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = zapcore.ParseLevel(cfg.Level); err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	w, err := newDailyWriter(cfg.Dir, cfg.MaxDays)
	if err != nil {
		return nil, nil, err
	}

	fileEnc := zap.NewProductionEncoderConfig()
	fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), w, level),
	}

	if cfg.Console {
		consoleEnc := zap.NewDevelopmentEncoderConfig()
		consoleEnc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.Lock(os.Stderr), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, closerFunc(func() error {
		_ = logger.Sync()
		return w.Close()
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// dailyWriter is a zapcore.WriteSyncer that switches to a new file when the
// date changes.
type dailyWriter struct {
	mu      sync.Mutex
	dir     string
	maxDays int
	now     func() time.Time

	file *os.File
	date string
}

func newDailyWriter(dir string, maxDays int) (*dailyWriter, error) {
	if maxDays <= 0 {
		maxDays = defaultMaxDays
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &dailyWriter{dir: dir, maxDays: maxDays, now: time.Now}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

func (w *dailyWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// rotateIfNeeded must be called with mu held.
func (w *dailyWriter) rotateIfNeeded() error {
	today := w.now().Format(dateLayout)
	if w.date == today && w.file != nil {
		return nil
	}

	if w.file != nil {
		w.file.Close()
	}

	name := filepath.Join(w.dir, filePrefix+today+fileSuffix)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	w.file = f
	w.date = today

	w.prune()
	return nil
}

// prune keeps the newest maxDays log files. File names sort by date.
func (w *dailyWriter) prune() {
	files, err := filepath.Glob(filepath.Join(w.dir, filePrefix+"*"+fileSuffix))
	if err != nil || len(files) <= w.maxDays {
		return
	}

	sort.Strings(files)
	for _, f := range files[:len(files)-w.maxDays] {
		if strings.HasSuffix(f, w.date+fileSuffix) {
			continue
		}
		os.Remove(f)
	}
}

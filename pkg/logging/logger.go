// Package logging centralizes logger creation and rotation logic.
// Keeping it here avoids coupling the relay logic with filesystem operations.
package logging

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SetupLogger returns a logrus logger writing to console and, when logFile is set, to that file.
// The file handle is returned so the caller can hand it to a Rotator.
func SetupLogger(logFile, level string, console io.Writer) (*logrus.Logger, *os.File, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level '%s': %w", level, err)
	}

	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(console)

	if logFile == "" {
		return logger, nil, nil
	}

	file, err := openLogFile(logFile)
	if err != nil {
		return nil, nil, err
	}
	logger.SetOutput(io.MultiWriter(console, file))
	return logger, file, nil
}

// openLogFile opens path for appending, creating it if needed.
func openLogFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", path, err)
	}
	return file, nil
}

// Rotator moves the log file aside on a schedule or once it grows too large,
// then gzips the rotated copy.
type Rotator struct {
	path      string
	console   io.Writer
	logger    *logrus.Logger
	frequency time.Duration
	maxSize   int64

	mu           sync.Mutex
	file         *os.File
	lastRotation time.Time
}

// NewRotator manages file, which must be the handle returned by SetupLogger for path.
// maxSize <= 0 disables size-triggered rotation.
func NewRotator(path string, file *os.File, logger *logrus.Logger, console io.Writer, frequency time.Duration, maxSize int64) *Rotator {
	return &Rotator{
		path:         path,
		console:      console,
		logger:       logger,
		frequency:    frequency,
		maxSize:      maxSize,
		file:         file,
		lastRotation: time.Now(),
	}
}

// Run checks the log file periodically until ctx is done.
func (r *Rotator) Run(ctx context.Context) {
	interval := r.frequency
	if r.maxSize > 0 && (interval <= 0 || interval > time.Minute) {
		interval = time.Minute
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.due() {
				continue
			}
			if err := r.Rotate(); err != nil {
				r.logger.Errorf("Error rotating logs: %v", err)
			}
		}
	}
}

// due reports whether the rotation period has elapsed or the file has reached maxSize.
func (r *Rotator) due() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frequency > 0 && time.Since(r.lastRotation) >= r.frequency {
		return true
	}
	if r.maxSize <= 0 {
		return false
	}
	info, err := r.file.Stat()
	return err == nil && info.Size() >= r.maxSize
}

// Rotate renames the current file, reopens a fresh one and compresses the old one.
func (r *Rotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rotatedFile := r.path + "." + time.Now().Format("2006-01-02T15-04-05")
	if err := os.Rename(r.path, rotatedFile); err != nil {
		return fmt.Errorf("rename %s: %w", r.path, err)
	}

	newFile, err := openLogFile(r.path)
	if err != nil {
		r.logger.SetOutput(r.console)
		r.file.Close()
		return fmt.Errorf("reopen after rotation: %w", err)
	}
	r.logger.SetOutput(io.MultiWriter(r.console, newFile))
	r.file.Close()
	r.file = newFile
	r.lastRotation = time.Now()

	r.logger.Info("Log file rotated successfully, now compressing old log...")
	if err := compressFile(rotatedFile); err != nil {
		return fmt.Errorf("compressing rotated file: %w", err)
	}
	if err := os.Remove(rotatedFile); err != nil {
		return fmt.Errorf("removing uncompressed rotated file: %w", err)
	}
	r.logger.Infof("Compression successful: %s.gz", rotatedFile)
	return nil
}

// Close releases the current log file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.SetOutput(r.console)
	return r.file.Close()
}

// compressFile writes filename.gz next to filename.
func compressFile(filename string) error {
	original, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file for compression: %w", err)
	}
	defer original.Close()

	gzFile, err := os.OpenFile(filename+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create gz file: %w", err)
	}
	defer gzFile.Close()

	gzWriter := gzip.NewWriter(gzFile)
	if _, err := io.Copy(gzWriter, original); err != nil {
		gzWriter.Close()
		return fmt.Errorf("failed to copy data for compression: %w", err)
	}
	return gzWriter.Close()
}

// Package storage records received snapshots as JSON lines in
// date-organised, size-rotated files.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	ErrWriterClosed = errors.New("writer is closed")
	ErrBufferFull   = errors.New("buffer full")
)

// JSONLWriter appends records asynchronously to
// baseDir/<UTC date>/subDir/fileBase.jsonl. A new file is opened when the
// date changes; lumberjack rotates within a day by size.
type JSONLWriter struct {
	baseDir   string
	subDir    string
	fileBase  string
	maxSizeMB int
	now       func() time.Time

	writeCh   chan any
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger

	written atomic.Int64
	dropped atomic.Int64
}

// NewJSONLWriter creates a writer and starts its write loop.
func NewJSONLWriter(baseDir, subDir, fileBase string, bufferSize, maxSizeMB int) *JSONLWriter {
	if bufferSize < 1 {
		bufferSize = 1
	}
	w := &JSONLWriter{
		baseDir:   baseDir,
		subDir:    subDir,
		fileBase:  fileBase,
		maxSizeMB: maxSizeMB,
		now:       time.Now,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Write queues a record. It never blocks: a full buffer drops the record.
func (w *JSONLWriter) Write(record any) error {
	select {
	case <-w.done:
		return ErrWriterClosed
	default:
	}
	select {
	case w.writeCh <- record:
		return nil
	default:
		w.dropped.Add(1)
		slog.Warn("JSONL write buffer full, dropping record", "subdir", w.subDir, "file", w.fileBase)
		return ErrBufferFull
	}
}

// Close stops the writer after flushing queued records.
func (w *JSONLWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()

		// Drain whatever was queued before done closed.
		for drained := false; !drained; {
			select {
			case record := <-w.writeCh:
				w.writeRecord(record)
			default:
				drained = true
			}
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.logger != nil {
			err = w.logger.Close()
			w.logger = nil
		}
	})
	return err
}

// Written returns how many records reached disk.
func (w *JSONLWriter) Written() int64 { return w.written.Load() }

// Dropped returns how many records were dropped on a full buffer.
func (w *JSONLWriter) Dropped() int64 { return w.dropped.Load() }

func (w *JSONLWriter) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			return
		}
	}
}

func (w *JSONLWriter) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("Failed to marshal record", "error", err, "subdir", w.subDir)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.now().UTC().Format("2006-01-02")
	if w.logger == nil || date != w.currentDate {
		if err := w.openForDate(date); err != nil {
			slog.Error("Failed to open JSONL file", "error", err, "subdir", w.subDir)
			return
		}
	}

	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("Failed to write record", "error", err, "subdir", w.subDir)
		return
	}
	w.written.Add(1)
}

func (w *JSONLWriter) openForDate(date string) error {
	if w.logger != nil {
		_ = w.logger.Close()
		w.logger = nil
	}

	dir := filepath.Join(w.baseDir, date, w.subDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory %s: %w", dir, err)
	}
	filename := filepath.Join(dir, w.fileBase+".jsonl")
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		LocalTime:  false,
	}
	w.currentDate = date
	slog.Info("Opened new JSONL file", "file", filename)
	return nil
}

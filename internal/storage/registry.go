package storage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WriterRegistry hands out one JSONLWriter per streamer session so each
// connection's snapshots land in their own file.
type WriterRegistry struct {
	baseDir    string
	subDir     string
	maxSizeMB  int
	bufferSize int

	writers map[string]*JSONLWriter
	mu      sync.Mutex
}

// NewWriterRegistry creates a registry writing under baseDir/<date>/subDir.
func NewWriterRegistry(baseDir, subDir string, bufferSize, maxSizeMB int) *WriterRegistry {
	return &WriterRegistry{
		baseDir:    baseDir,
		subDir:     subDir,
		maxSizeMB:  maxSizeMB,
		bufferSize: bufferSize,
		writers:    make(map[string]*JSONLWriter),
	}
}

// Writer returns (or creates) the writer for sessionID.
func (r *WriterRegistry) Writer(sessionID string) *JSONLWriter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.writers[sessionID]; ok {
		return w
	}
	// Connection time keeps file names unique when short ids collide.
	base := fmt.Sprintf("%s_%d", ShortID(sessionID), time.Now().Unix())
	w := NewJSONLWriter(r.baseDir, r.subDir, base, r.bufferSize, r.maxSizeMB)
	r.writers[sessionID] = w
	slog.Info("Created new JSONL writer", "session_id", sessionID, "file_base", base)
	return w
}

// Release flushes and closes the writer for sessionID, if any.
func (r *WriterRegistry) Release(sessionID string) error {
	r.mu.Lock()
	w, ok := r.writers[sessionID]
	delete(r.writers, sessionID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}

// Count returns the number of open writers.
func (r *WriterRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writers)
}

// Close closes all managed writers.
func (r *WriterRegistry) Close() error {
	r.mu.Lock()
	writers := r.writers
	r.writers = make(map[string]*JSONLWriter)
	r.mu.Unlock()

	var lastErr error
	for id, w := range writers {
		if err := w.Close(); err != nil {
			slog.Error("Failed to close writer", "session_id", id, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

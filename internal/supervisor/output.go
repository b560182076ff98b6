package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OutputEntry is one line written by a managed process
type OutputEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ProcessID string    `json:"process_id"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
}

// OutputConfig defines configuration for process output capture
type OutputConfig struct {
	Dir           string        // Directory to store output files
	MaxFileSize   int64         // Maximum size of an output file in bytes
	MaxAge        time.Duration // Maximum age of output files
	FlushInterval time.Duration // Interval to flush buffered lines to disk
}

// OutputLog stores process output as JSON lines, one file per process
type OutputLog struct {
	logger  *zap.Logger
	config  OutputConfig
	mu      sync.Mutex
	files   map[string]*os.File
	buffers map[string][]OutputEntry
	stop    chan struct{}
	once    sync.Once
}

// NewOutputLog creates a new output log
func NewOutputLog(config OutputConfig, logger *zap.Logger) (*OutputLog, error) {
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	return &OutputLog{
		logger:  logger.Named("output-log"),
		config:  config,
		files:   make(map[string]*os.File),
		buffers: make(map[string][]OutputEntry),
		stop:    make(chan struct{}),
	}, nil
}

// Start starts the flush and rotation loops
func (l *OutputLog) Start(ctx context.Context) {
	go l.flushLoop(ctx)
	go l.rotateLoop(ctx)
}

// Stop flushes pending lines and closes all files
func (l *OutputLog) Stop() {
	l.once.Do(func() { close(l.stop) })
	l.flush()

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, file := range l.files {
		file.Close()
		delete(l.files, id)
	}
}

// Writer returns a writer that records each line written to it
func (l *OutputLog) Writer(processID, stream string) io.Writer {
	return &lineWriter{log: l, processID: processID, stream: stream}
}

// Append buffers an entry
func (l *OutputLog) Append(entry OutputEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffers[entry.ProcessID] = append(l.buffers[entry.ProcessID], entry)
}

// Read returns the entries of a process written at or after since
func (l *OutputLog) Read(processID string, since time.Time) ([]OutputEntry, error) {
	l.flush()

	file, err := os.Open(l.path(processID))
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	defer file.Close()

	var entries []OutputEntry
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry OutputEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode output entry: %w", err)
		}
		if !entry.Timestamp.Before(since) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (l *OutputLog) path(processID string) string {
	return filepath.Join(l.config.Dir, processID+".log")
}

func (l *OutputLog) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

func (l *OutputLog) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, entries := range l.buffers {
		if len(entries) == 0 {
			continue
		}

		file, ok := l.files[id]
		if !ok {
			var err error
			file, err = os.OpenFile(l.path(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				l.logger.Error("Failed to open output file",
					zap.String("process_id", id),
					zap.Error(err))
				continue
			}
			l.files[id] = file
		}

		encoder := json.NewEncoder(file)
		for _, entry := range entries {
			if err := encoder.Encode(entry); err != nil {
				l.logger.Error("Failed to write output entry",
					zap.String("process_id", id),
					zap.Error(err))
			}
		}
		l.buffers[id] = entries[:0]
	}
}

func (l *OutputLog) rotateLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.rotate(time.Now())
		}
	}
}

// rotate prunes files older than MaxAge and moves oversized files aside
func (l *OutputLog) rotate(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := filepath.Walk(l.config.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		id := trimLogExt(info.Name())
		if l.config.MaxAge > 0 && now.Sub(info.ModTime()) > l.config.MaxAge {
			l.closeFile(id)
			if err := os.Remove(path); err != nil {
				l.logger.Error("Failed to remove old output file",
					zap.String("path", path),
					zap.Error(err))
			}
			return nil
		}

		if l.config.MaxFileSize > 0 && info.Size() > l.config.MaxFileSize {
			l.closeFile(id)
			if err := os.Rename(path, path+".1"); err != nil {
				l.logger.Error("Failed to rotate output file",
					zap.String("path", path),
					zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		l.logger.Error("Failed to rotate output files", zap.Error(err))
	}
}

// closeFile must be called with l.mu held
func (l *OutputLog) closeFile(id string) {
	if file, ok := l.files[id]; ok {
		file.Close()
		delete(l.files, id)
	}
}

func trimLogExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// lineWriter splits written bytes into lines
type lineWriter struct {
	log       *OutputLog
	processID string
	stream    string
	partial   []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	data := append(w.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		w.log.Append(OutputEntry{
			Timestamp: time.Now(),
			ProcessID: w.processID,
			Stream:    w.stream,
			Line:      string(bytes.TrimRight(data[:i], "\r")),
		})
		data = data[i+1:]
	}
	w.partial = append(w.partial[:0], data...)
	return len(p), nil
}

package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// JSONLConfig configures a JSONLSink.
type JSONLConfig struct {
	Path       string
	MaxSizeMB  int // Default: 100
	MaxBackups int // Default: 5
	MaxAgeDays int // Zero keeps backups forever
}

// JSONLSink appends entries as JSON lines to a rotated file.
type JSONLSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewJSONLSink creates a sink writing to cfg.Path. The file is created on
// first write.
func NewJSONLSink(cfg JSONLConfig) *JSONLSink {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}
	return &JSONLSink{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     cfg.MaxAgeDays,
		},
	}
}

// Append writes e as one line.
func (s *JSONLSink) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

// Close closes the current file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}

// ReadJSONL reads every entry in the file at path. Lines that do not parse
// are skipped.
func ReadJSONL(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("journal: read %s: %w", path, err)
	}
	return entries, nil
}

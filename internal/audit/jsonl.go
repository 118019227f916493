// Copyright 2026 The Damage Control Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dayLayout = "2006-01-02"

	// LogExt is the extension of daily audit files.
	LogExt = ".log"
)

// DailyFileName returns the audit file name for the UTC day of t.
func DailyFileName(t time.Time) string {
	return t.UTC().Format(dayLayout) + LogExt
}

// JSONLSink is an append-only JSONL audit sink with one file per day.
type JSONLSink struct {
	mu sync.Mutex

	dir         string
	file        *os.File
	currentFile string
	fsync       bool
	closed      bool
	now         func() time.Time
	redactor    *Redactor
	logger      *slog.Logger
}

// NewJSONLSink creates a JSONL-backed audit sink in dir. The day's file
// is opened on the first write.
func NewJSONLSink(dir string, opts ...SinkOption) (*JSONLSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit: sink dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create sink dir: %w", err)
	}

	cfg := defaultSinkConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JSONLSink{
		dir:      dir,
		fsync:    cfg.fsync,
		now:      cfg.now,
		redactor: cfg.redactor,
		logger:   logger,
	}, nil
}

// Dir returns the directory holding the daily files.
func (s *JSONLSink) Dir() string {
	return s.dir
}

// Write redacts entry and appends it to the file for its day.
func (s *JSONLSink) Write(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("audit: write on closed sink")
	}
	if entry.ID == "" {
		entry.ID = NewEventID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	entry.Command = s.redactor.Redact(entry.Command)
	if len(entry.UnwrapChain) > 0 {
		chain := make([]string, len(entry.UnwrapChain))
		for i, c := range entry.UnwrapChain {
			chain[i] = s.redactor.Redact(c)
		}
		entry.UnwrapChain = chain
	}

	// Commands are logged as typed: no \u003c for < or \u0026 for &.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entry); err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line := buf.Bytes()

	name := DailyFileName(entry.Timestamp)
	if s.file == nil || s.currentFile != name {
		if err := s.openLocked(name); err != nil {
			return err
		}
	}
	// A single write call on an O_APPEND descriptor keeps lines whole
	// across processes.
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if s.fsync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("audit: fsync entry: %w", err)
		}
	}

	s.logger.Debug("audit: wrote entry",
		"event_id", entry.ID,
		"decision", entry.Decision,
		"file", s.currentFile,
	)
	return nil
}

func (s *JSONLSink) openLocked(name string) error {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.logger.Warn("audit: close previous day file", "file", s.currentFile, "error", err)
		}
		s.file = nil
	}
	file, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open log file: %w", err)
	}
	s.file = file
	s.currentFile = name
	return nil
}

// Close flushes and closes the sink.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("audit: close sync: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("audit: close sink file: %w", err)
	}
	s.file = nil
	return nil
}

func (s *JSONLSink) filePath() string {
	return filepath.Join(s.dir, s.currentFile)
}

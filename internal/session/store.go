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

// Package session persists per-session approval state.
//
// Each Claude session gets one JSON file holding the ask-patterns a human
// pre-approved with dc-allow and the first time each session-scoped
// ask-pattern was seen. The session gate reads this record to turn a
// repeated ask into an allow.
//
// Files are rewritten atomically on every mutation. Concurrent writers
// for the same session resolve by last-writer-wins; duplicate entries
// are dropped on the next read.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	saveRetries    = 2
	saveRetryDelay = 5 * time.Millisecond
)

// SourceDCAllow marks an explicit allow added by the dc-allow command.
const SourceDCAllow = "dc-allow"

// ExplicitAllow is a human pre-approval of one ask-pattern.
type ExplicitAllow struct {
	PatternID   string    `json:"pattern_id"`
	PatternText string    `json:"pattern_text"`
	Reason      string    `json:"reason"`
	Added       time.Time `json:"added"`
	Source      string    `json:"source"`
}

// MemoryEntry is the first observation of an ask-pattern in a session.
type MemoryEntry struct {
	PatternID   string    `json:"pattern_id"`
	PatternText string    `json:"pattern_text"`
	FirstSeen   time.Time `json:"first_seen"`
	CommandHash string    `json:"command_hash"`
}

// Record is the persisted state of one session.
type Record struct {
	Created        time.Time       `json:"created"`
	ExplicitAllows []ExplicitAllow `json:"explicit_allows"`
	SessionMemory  []MemoryEntry   `json:"session_memory"`
}

// Allow returns the explicit allow for patternID, if any.
func (r *Record) Allow(patternID string) (ExplicitAllow, bool) {
	for _, a := range r.ExplicitAllows {
		if a.PatternID == patternID {
			return a, true
		}
	}
	return ExplicitAllow{}, false
}

// Memory returns the session memory entry for patternID, if any.
func (r *Record) Memory(patternID string) (MemoryEntry, bool) {
	for _, m := range r.SessionMemory {
		if m.PatternID == patternID {
			return m, true
		}
	}
	return MemoryEntry{}, false
}

// dedup keeps the first entry per pattern id in each list.
func (r *Record) dedup() {
	seen := make(map[string]bool, len(r.ExplicitAllows))
	allows := r.ExplicitAllows[:0]
	for _, a := range r.ExplicitAllows {
		if a.PatternID == "" || seen[a.PatternID] {
			continue
		}
		seen[a.PatternID] = true
		allows = append(allows, a)
	}
	r.ExplicitAllows = allows

	seen = make(map[string]bool, len(r.SessionMemory))
	memory := r.SessionMemory[:0]
	for _, m := range r.SessionMemory {
		if m.PatternID == "" || seen[m.PatternID] {
			continue
		}
		seen[m.PatternID] = true
		memory = append(memory, m)
	}
	r.SessionMemory = memory
}

func (r *Record) clone() *Record {
	out := &Record{Created: r.Created}
	out.ExplicitAllows = append([]ExplicitAllow(nil), r.ExplicitAllows...)
	out.SessionMemory = append([]MemoryEntry(nil), r.SessionMemory...)
	return out
}

// CommandHash is the short hash stored with a memory entry.
func CommandHash(cmd string) string {
	h := sha256.Sum256([]byte(cmd))
	return hex.EncodeToString(h[:])[:12]
}

// Store loads and saves session records under one directory.
type Store struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Record
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger for swallowed I/O errors.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a store rooted at dir. The directory is created on
// the first write.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:    dir,
		now:    time.Now,
		logger: slog.Default(),
		cache:  make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the session directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file that holds sessionID's record.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sanitizeID(sessionID)+".json")
}

// sanitizeID maps a session id onto a safe file name.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Load returns a copy of the record for sessionID. A missing or corrupt
// file yields an empty record. An empty session id always yields an
// empty record.
func (s *Store) Load(sessionID string) *Record {
	if sessionID == "" {
		return &Record{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(sessionID).clone()
}

func (s *Store) loadLocked(sessionID string) *Record {
	if rec, ok := s.cache[sessionID]; ok {
		return rec
	}
	rec := s.read(sessionID)
	s.cache[sessionID] = rec
	return rec
}

func (s *Store) read(sessionID string) *Record {
	data, err := os.ReadFile(s.Path(sessionID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("session: read failed", "session", sessionID, "error", err)
		}
		return &Record{}
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("session: corrupt record treated as empty", "session", sessionID, "error", err)
		return &Record{}
	}
	rec.dedup()
	return &rec
}

// RecordAsk notes that patternID asked in sessionID. Only the first
// observation per pattern is kept.
func (s *Store) RecordAsk(sessionID, patternID, patternText, cmd string) error {
	if sessionID == "" || patternID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.loadLocked(sessionID)
	if _, ok := rec.Memory(patternID); ok {
		return nil
	}
	rec.SessionMemory = append(rec.SessionMemory, MemoryEntry{
		PatternID:   patternID,
		PatternText: patternText,
		FirstSeen:   s.now().UTC(),
		CommandHash: CommandHash(cmd),
	})
	return s.saveLocked(sessionID, rec)
}

// AddExplicitAllow pre-approves patternID for the rest of sessionID. It
// reports false when the pattern was already approved.
func (s *Store) AddExplicitAllow(sessionID, patternID, patternText, reason string) (bool, error) {
	if sessionID == "" {
		return false, errors.New("session: no session id")
	}
	if patternID == "" {
		return false, errors.New("session: no pattern id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.loadLocked(sessionID)
	if _, ok := rec.Allow(patternID); ok {
		return false, nil
	}
	rec.ExplicitAllows = append(rec.ExplicitAllows, ExplicitAllow{
		PatternID:   patternID,
		PatternText: patternText,
		Reason:      reason,
		Added:       s.now().UTC(),
		Source:      SourceDCAllow,
	})
	return true, s.saveLocked(sessionID, rec)
}

// saveLocked writes rec with write-then-rename, retrying transient
// failures a few times. On failure the cached record is kept so the next
// mutation retries the write.
func (s *Store) saveLocked(sessionID string, rec *Record) error {
	if rec.Created.IsZero() {
		rec.Created = s.now().UTC()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	data = append(data, '\n')

	backoff := retry.WithMaxRetries(saveRetries, retry.NewConstant(saveRetryDelay))
	return retry.Do(context.Background(), backoff, func(_ context.Context) error {
		if err := s.writeFile(sessionID, data); err != nil {
			s.logger.Debug("session: write attempt failed", "session", sessionID, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (s *Store) writeFile(sessionID string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("session: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+sanitizeID(sessionID)+".*.tmp")
	if err != nil {
		return fmt.Errorf("session: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: write: %w", err)
	}
	// Best effort; some filesystems do not support fsync.
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: close: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(sessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: rename: %w", err)
	}
	return nil
}

// Prune removes session files last modified before cutoff. With dryRun
// set it only reports what it would remove.
func (s *Store) Prune(cutoff time.Time, dryRun bool) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: prune: %w", err)
	}

	var removed []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		if !dryRun {
			if err := os.Remove(p); err != nil {
				s.logger.Warn("session: prune failed", "path", p, "error", err)
				continue
			}
		}
		removed = append(removed, p)
	}
	return removed, nil
}

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
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReadEntriesFromOffset reads audit entries from path starting at the given byte offset.
// Returns the parsed entries, the new file offset, and any error.
// If the file has been truncated (offset > size), it resets to the beginning.
// Partial (unterminated) lines are not consumed; the offset stays before them
// so they can be re-read once complete.
func ReadEntriesFromOffset(path string, offset int64) ([]Entry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("audit: stat %s: %w", path, err)
	}
	if offset > info.Size() {
		offset = 0
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("audit: seek %s: %w", path, err)
	}

	reader := bufio.NewReader(f)
	cursor := offset
	entries := make([]Entry, 0, 8)

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, cursor, fmt.Errorf("audit: read line: %w", err)
		}

		if line == "" && errors.Is(err, io.EOF) {
			return entries, cursor, nil
		}

		// Partial line: leave it for the next read.
		if !strings.HasSuffix(line, "\n") {
			return entries, cursor, nil
		}

		cursor += int64(len(line))
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if errors.Is(err, io.EOF) {
				return entries, cursor, nil
			}
			continue
		}

		var entry Entry
		if unmarshalErr := json.Unmarshal([]byte(trimmed), &entry); unmarshalErr == nil {
			entries = append(entries, entry)
		}

		if errors.Is(err, io.EOF) {
			return entries, cursor, nil
		}
	}
}

// ListLogFiles returns the daily audit files in dir, oldest first.
func ListLogFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "????-??-??"+LogExt))
	if err != nil {
		return nil, fmt.Errorf("audit: list %s: %w", dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Filter selects entries when reading the log back.
type Filter struct {
	Decision  string
	SessionID string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	if f.Decision != "" && !strings.EqualFold(f.Decision, e.Decision) {
		return false
	}
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	return true
}

// ReadRecent returns up to limit matching entries from the newest daily
// files in dir, oldest first. A limit of zero or less returns all.
func ReadRecent(dir string, filter Filter, limit int) ([]Entry, error) {
	files, err := ListLogFiles(dir)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for i := len(files) - 1; i >= 0; i-- {
		entries, _, err := ReadEntriesFromOffset(files[i], 0)
		if err != nil {
			return nil, err
		}
		var kept []Entry
		for _, e := range entries {
			if filter.Match(e) {
				kept = append(kept, e)
			}
		}
		out = append(kept, out...)
		if limit > 0 && len(out) >= limit {
			return out[len(out)-limit:], nil
		}
	}
	return out, nil
}

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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultTailPoll = 250 * time.Millisecond

// TailEvent carries either a new entry or a tailer error.
type TailEvent struct {
	Entry Entry
	Err   error
}

// Tailer follows the daily audit files in a directory. When the next
// day's file appears it switches to it.
type Tailer struct {
	dir        string
	path       string
	newWatcher func() (*fsnotify.Watcher, error)
	pollEvery  time.Duration
}

// NewTailer follows path, which is normally today's file in its
// directory.
func NewTailer(path string) *Tailer {
	return &Tailer{
		dir:        filepath.Dir(path),
		path:       path,
		newWatcher: fsnotify.NewWatcher,
		pollEvery:  defaultTailPoll,
	}
}

// Start publishes entries until ctx is done. The channel is closed on
// return. startOffset is the byte offset to begin reading from; pass the
// current size to skip history.
func (t *Tailer) Start(ctx context.Context, startOffset int64) <-chan TailEvent {
	out := make(chan TailEvent, 128)

	go func() {
		defer close(out)
		if strings.TrimSpace(t.path) == "" {
			out <- TailEvent{Err: errors.New("audit: tail path is empty")}
			return
		}

		watcher, err := t.newWatcher()
		if err != nil {
			out <- TailEvent{Err: fmt.Errorf("audit: create file watcher: %w", err)}
			return
		}
		defer watcher.Close()

		if err := watcher.Add(t.dir); err != nil {
			out <- TailEvent{Err: fmt.Errorf("audit: watch directory %s: %w", t.dir, err)}
			return
		}
		_ = watcher.Add(t.path)

		offset := t.publishAvailable(ctx, out, startOffset)

		ticker := time.NewTicker(t.pollEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				offset = t.publishAvailable(ctx, out, offset)
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				cleanName := filepath.Clean(evt.Name)
				cleanPath := filepath.Clean(t.path)

				// A newer daily file replaces the one being followed.
				if evt.Has(fsnotify.Create) && isDailyFile(cleanName) && filepath.Base(cleanName) > filepath.Base(cleanPath) {
					offset = t.publishAvailable(ctx, out, offset)
					t.path = cleanName
					cleanPath = cleanName
					_ = watcher.Add(t.path)
					offset = 0
				}

				if cleanName != cleanPath {
					continue
				}
				if evt.Has(fsnotify.Remove) || evt.Has(fsnotify.Rename) {
					offset = 0
					continue
				}
				if evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) || evt.Has(fsnotify.Chmod) {
					offset = t.publishAvailable(ctx, out, offset)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					continue
				}
				out <- TailEvent{Err: fmt.Errorf("audit: watcher error: %w", err)}
			}
		}
	}()

	return out
}

// Path returns the file currently being followed.
func (t *Tailer) Path() string {
	return t.path
}

func (t *Tailer) publishAvailable(ctx context.Context, out chan<- TailEvent, offset int64) int64 {
	entries, newOffset, err := ReadEntriesFromOffset(t.path, offset)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		out <- TailEvent{Err: err}
		return offset
	}

	for _, e := range entries {
		select {
		case out <- TailEvent{Entry: e}:
		case <-ctx.Done():
			return newOffset
		}
	}
	return newOffset
}

func isDailyFile(path string) bool {
	_, ok := fileDay(filepath.Base(path))
	return ok
}

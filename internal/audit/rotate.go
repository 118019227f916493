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
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ArchiveDirName is the subdirectory that holds compressed daily files.
const ArchiveDirName = "archive"

const (
	DefaultArchiveDays = 7
	DefaultDeleteDays  = 30
)

// RotationConfig controls the archival task.
type RotationConfig struct {
	// ArchiveDays is the age in days after which a daily file is
	// compressed into the archive directory.
	ArchiveDays int

	// DeleteDays is the age in days after which an archive is removed.
	DeleteDays int

	// DryRun reports what would change without touching any file.
	DryRun bool
}

func (c RotationConfig) withDefaults() RotationConfig {
	if c.ArchiveDays <= 0 {
		c.ArchiveDays = DefaultArchiveDays
	}
	if c.DeleteDays <= 0 {
		c.DeleteDays = DefaultDeleteDays
	}
	return c
}

// RotationReport lists what one run changed (or would change).
type RotationReport struct {
	Archived      []string
	Deleted       []string
	BytesArchived int64
}

// Rotator archives and deletes old daily audit files.
type Rotator struct {
	dir    string
	cfg    RotationConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewRotator creates a rotator for the audit directory dir.
func NewRotator(dir string, cfg RotationConfig, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{dir: dir, cfg: cfg.withDefaults(), now: time.Now, logger: logger}
}

// Run performs one archival pass. File age is taken from the date in the
// file name, not from its modification time.
func (r *Rotator) Run() (RotationReport, error) {
	var report RotationReport
	today := truncateDay(r.now())

	files, err := ListLogFiles(r.dir)
	if err != nil {
		return report, err
	}
	archiveCutoff := today.AddDate(0, 0, -r.cfg.ArchiveDays)
	for _, f := range files {
		day, ok := fileDay(filepath.Base(f))
		if !ok || !day.Before(archiveCutoff) {
			continue
		}
		n, err := r.archive(f)
		if err != nil {
			r.logger.Warn("audit: archive failed", "file", f, "error", err)
			continue
		}
		report.Archived = append(report.Archived, f)
		report.BytesArchived += n
	}

	archives, err := filepath.Glob(filepath.Join(r.dir, ArchiveDirName, "*"+LogExt+".gz"))
	if err != nil {
		return report, fmt.Errorf("audit: list archives: %w", err)
	}
	sort.Strings(archives)
	deleteCutoff := today.AddDate(0, 0, -r.cfg.DeleteDays)
	for _, a := range archives {
		day, ok := fileDay(strings.TrimSuffix(filepath.Base(a), ".gz"))
		if !ok || !day.Before(deleteCutoff) {
			continue
		}
		if !r.cfg.DryRun {
			if err := os.Remove(a); err != nil {
				r.logger.Warn("audit: delete archive failed", "file", a, "error", err)
				continue
			}
		}
		report.Deleted = append(report.Deleted, a)
	}

	r.logger.Debug("audit: rotation done",
		"archived", len(report.Archived),
		"deleted", len(report.Deleted),
		"dry_run", r.cfg.DryRun,
	)
	return report, nil
}

// archive gzips path into the archive directory and removes the original.
func (r *Rotator) archive(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if r.cfg.DryRun {
		return info.Size(), nil
	}

	archiveDir := filepath.Join(r.dir, ArchiveDirName)
	if err := os.MkdirAll(archiveDir, 0o700); err != nil {
		return 0, fmt.Errorf("create archive dir: %w", err)
	}
	dst := filepath.Join(archiveDir, filepath.Base(path)+".gz")

	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(archiveDir, ".archive-*.tmp")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	zw := gzip.NewWriter(tmp)
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("compress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Remove(path); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// fileDay parses the day out of "YYYY-MM-DD.log".
func fileDay(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, LogExt) {
		return time.Time{}, false
	}
	day, err := time.Parse(dayLayout, strings.TrimSuffix(name, LogExt))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

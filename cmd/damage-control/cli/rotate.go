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

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/damagecontrol/damage-control/internal/audit"
)

func newRotateCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Archive old audit logs and remove stale session files",
		Long: `Compresses daily audit files older than DAMAGE_CONTROL_LOG_ARCHIVE_DAYS
(default 7) into the archive directory, deletes archives older than
DAMAGE_CONTROL_LOG_DELETE_DAYS (default 30), and removes session files
not touched for DAMAGE_CONTROL_LOG_DELETE_DAYS.

Set DAMAGE_CONTROL_LOG_ROTATION=disabled to turn the task off, and
DAMAGE_CONTROL_LOG_DRY_RUN=true (or --dry-run) to only report.

Suitable for a daily cron job:
  0 3 * * * damage-control rotate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := newEnv(opts, cmd.ErrOrStderr())
			defer e.Close()

			out := cmd.OutOrStdout()
			cfg := e.cfg
			if !cfg.Rotation {
				fmt.Fprintln(out, "Log rotation is disabled (DAMAGE_CONTROL_LOG_ROTATION=disabled).")
				return nil
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("rotate: %w", err)
			}
			dry := dryRun || cfg.DryRun

			report, err := audit.NewRotator(cfg.LogDir, audit.RotationConfig{
				ArchiveDays: cfg.ArchiveDays,
				DeleteDays:  cfg.DeleteDays,
				DryRun:      dry,
			}, e.logger).Run()
			if err != nil {
				return fmt.Errorf("rotate: %w", err)
			}

			cutoff := time.Now().AddDate(0, 0, -cfg.DeleteDays)
			pruned, err := e.sessions().Prune(cutoff, dry)
			if err != nil {
				return fmt.Errorf("rotate: %w", err)
			}

			printRotation(out, report, pruned, dry)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without touching any file")
	return cmd
}

func printRotation(w io.Writer, report audit.RotationReport, pruned []string, dry bool) {
	prefix := ""
	if dry {
		prefix = "[dry run] would have "
	}
	for _, f := range report.Archived {
		fmt.Fprintf(w, "%sarchived %s\n", prefix, f)
	}
	for _, f := range report.Deleted {
		fmt.Fprintf(w, "%sdeleted %s\n", prefix, f)
	}
	for _, f := range pruned {
		fmt.Fprintf(w, "%sremoved session %s\n", prefix, f)
	}
	fmt.Fprintf(w, "%d archived (%s), %d archives deleted, %d sessions removed\n",
		len(report.Archived), humanize.Bytes(uint64(report.BytesArchived)), len(report.Deleted), len(pruned))
}

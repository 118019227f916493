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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/damagecontrol/damage-control/internal/audit"
)

const maxLogCommandWidth = 60

func newLogCmd(opts *rootOptions) *cobra.Command {
	var (
		count    int
		decision string
		session  string
		jsonOut  bool
		follow   bool
		noColorF bool
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print recent audit entries",
		Long: `Display recent decisions from the audit log.

Examples:
  damage-control log                    # Last 20 entries
  damage-control log -n 50              # Last 50 entries
  damage-control log --decision block   # Only blocks
  damage-control log --session abc123   # One session
  damage-control log --json             # Raw JSON lines (for piping)
  damage-control log --follow           # Keep printing new entries`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if decision != "" {
				switch strings.ToLower(decision) {
				case "allow", "ask", "block":
				default:
					return fmt.Errorf("log: invalid --decision %q (must be allow, ask or block)", decision)
				}
			}

			e := newEnv(opts, cmd.ErrOrStderr())
			defer e.Close()

			filter := audit.Filter{Decision: decision, SessionID: session}
			disableColor := noColorF || noColor()
			out := cmd.OutOrStdout()
			now := time.Now()

			entries, err := audit.ReadRecent(e.cfg.LogDir, filter, count)
			if err != nil {
				return fmt.Errorf("log: %w", err)
			}
			if len(entries) == 0 && !follow {
				fmt.Fprintln(out, "No entries found.")
				return nil
			}
			for _, entry := range entries {
				if err := writeLogEntry(out, entry, jsonOut, disableColor, now); err != nil {
					return err
				}
			}
			if !follow {
				return nil
			}
			return followLog(cmd, e.cfg.LogDir, filter, jsonOut, disableColor)
		},
	}

	cmd.Flags().IntVarP(&count, "number", "n", 20, "Number of entries to display")
	cmd.Flags().StringVar(&decision, "decision", "", "Only show this decision: allow, ask or block")
	cmd.Flags().StringVar(&session, "session", "", "Only show this session id")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output raw JSON lines")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new entries")
	cmd.Flags().BoolVar(&noColorF, "no-color", false, "Disable colored output")

	return cmd
}

// followLog tails today's file from its current end until the command
// context is cancelled.
func followLog(cmd *cobra.Command, dir string, filter audit.Filter, jsonOut, disableColor bool) error {
	path := filepath.Join(dir, audit.DailyFileName(time.Now()))
	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	out := cmd.OutOrStdout()
	for ev := range audit.NewTailer(path).Start(cmd.Context(), offset) {
		if ev.Err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "log: %v\n", ev.Err)
			continue
		}
		if !filter.Match(ev.Entry) {
			continue
		}
		if err := writeLogEntry(out, ev.Entry, jsonOut, disableColor, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

func writeLogEntry(w io.Writer, e audit.Entry, jsonOut, disableColor bool, now time.Time) error {
	if jsonOut {
		if err := json.NewEncoder(w).Encode(e); err != nil {
			return fmt.Errorf("log: encode entry: %w", err)
		}
		return nil
	}
	_, err := fmt.Fprintln(w, formatLogLine(e, disableColor, now))
	return err
}

// formatLogLine produces a single pretty-printed line for an entry.
func formatLogLine(e audit.Entry, disableColor bool, now time.Time) string {
	icon, _ := decisionMeta(e.Decision)

	when := e.Timestamp.Local().Format("15:04:05")
	if now.Sub(e.Timestamp) < 24*time.Hour {
		when = fmt.Sprintf("%s (%s)", when, humanize.RelTime(e.Timestamp, now, "ago", "from now"))
	} else {
		when = e.Timestamp.Local().Format("2006-01-02 15:04")
	}

	rule := e.PatternID
	if rule == "" {
		rule = e.Source
	}

	line := fmt.Sprintf("%s %s %-5s %-*s %s",
		when, icon, e.Decision, maxLogCommandWidth, truncateRunes(e.Command, maxLogCommandWidth), rule)
	return paint(e.Decision, line, disableColor)
}

func truncateRunes(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}

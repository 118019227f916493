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
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/damagecontrol/damage-control/internal/ast"
	"github.com/damagecontrol/damage-control/internal/engine"
	"github.com/damagecontrol/damage-control/internal/firewall"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var (
		jsonOut  bool
		noColorF bool
		filePath string
	)

	cmd := &cobra.Command{
		Use:   "check <command>",
		Short: "Show how the firewall decides a command without running it",
		Long: `Dry-runs the decision pipeline. The session gate is skipped, nothing is
recorded, and nothing is written to the audit log.

Exit code: 2 if the command would be blocked.

Examples:
  damage-control check "rm -rf /"
  damage-control check "bash -c 'git push --force'"
  damage-control check --file docs/ops.md "echo 'shutdown -h now' >> docs/ops.md"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := newEnv(opts, cmd.ErrOrStderr())
			defer e.Close()

			var meta map[string]any
			if filePath != "" {
				meta = map[string]any{"file_path": filePath}
			}
			command := strings.Join(args, " ")

			start := time.Now()
			res, err := e.firewall(false).Inspect(cmd.Context(), command, meta)
			if err != nil {
				return fmt.Errorf("check: %w", err)
			}
			elapsed := time.Since(start)

			out := cmd.OutOrStdout()
			if jsonOut {
				if err := json.NewEncoder(out).Encode(firewall.NewOutput(res.Decision)); err != nil {
					return fmt.Errorf("check: encode: %w", err)
				}
			} else {
				printCheckResult(out, res, elapsed, noColorF || noColor())
			}
			if res.Decision.Blocked() {
				return exitCodeError{code: firewall.ExitBlock}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the hook output JSON instead")
	cmd.Flags().BoolVar(&noColorF, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&filePath, "file", "", "Treat the command as writing to this file (documentation context)")
	return cmd
}

func printCheckResult(w io.Writer, res firewall.Result, elapsed time.Duration, disableColor bool) {
	d := res.Decision
	label := d.Action.String()
	icon, _ := decisionMeta(label)

	reason := d.Reason
	if reason == "" {
		reason = "no rule matched"
	}
	fmt.Fprintf(w, "%s %s  %s\n", icon, paint(label, strings.ToUpper(label), disableColor), reason)
	fmt.Fprintf(w, "   Source: %s\n", d.Source)
	if d.PatternID != "" {
		fmt.Fprintf(w, "   Rule:   %s  %s\n", d.PatternID, d.PatternText)
	}
	if res.ReadOnly {
		fmt.Fprintln(w, "   Read-only search pipeline")
	}
	if res.Context.Kind != engine.ContextNone {
		fmt.Fprintf(w, "   Context: %s %s\n", res.Context.Kind, res.Context.FilePath)
	}

	if len(res.Chain) > 1 {
		fmt.Fprintln(w, "   Unwrap chain:")
		for _, l := range res.Chain {
			wrapper := "outer"
			if l.Wrapper != "" {
				wrapper = l.Wrapper + " -c"
			}
			fmt.Fprintf(w, "     [%d] %-10s %s\n", l.Depth, wrapper, l.Command)
		}
	}
	if len(res.Matches) > 0 {
		fmt.Fprintln(w, "   Matched rules:")
		for _, m := range res.Matches {
			action := m.Rule.Action().String()
			fmt.Fprintf(w, "     %-16s %-5s %s\n", m.Rule.ID(), paint(action, action, disableColor), m.Rule.Reason)
		}
	}

	switch {
	case res.ASTError == nil:
	case errors.Is(res.ASTError, ast.ErrUnavailable):
		fmt.Fprintln(w, "   AST pass: skipped (bash parser not built in)")
	default:
		fmt.Fprintf(w, "   AST pass: skipped (%v)\n", res.ASTError)
	}
	fmt.Fprintf(w, "   Eval: %s\n", formatDuration(elapsed))
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

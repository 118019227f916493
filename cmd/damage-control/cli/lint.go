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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/damagecontrol/damage-control/internal/engine"
)

func newLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <file>",
		Short: "Lint a rule file for common mistakes",
		Long: `Lint a rule file for errors, warnings, and suggestions.

Checks for:
  - Invalid YAML syntax
  - Unknown or misspelled keys
  - Patterns that do not compile (the rule would be dropped)
  - sessionScope on hard-block rules
  - Duplicate patterns
  - Out-of-range shellUnwrapDepth and astAnalysis.timeoutMs

Exit code: 1 if errors found, 0 if only warnings/info.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("lint: file not found: %s", path)
			}

			result := engine.LintRuleFile(path)
			for _, f := range result.Findings {
				fmt.Fprintln(cmd.OutOrStdout(), f.String())
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Summary(path))

			if result.HasErrors() {
				return exitCodeError{code: 1}
			}
			return nil
		},
	}
}

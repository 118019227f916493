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

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/damagecontrol/damage-control/internal/engine"
	"github.com/damagecontrol/damage-control/internal/firewall"
	"github.com/damagecontrol/damage-control/policies"
)

func newTestCmd(opts *rootOptions) *cobra.Command {
	var noColorF bool

	cmd := &cobra.Command{
		Use:   "test [file]",
		Short: "Run the tests of a rule file",
		Long: `Runs command expectations through the firewall without executing them.

The file is either a rule file with an inline "tests:" list, or a test
suite with "rules: <path>" and "tests:". Without a file, the inline tests
of the active rule file are run.

Example suite:
  rules: patterns.yaml
  tests:
    - name: root wipe
      command: rm -rf /
      expect: block
      expect_pattern: yaml_pattern_0

Exit code: 1 if any test fails.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := newEnv(opts, cmd.ErrOrStderr())
			defer e.Close()

			var (
				suite *engine.TestSuite
				store engine.PolicyStore
				err   error
			)
			if len(args) == 1 {
				suite, store, err = loadSuite(args[0], e)
			} else {
				suite, store, err = activeSuite(e)
			}
			if err != nil {
				return err
			}
			if suite == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "No tests found in %s.\n", store.Path())
				return nil
			}

			rules := engine.NewLoader(store)
			if _, err := rules.Load(); err != nil {
				return fmt.Errorf("test: %w", err)
			}
			fw := firewall.New(firewall.Options{Rules: rules, Logger: e.logger})
			eval := func(command string) engine.Decision {
				res, err := fw.Inspect(cmd.Context(), command, nil)
				if err != nil {
					return engine.Decision{Action: engine.ActionAsk, Reason: err.Error()}
				}
				return res.Decision
			}

			results := engine.RunTests(eval, suite)
			if failed := printTestResults(cmd.OutOrStdout(), results, noColorF || noColor()); failed > 0 {
				return exitCodeError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noColorF, "no-color", false, "Disable colored output")
	return cmd
}

// loadSuite reads path as a test suite when it names a rule file, and as
// a rule file with inline tests otherwise.
func loadSuite(path string, e *env) (*engine.TestSuite, engine.PolicyStore, error) {
	suite, err := engine.LoadTestSuite(path)
	if err == nil && suite.Rules != "" {
		return suite, engine.NewFileStore(suite.Rules, e.logger), nil
	}
	suite, err = engine.LoadInlineTests(path)
	if err != nil {
		return nil, nil, fmt.Errorf("test: %w", err)
	}
	return suite, engine.NewFileStore(path, e.logger), nil
}

// activeSuite returns the inline tests of the rule file in use.
func activeSuite(e *env) (*engine.TestSuite, engine.PolicyStore, error) {
	store := e.cfg.RulesStore(e.logger)
	if store.Path() != policies.DefaultName {
		suite, err := engine.LoadInlineTests(store.Path())
		if err != nil {
			return nil, nil, fmt.Errorf("test: %w", err)
		}
		return suite, store, nil
	}

	var inline struct {
		Tests []engine.TestCase `yaml:"tests"`
	}
	if err := yaml.Unmarshal(policies.Default(), &inline); err != nil {
		return nil, nil, fmt.Errorf("test: parse built-in tests: %w", err)
	}
	if len(inline.Tests) == 0 {
		return nil, store, nil
	}
	return &engine.TestSuite{Rules: store.Path(), Tests: inline.Tests}, store, nil
}

func printTestResults(w io.Writer, results []engine.TestResult, disableColor bool) int {
	failed := 0
	for _, r := range results {
		switch {
		case r.Error != nil:
			failed++
			fmt.Fprintf(w, "%s %s: %v\n", paint("block", "ERROR", disableColor), r.Case.Name, r.Error)
		case r.Passed:
			fmt.Fprintf(w, "%s %s\n", paint("allow", "PASS ", disableColor), r.Case.Name)
		default:
			failed++
			fmt.Fprintf(w, "%s %s\n", paint("block", "FAIL ", disableColor), r.Case.Name)
			fmt.Fprintf(w, "      command:  %s\n", r.Case.Command)
			fmt.Fprintf(w, "      expected: %s", r.ExpectedAction)
			if r.Case.ExpectPattern != "" {
				fmt.Fprintf(w, " (%s)", r.Case.ExpectPattern)
			}
			if r.Case.ExpectSource != "" {
				fmt.Fprintf(w, " [%s]", r.Case.ExpectSource)
			}
			fmt.Fprintf(w, "\n      got:      %s", r.Decision.Action)
			if r.Decision.PatternID != "" {
				fmt.Fprintf(w, " (%s)", r.Decision.PatternID)
			}
			fmt.Fprintf(w, " [%s] %s\n", r.Decision.Source, r.Decision.Reason)
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed\n", len(results)-failed, failed)
	return failed
}

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

// Package cli implements the damage-control command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/damagecontrol/damage-control/internal/config"
)

type rootOptions struct {
	v     *viper.Viper
	stdin io.Reader
}

// Execute runs the damage-control command tree.
func Execute() error {
	return execute(os.Args[1:])
}

// ExecuteAllow runs the allow command as its own binary (dc-allow).
func ExecuteAllow() error {
	return execute(append([]string{"allow"}, os.Args[1:]...))
}

func execute(args []string) error {
	cmd := NewRootCmd(context.Background(), os.Stdin, os.Stdout, os.Stderr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		var ec interface{ ExitCode() int }
		if !errors.As(err, &ec) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		return err
	}
	return nil
}

// ExitCode returns the process exit code implied by err.
// Non-nil errors default to exit code 1 unless they expose ExitCode().
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) {
		code := ec.ExitCode()
		if code > 0 {
			return code
		}
	}

	return 1
}

// exitCodeError ends the process with code after any output was written.
type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e exitCodeError) Unwrap() error { return e.err }

func (e exitCodeError) ExitCode() int {
	if e.code < 1 {
		return 1
	}
	return e.code
}

// NewRootCmd builds the damage-control root command.
func NewRootCmd(ctx context.Context, in io.Reader, outWriter, errWriter io.Writer) *cobra.Command {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := &rootOptions{v: config.New(), stdin: in}

	cmd := &cobra.Command{
		Use:   "damage-control",
		Short: "Pre-execution firewall for shell commands run by AI agents",
		Long: `damage-control inspects every Bash command an agent is about to run and
answers allow, ask or block before it executes.

Claude Code setup (add to ~/.claude/settings.json):
{
  "hooks": {
    "PreToolUse": [
      {
        "matcher": "Bash",
        "hooks": [{ "type": "command", "command": "damage-control hook" }]
      }
    ]
  }
}`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			config.BindFlags(opts.v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.SetContext(ctx)
	cmd.SetIn(in)
	cmd.SetOut(outWriter)
	cmd.SetErr(errWriter)

	pf := cmd.PersistentFlags()
	pf.String("config", "", "Rule file (default: <home>/patterns.yaml, else the built-in rules)")
	pf.String("home", "", "Hook home directory (default: ~/.claude/hooks/damage-control)")
	pf.String("log-dir", "", "Audit log directory (default: ~/.claude/logs/damage-control)")
	pf.Bool("verbose", false, "Enable debug logging")

	const (
		groupHooks = "hooks"
		groupRules = "rules"
		groupLogs  = "logs"
	)
	cmd.AddGroup(
		&cobra.Group{ID: groupHooks, Title: "Hooks"},
		&cobra.Group{ID: groupRules, Title: "Rules"},
		&cobra.Group{ID: groupLogs, Title: "Audit log"},
	)

	hookCmd := newHookCmd(opts)
	allowCmd := newAllowCmd(opts)
	checkCmd := newCheckCmd(opts)
	testCmd := newTestCmd(opts)
	lintCmd := newLintCmd()
	logCmd := newLogCmd(opts)
	rotateCmd := newRotateCmd(opts)

	hookCmd.GroupID = groupHooks
	allowCmd.GroupID = groupHooks
	checkCmd.GroupID = groupRules
	testCmd.GroupID = groupRules
	lintCmd.GroupID = groupRules
	logCmd.GroupID = groupLogs
	rotateCmd.GroupID = groupLogs

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(hookCmd)
	cmd.AddCommand(allowCmd)
	cmd.AddCommand(checkCmd)
	cmd.AddCommand(testCmd)
	cmd.AddCommand(lintCmd)
	cmd.AddCommand(logCmd)
	cmd.AddCommand(rotateCmd)

	return cmd
}

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

	"github.com/spf13/cobra"

	"github.com/damagecontrol/damage-control/internal/firewall"
)

// maxHookInput bounds how much of stdin the hook reads.
const maxHookInput = 4 << 20

func newHookCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hook",
		Short: "PreToolUse hook: reads the event JSON on stdin, writes the decision JSON",
		Long: `Evaluates one hook event and answers allow, ask or block.

Exit codes:
  0  allow or ask
  2  block
  1  the firewall could not decide; treat as ask`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHook(cmd, opts)
		},
	}
}

func runHook(cmd *cobra.Command, opts *rootOptions) (err error) {
	out := cmd.OutOrStdout()
	e := newEnv(opts, cmd.ErrOrStderr())
	defer e.Close()

	// Anything that escapes below is answered with the fail-safe ask.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("hook: panic", "panic", r)
			err = failSafe(out, fmt.Errorf("internal error: %v", r))
		}
	}()

	data, err := io.ReadAll(io.LimitReader(opts.stdin, maxHookInput))
	if err != nil {
		e.logger.Warn("hook: read input", "error", err)
		return failSafe(out, fmt.Errorf("read hook input: %w", err))
	}
	ev, err := firewall.ParseEvent(data)
	if err != nil {
		e.logger.Warn("hook: parse input", "error", err)
		return failSafe(out, err)
	}
	// dc-allow keys on CLAUDE_SESSION_ID; use it when the event has none
	// so both write the same session.
	if ev.SessionID == "" {
		ev.SessionID = e.cfg.SessionID
	}

	res, err := e.firewall(true).Decide(cmd.Context(), ev)
	if err != nil {
		e.logger.Error("hook: cannot evaluate", "error", err)
		return failSafe(out, err)
	}

	d := res.Decision
	if err := writeHookOutput(out, firewall.NewOutput(d)); err != nil {
		return exitCodeError{code: firewall.ExitInternal, err: err}
	}
	if d.Blocked() {
		fmt.Fprint(cmd.ErrOrStderr(), formatBlockMessage(ev.Command, d.Reason))
		return exitCodeError{code: firewall.ExitBlock}
	}
	return nil
}

func writeHookOutput(w io.Writer, out firewall.Output) error {
	if err := json.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("hook: write output: %w", err)
	}
	return nil
}

// failSafe writes the error response and exits 1 so the host asks.
func failSafe(w io.Writer, cause error) error {
	if err := writeHookOutput(w, firewall.ErrorOutput(cause)); err != nil {
		return exitCodeError{code: firewall.ExitInternal, err: err}
	}
	return exitCodeError{code: firewall.ExitInternal}
}

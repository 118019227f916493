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
	"strings"

	"github.com/spf13/cobra"

	"github.com/damagecontrol/damage-control/internal/firewall"
)

func newAllowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "allow <command>",
		Short: "Pre-approve the ask-pattern a command triggers for this session",
		Long: `Runs the command through the firewall without executing it and adds the
first matching ask-pattern to the current session's allow list. Later
commands matching that pattern are allowed without a prompt until the
session ends.

Blocked commands cannot be pre-approved. Requires CLAUDE_SESSION_ID.

Examples:
  damage-control allow docker compose down
  dc-allow "sudo systemctl restart nginx"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := newEnv(opts, cmd.ErrOrStderr())
			defer e.Close()

			command := strings.Join(args, " ")
			approval, err := e.firewall(false).Approve(cmd.Context(), e.cfg.SessionID, command)
			var blocked *firewall.BlockedError
			switch {
			case errors.Is(err, firewall.ErrNoSession):
				return fmt.Errorf("allow: CLAUDE_SESSION_ID is not set; run this from inside the agent session")
			case errors.As(err, &blocked):
				return fmt.Errorf("allow: %q is blocked (%s) and cannot be pre-approved", command, blocked.Decision.Reason)
			case errors.Is(err, firewall.ErrNoAskPattern):
				return fmt.Errorf("allow: no ask-pattern matches %q; nothing to approve", command)
			case err != nil:
				return fmt.Errorf("allow: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Matching ask-patterns:")
			for _, m := range approval.Matches {
				fmt.Fprintf(out, "  %-16s %s\n", m.Rule.ID(), m.Rule.Reason)
			}
			id := approval.Approved.Rule.ID()
			if approval.AlreadyApproved {
				fmt.Fprintf(out, "%s was already approved for session %s.\n", id, e.cfg.SessionID)
				return nil
			}
			fmt.Fprintf(out, "Approved %s for session %s.\n", id, e.cfg.SessionID)
			return nil
		},
	}
}

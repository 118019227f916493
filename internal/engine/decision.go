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

// Package engine implements the policy passes of the damage-control bash
// firewall.
//
// A shell command is normalized, peeled of shell wrappers, and scanned by
// a regex rule list and a semantic git analyzer. Each pass produces a
// Decision; decisions compose by severity, so a later pass can raise the
// verdict but never lower it. The AST pass, the session gate and the
// orchestrator live in sibling packages and build on the types here.
package engine

import (
	"fmt"
	"strings"
)

// Action is the verdict of a policy pass. Values are ordered by severity.
type Action int

const (
	// ActionAllow lets the command run.
	ActionAllow Action = iota

	// ActionAsk defers to the human via the host's permission prompt.
	ActionAsk

	// ActionBlock refuses the command.
	ActionBlock
)

// String returns the wire name of the action.
func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionAsk:
		return "ask"
	case ActionBlock:
		return "block"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAction converts a wire name to an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return ActionAllow, nil
	case "ask":
		return ActionAsk, nil
	case "block", "deny":
		return ActionBlock, nil
	default:
		return ActionAllow, fmt.Errorf("engine: unknown action %q", s)
	}
}

// Source names the pass that produced a decision.
type Source string

const (
	SourceRegex   Source = "regex"
	SourceGit     Source = "git-semantic"
	SourceAST     Source = "ast"
	SourceSession Source = "session-allow"
	SourceContext Source = "context"
)

// Decision is the result of one policy pass, or of the whole pipeline.
type Decision struct {
	// Action is the verdict.
	Action Action

	// Reason is a human-readable explanation. Always set for ask and block.
	Reason string

	// PatternID identifies the rule that fired ("yaml_pattern_<N>").
	// Empty for verdicts that did not come from a rule.
	PatternID string

	// PatternText is the source regex of the rule that fired.
	PatternText string

	// MatchedText is the substring the rule matched.
	MatchedText string

	// UnwrapDepth is the wrapper depth of the string the rule matched.
	// Zero for the outer command.
	UnwrapDepth int

	// Semantic is true when the git analyzer produced the verdict.
	Semantic bool

	// Source is the pass that produced the verdict.
	Source Source
}

// Allow returns an allow decision attributed to source.
func Allow(reason string, source Source) Decision {
	return Decision{Action: ActionAllow, Reason: reason, Source: source}
}

// Allowed reports whether the decision lets the command run.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Blocked reports whether the decision refuses the command.
func (d Decision) Blocked() bool {
	return d.Action == ActionBlock
}

// Max returns the most severe of the given decisions. On a tie the
// earliest argument wins, so callers pass candidates in priority order.
// Max of no decisions is an allow.
func Max(decisions ...Decision) Decision {
	if len(decisions) == 0 {
		return Allow("", SourceRegex)
	}
	best := decisions[0]
	for _, d := range decisions[1:] {
		if d.Action > best.Action {
			best = d
		}
	}
	return best
}

// Downgrade lowers the decision by exactly one severity level.
// Allow stays allow.
func (d Decision) Downgrade() Decision {
	switch d.Action {
	case ActionBlock:
		d.Action = ActionAsk
	case ActionAsk:
		d.Action = ActionAllow
	}
	return d
}

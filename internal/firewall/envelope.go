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

package firewall

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/damagecontrol/damage-control/internal/engine"
)

// BashTool is the only tool the firewall inspects.
const BashTool = "Bash"

// Event is one hook invocation. Both the flat envelope
// ({"tool","command",...}) and the Claude Code PreToolUse envelope
// ({"tool_name","tool_input":{"command"}}) decode into it.
type Event struct {
	SessionID string
	Tool      string
	Command   string
	Cwd       string

	// Meta feeds context detection: event_meta plus, for the native
	// envelope, tool_input.
	Meta map[string]any
}

// ParseEvent decodes a hook envelope.
func ParseEvent(data []byte) (Event, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Event{}, errors.New("firewall: empty hook input")
	}
	if !gjson.ValidBytes(data) {
		return Event{}, errors.New("firewall: hook input is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Event{}, errors.New("firewall: hook input must be a JSON object")
	}

	ev := Event{
		SessionID: firstString(root, "session_id", "sessionId"),
		Tool:      firstString(root, "tool", "tool_name"),
		Command:   firstString(root, "command", "tool_input.command"),
		Cwd:       firstString(root, "cwd"),
	}

	meta := map[string]any{}
	if m, ok := root.Get("event_meta").Value().(map[string]any); ok {
		for k, v := range m {
			meta[k] = v
		}
	}
	if ti, ok := root.Get("tool_input").Value().(map[string]any); ok {
		meta["tool_input"] = ti
	}
	if len(meta) > 0 {
		ev.Meta = meta
	}
	return ev, nil
}

func firstString(root gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := root.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// HookDecision is the hookSpecificOutput block read natively by Claude
// Code.
type HookDecision struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

// Output is the JSON object written to stdout.
type Output struct {
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	Source    string `json:"source"`
	PatternID string `json:"pattern_id,omitempty"`

	// Error is set when the firewall could not evaluate the command.
	Error string `json:"error,omitempty"`

	HookSpecificOutput HookDecision `json:"hookSpecificOutput"`
}

// NewOutput renders d. Allow leaves permissionDecision empty so the
// host's own permission rules still apply.
func NewOutput(d engine.Decision) Output {
	out := Output{
		Decision:  d.Action.String(),
		Reason:    d.Reason,
		Source:    string(d.Source),
		PatternID: d.PatternID,
		HookSpecificOutput: HookDecision{
			HookEventName: "PreToolUse",
		},
	}
	switch d.Action {
	case engine.ActionBlock:
		out.HookSpecificOutput.PermissionDecision = "deny"
		out.HookSpecificOutput.PermissionDecisionReason = "Damage Control: " + d.Reason
	case engine.ActionAsk:
		out.HookSpecificOutput.PermissionDecision = "ask"
		out.HookSpecificOutput.PermissionDecisionReason = "Damage Control: " + d.Reason
	}
	return out
}

// ErrorOutput is the fail-safe response when evaluation failed.
func ErrorOutput(err error) Output {
	reason := fmt.Sprintf("firewall error: %v", err)
	out := NewOutput(engine.Decision{Action: engine.ActionAsk, Reason: reason})
	out.Source = "error"
	out.Error = err.Error()
	return out
}

// Exit codes of the hook process.
const (
	ExitOK       = 0
	ExitInternal = 1
	ExitBlock    = 2
)

// ExitCode maps a decision onto the hook exit code.
func ExitCode(d engine.Decision) int {
	if d.Blocked() {
		return ExitBlock
	}
	return ExitOK
}

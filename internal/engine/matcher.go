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

package engine

import (
	"strings"
	"sync"
)

// ruleFindFunc can be set in tests to override rule matching. Must be
// set before any concurrent evaluation.
var (
	ruleFindFunc func(*Rule, string) (string, bool)
	ruleFindMu   sync.RWMutex
)

func findRule(r *Rule, value string) (string, bool) {
	ruleFindMu.RLock()
	fn := ruleFindFunc
	ruleFindMu.RUnlock()
	if fn != nil {
		return fn(r, value)
	}
	return r.Find(value)
}

// RuleMatch records one rule firing against the unwrap chain.
type RuleMatch struct {
	Rule        *Rule
	MatchedText string
	Depth       int
	// Target is the chain string the rule matched.
	Target string
}

// Decision converts the match into a regex-sourced decision.
func (m RuleMatch) Decision() Decision {
	return Decision{
		Action:      m.Rule.Action(),
		Reason:      m.Rule.Reason,
		PatternID:   m.Rule.ID(),
		PatternText: m.Rule.Pattern,
		MatchedText: m.MatchedText,
		UnwrapDepth: m.Depth,
		Source:      SourceRegex,
	}
}

// scanTargets returns the strings a layer is matched against: the layer
// itself and, when different, its dequoted form so 'rm' -rf / reads the
// same as rm -rf /.
func scanTargets(layer Layer) []string {
	targets := []string{layer.Command}
	if n := NormalizeCommand(layer.Command); n != "" && n != layer.Command {
		targets = append(targets, n)
	}
	return targets
}

// ScanAll applies every rule to every string in the chain and returns at
// most one match per rule, in rule order. For each rule the shallowest
// matching layer is reported.
func ScanAll(cfg *Config, chain []Layer) []RuleMatch {
	if cfg == nil {
		return nil
	}
	var matches []RuleMatch
	for _, r := range cfg.Rules() {
	layers:
		for _, layer := range chain {
			for _, target := range scanTargets(layer) {
				if text, ok := findRule(r, target); ok {
					matches = append(matches, RuleMatch{
						Rule:        r,
						MatchedText: text,
						Depth:       layer.Depth,
						Target:      layer.Command,
					})
					break layers
				}
			}
		}
	}
	return matches
}

// Scan returns the regex verdict for the chain: the lowest-id hard-block
// match if any, else the lowest-id ask match, else allow.
func Scan(cfg *Config, chain []Layer) Decision {
	return Strongest(ScanAll(cfg, chain))
}

// Strongest picks the verdict from a set of matches ordered by rule id.
func Strongest(matches []RuleMatch) Decision {
	var ask *RuleMatch
	for i := range matches {
		m := &matches[i]
		if m.Rule.Action() == ActionBlock {
			return m.Decision()
		}
		if ask == nil {
			ask = m
		}
	}
	if ask != nil {
		return ask.Decision()
	}
	return Allow("", SourceRegex)
}

// ScanString runs the rule list against a single command string.
func ScanString(cfg *Config, cmd string) Decision {
	return Scan(cfg, []Layer{{Command: cmd}})
}

// AskMatches filters matches down to ask-rules.
func AskMatches(matches []RuleMatch) []RuleMatch {
	var out []RuleMatch
	for _, m := range matches {
		if m.Rule.Ask {
			out = append(out, m)
		}
	}
	return out
}

// ChainStrings returns the command strings of the chain below the outer
// command.
func ChainStrings(chain []Layer) []string {
	if len(chain) <= 1 {
		return nil
	}
	out := make([]string, 0, len(chain)-1)
	for _, l := range chain[1:] {
		out = append(out, strings.TrimSpace(l.Command))
	}
	return out
}

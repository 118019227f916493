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
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// LintSeverity represents the severity of a lint finding.
type LintSeverity int

const (
	LintInfo LintSeverity = iota
	LintWarning
	LintError
)

func (s LintSeverity) String() string {
	switch s {
	case LintInfo:
		return "info"
	case LintWarning:
		return "warning"
	case LintError:
		return "error"
	default:
		return "unknown"
	}
}

// LintFinding represents a single lint diagnostic.
type LintFinding struct {
	File     string
	Line     int
	Severity LintSeverity
	Message  string
}

func (f LintFinding) String() string {
	if f.Line > 0 {
		return fmt.Sprintf("%s:%d: %s: %s", f.File, f.Line, f.Severity, f.Message)
	}
	return fmt.Sprintf("%s: %s: %s", f.File, f.Severity, f.Message)
}

// LintResult is the output of linting a rule file.
type LintResult struct {
	Findings []LintFinding
	Errors   int
	Warnings int
	Infos    int
}

var validTopLevelKeys = map[string]bool{
	"bashToolPatterns":       true,
	"safeCommands":           true,
	"dangerousCommands":      true,
	"readOnlySearchCommands": true,
	"astAnalysis":            true,
	"shellUnwrapDepth":       true,
	"tests":                  true,
}

var validRuleKeys = map[string]bool{
	"pattern":          true,
	"reason":           true,
	"ask":              true,
	"sessionScope":     true,
	"contextSensitive": true,
}

// commonKeyTypos maps frequent misspellings to the intended key.
var commonKeyTypos = map[string]string{
	"bashPatterns":      "bashToolPatterns",
	"patterns":          "bashToolPatterns",
	"safe_commands":     "safeCommands",
	"dangerous":         "dangerousCommands",
	"readOnlyCommands":  "readOnlySearchCommands",
	"ast":               "astAnalysis",
	"session_scope":     "sessionScope",
	"sessionscope":      "sessionScope",
	"context_sensitive": "contextSensitive",
	"message":           "reason",
	"regex":             "pattern",
	"action":            "ask",
}

// LintRuleFile lints a rule file on disk.
func LintRuleFile(path string) LintResult {
	data, err := os.ReadFile(path)
	if err != nil {
		result := LintResult{}
		result.add(LintFinding{File: path, Severity: LintError, Message: fmt.Sprintf("cannot read file: %v", err)})
		return result
	}
	return LintRuleBytes(data, path)
}

// LintRuleBytes lints rule file content. filename is used in findings.
func LintRuleBytes(data []byte, filename string) LintResult {
	result := LintResult{}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		result.add(LintFinding{File: filename, Severity: LintError, Message: fmt.Sprintf("invalid YAML: %v", err)})
		return result
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		result.add(LintFinding{File: filename, Severity: LintError, Message: "rule file must be a mapping"})
		return result
	}
	doc := root.Content[0]

	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if !validTopLevelKeys[key.Value] {
			result.add(unknownKey(filename, key, "top-level key"))
		}
	}

	patterns := findMapValue(doc, "bashToolPatterns")
	if patterns == nil || patterns.Kind != yaml.SequenceNode || len(patterns.Content) == 0 {
		result.add(LintFinding{File: filename, Severity: LintWarning, Message: "bashToolPatterns is empty; only the git and AST passes will run"})
	} else {
		lintPatterns(filename, patterns, &result)
	}

	if ast := findMapValue(doc, "astAnalysis"); ast != nil {
		if t := findMapValue(ast, "timeoutMs"); t != nil {
			var ms int
			if err := t.Decode(&ms); err == nil && int64(ms) > maxASTTimeout.Milliseconds() {
				result.add(LintFinding{File: filename, Line: t.Line, Severity: LintInfo,
					Message: fmt.Sprintf("astAnalysis.timeoutMs %d is capped at %d", ms, maxASTTimeout.Milliseconds())})
			}
		}
	}

	if d := findMapValue(doc, "shellUnwrapDepth"); d != nil {
		var depth int
		if err := d.Decode(&depth); err == nil && (depth < 0 || depth > MaxUnwrapDepth) {
			result.add(LintFinding{File: filename, Line: d.Line, Severity: LintWarning,
				Message: fmt.Sprintf("shellUnwrapDepth %d is outside 1..%d; %d is used", depth, MaxUnwrapDepth, MaxUnwrapDepth)})
		}
	}

	return result
}

func lintPatterns(filename string, seq *yaml.Node, result *LintResult) {
	seen := make(map[string]int)
	for idx, node := range seq.Content {
		id := PatternID(idx)
		if node.Kind != yaml.MappingNode {
			result.add(LintFinding{File: filename, Line: node.Line, Severity: LintError,
				Message: fmt.Sprintf("%s: rule must be a mapping", id)})
			continue
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if !validRuleKeys[key.Value] {
				result.add(unknownKey(filename, key, id+" field"))
			}
		}

		var r Rule
		if err := node.Decode(&r); err != nil {
			result.add(LintFinding{File: filename, Line: node.Line, Severity: LintError,
				Message: fmt.Sprintf("%s: %v", id, err)})
			continue
		}

		if strings.TrimSpace(r.Pattern) == "" {
			result.add(LintFinding{File: filename, Line: node.Line, Severity: LintError,
				Message: fmt.Sprintf("%s: missing pattern", id)})
			continue
		}
		if _, err := regexp.Compile("(?i)" + r.Pattern); err != nil {
			result.add(LintFinding{File: filename, Line: node.Line, Severity: LintError,
				Message: fmt.Sprintf("%s: invalid pattern, rule will be dropped: %v", id, err)})
		}
		if r.Reason == "" {
			result.add(LintFinding{File: filename, Line: node.Line, Severity: LintInfo,
				Message: fmt.Sprintf("%s: no reason given", id)})
		}
		if r.SessionScope && !r.Ask {
			result.add(LintFinding{File: filename, Line: node.Line, Severity: LintWarning,
				Message: fmt.Sprintf("%s: sessionScope has no effect on a hard-block rule", id)})
		}
		if prev, dup := seen[r.Pattern]; dup {
			result.add(LintFinding{File: filename, Line: node.Line, Severity: LintWarning,
				Message: fmt.Sprintf("%s: duplicate of %s", id, PatternID(prev))})
		} else {
			seen[r.Pattern] = idx
		}
	}
}

func unknownKey(filename string, key *yaml.Node, what string) LintFinding {
	msg := fmt.Sprintf("unknown %s %q", what, key.Value)
	if suggestion, ok := commonKeyTypos[key.Value]; ok {
		msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
	}
	return LintFinding{File: filename, Line: key.Line, Severity: LintWarning, Message: msg}
}

func findMapValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Kind == yaml.ScalarNode && node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func (r *LintResult) add(f LintFinding) {
	r.Findings = append(r.Findings, f)
	switch f.Severity {
	case LintError:
		r.Errors++
	case LintWarning:
		r.Warnings++
	case LintInfo:
		r.Infos++
	}
}

// Summary returns a human-readable summary line.
func (r LintResult) Summary(filename string) string {
	parts := []string{}
	if r.Errors > 0 {
		parts = append(parts, fmt.Sprintf("%d error(s)", r.Errors))
	}
	if r.Warnings > 0 {
		parts = append(parts, fmt.Sprintf("%d warning(s)", r.Warnings))
	}
	if r.Infos > 0 {
		parts = append(parts, fmt.Sprintf("%d info(s)", r.Infos))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s: no issues found", filename)
	}
	return fmt.Sprintf("%s: %s", filename, strings.Join(parts, ", "))
}

// HasErrors returns true if any error-level findings exist.
func (r LintResult) HasErrors() bool {
	return r.Errors > 0
}

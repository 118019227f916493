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
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ContextKind classifies the surroundings of a command.
type ContextKind string

const (
	ContextNone          ContextKind = ""
	ContextDocumentation ContextKind = "documentation"
	ContextCommitMessage ContextKind = "commit-message"
)

var proseExtensions = map[string]bool{
	".md":   true,
	".rst":  true,
	".txt":  true,
	".adoc": true,
}

// IsProseFile reports whether p has a documentation extension.
func IsProseFile(p string) bool {
	return proseExtensions[strings.ToLower(filepath.Ext(p))]
}

// EventContext is the advisory context of one invocation.
type EventContext struct {
	Kind ContextKind

	// FilePath is the prose file being written, for documentation context.
	FilePath string

	// Structural is the command with prose content removed: heredoc
	// bodies and quoted text for documentation, the message for commits.
	// A context-sensitive rule that still matches it is not relaxed.
	Structural string
}

// DetectContext infers the context of cmd from the event metadata and
// from the command itself. meta may be nil.
func DetectContext(cmd string, meta map[string]any) EventContext {
	if fp := metaFilePath(meta); fp != "" && IsProseFile(fp) {
		return EventContext{Kind: ContextDocumentation, FilePath: fp, Structural: stripProse(cmd)}
	}
	if structural, ok := stripCommitMessage(cmd); ok {
		return EventContext{Kind: ContextCommitMessage, Structural: structural}
	}
	if fp := proseWriteTarget(cmd); fp != "" {
		return EventContext{Kind: ContextDocumentation, FilePath: fp, Structural: stripProse(cmd)}
	}
	return EventContext{}
}

// Relax downgrades d by one level when the rule that produced it is
// context-sensitive and no longer matches once prose is removed. Any
// other decision is returned unchanged.
func (c EventContext) Relax(d Decision, cfg *Config) Decision {
	if c.Kind == ContextNone || d.Action == ActionAllow || d.PatternID == "" || cfg == nil {
		return d
	}
	r, ok := cfg.Rule(d.PatternID)
	if !ok || !r.ContextSensitive {
		return d
	}
	for _, target := range []string{c.Structural, NormalizeCommand(c.Structural)} {
		if _, still := findRule(r, target); still {
			return d
		}
	}
	relaxed := d.Downgrade()
	relaxed.Source = SourceContext
	relaxed.Reason = d.Reason + " (relaxed: " + string(c.Kind) + " context)"
	return relaxed
}

func metaFilePath(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if s, ok := meta[key].(string); ok && s != "" {
			return s
		}
	}
	if in, ok := meta["tool_input"].(map[string]any); ok {
		return metaFilePath(in)
	}
	return ""
}

var heredocRe = regexp.MustCompile(`<<-?\s*['"]?(\w+)['"]?`)

// StripProseHeredocs removes the body lines of heredocs that cat or tee
// writes into a prose file, keeping the operator line and the
// terminator. Bodies read by any other command are code and stay.
//
//	Input:  "cat > notes.md << 'EOF'\nrm -rf /\nEOF"
//	Output: "cat > notes.md << 'EOF'\nEOF"
func StripProseHeredocs(cmd string) string {
	lines := strings.Split(cmd, "\n")
	if len(lines) <= 1 {
		return cmd
	}

	var result []string
	var delim string
	inHeredoc, strip := false, false
	for _, line := range lines {
		if inHeredoc {
			if strings.TrimSpace(line) == delim {
				inHeredoc = false
				result = append(result, line)
			} else if !strip {
				result = append(result, line)
			}
			continue
		}
		result = append(result, line)
		if m := heredocRe.FindStringSubmatchIndex(line); m != nil {
			delim = line[m[2]:m[3]]
			inHeredoc = true
			strip = heredocWritesProse(line, m[0])
		}
	}
	return strings.Join(result, "\n")
}

// heredocWritesProse reports whether the heredoc operator at offset op of
// line feeds cat or tee writing a prose file, directly or through a pipe
// into tee.
func heredocWritesProse(line string, op int) bool {
	rest := line
	pos := 0
	segs := SplitCompoundCommand(line)
	for i, seg := range segs {
		idx := strings.Index(rest, seg)
		if idx < 0 {
			return false
		}
		start := pos + idx
		end := start + len(seg)
		pos = end
		rest = line[end:]
		if op < start || op >= end {
			continue
		}
		if writesProseFile(seg) {
			return true
		}
		after := strings.TrimSpace(line[end:])
		piped := strings.HasPrefix(after, "|") && !strings.HasPrefix(after, "||")
		return piped && path.Base(FirstToken(seg)) == "cat" && i+1 < len(segs) &&
			path.Base(FirstToken(segs[i+1])) == "tee" && writesProseFile(segs[i+1])
	}
	return false
}

// writesProseFile reports whether seg is cat redirected into a prose file
// or tee with a prose file argument.
func writesProseFile(seg string) bool {
	fields := strings.Fields(seg)
	if len(fields) == 0 {
		return false
	}
	switch path.Base(fields[0]) {
	case "cat":
		for i := 1; i < len(fields); i++ {
			f := strings.TrimLeft(fields[i], "0123456789&")
			if !strings.HasPrefix(f, ">") {
				continue
			}
			target := strings.TrimLeft(f, ">|")
			if target == "" && i+1 < len(fields) {
				target = fields[i+1]
			}
			if IsProseFile(strings.Trim(target, `'"`)) {
				return true
			}
		}
	case "tee":
		for _, f := range fields[1:] {
			if !strings.HasPrefix(f, "-") && IsProseFile(strings.Trim(f, `'"`)) {
				return true
			}
		}
	}
	return false
}

// Commands whose quoted arguments are data, never code.
var proseWriters = map[string]bool{
	"echo": true, "printf": true, "cat": true, "tee": true,
}

var quotedRe = regexp.MustCompile(`"[^"]*"|'[^']*'`)

// StripQuotedArgs blanks quoted arguments of commands that only print
// their arguments. Other commands are returned unchanged so quoted
// payloads of interpreters stay visible to the rules. Heredoc delimiters
// are left alone.
func StripQuotedArgs(cmd string) string {
	out := cmd
	for _, seg := range SplitCompoundCommand(cmd) {
		if !proseWriters[path.Base(FirstToken(seg))] {
			continue
		}
		out = strings.Replace(out, seg, blankQuotes(seg), 1)
	}
	return out
}

func blankQuotes(seg string) string {
	var b strings.Builder
	last := 0
	for _, loc := range quotedRe.FindAllStringIndex(seg, -1) {
		b.WriteString(seg[last:loc[0]])
		prefix := strings.TrimRight(seg[:loc[0]], " ")
		if strings.HasSuffix(prefix, "<<") || strings.HasSuffix(prefix, "<<-") {
			b.WriteString(seg[loc[0]:loc[1]])
		} else {
			q := seg[loc[0]]
			b.WriteByte(q)
			b.WriteByte(q)
		}
		last = loc[1]
	}
	b.WriteString(seg[last:])
	return b.String()
}

func stripProse(cmd string) string {
	return StripQuotedArgs(StripProseHeredocs(cmd))
}

// proseWriteTarget returns the first prose file the command writes via
// a redirection or tee.
func proseWriteTarget(cmd string) string {
	f, err := parseShell(cmd)
	if err != nil {
		return ""
	}
	target := ""
	syntax.Walk(f, func(node syntax.Node) bool {
		if target != "" {
			return false
		}
		switch n := node.(type) {
		case *syntax.Redirect:
			switch n.Op {
			case syntax.RdrOut, syntax.AppOut, syntax.ClbOut, syntax.RdrAll, syntax.AppAll:
				if n.Word != nil && IsProseFile(n.Word.Lit()) {
					target = n.Word.Lit()
				}
			}
		case *syntax.CallExpr:
			words := WordsFromCall(cmd, n)
			if len(words) > 1 && path.Base(words[0].Value) == "tee" {
				for _, w := range words[1:] {
					if !strings.HasPrefix(w.Value, "-") && IsProseFile(w.Value) {
						target = w.Value
						break
					}
				}
			}
		}
		return true
	})
	return target
}

// stripCommitMessage recognizes git commit with -m, --message or -F and
// returns the command with the inline message replaced by ''.
func stripCommitMessage(cmd string) (string, bool) {
	found := false
	out := cmd
	for _, seg := range SplitCompoundCommand(cmd) {
		words, ok := SimpleCommandWords(seg)
		if !ok || len(words) < 2 {
			continue
		}
		values := make([]string, len(words))
		for i, w := range words {
			values[i] = w.Value
		}
		inv, ok := ParseGit(values)
		if !ok || inv.Subcommand != "commit" {
			continue
		}

		stripped := seg
		isCommit := false
		for i := 1; i < len(words); i++ {
			w := words[i].Value
			switch {
			case w == "-m" || w == "--message" || isShortCluster(w, 'm'):
				isCommit = true
				if i+1 < len(words) {
					stripped = strings.Replace(stripped, words[i+1].Raw, "''", 1)
					i++
				}
			case w == "-F" || w == "--file":
				isCommit = true
				i++
			case strings.HasPrefix(w, "--message=") || (strings.HasPrefix(w, "-m") && len(w) > 2 && !strings.HasPrefix(w, "--")):
				isCommit = true
				stripped = strings.Replace(stripped, words[i].Raw, "-m ''", 1)
			case strings.HasPrefix(w, "--file=") || (strings.HasPrefix(w, "-F") && len(w) > 2):
				isCommit = true
			}
		}
		if isCommit {
			found = true
			out = strings.Replace(out, seg, stripped, 1)
		}
	}
	return out, found
}

// isShortCluster reports whether w is a short-flag cluster such as -am
// that ends in last, so the next word is that flag's value.
func isShortCluster(w string, last byte) bool {
	if len(w) < 3 || w[0] != '-' || w[1] == '-' || w[len(w)-1] != last {
		return false
	}
	for i := 1; i < len(w); i++ {
		c := w[i]
		if !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

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
	"strings"
)

// GitInvocation is a parsed git command line.
type GitInvocation struct {
	Subcommand string
	Flags      map[string]bool
	Args       []string
	// DoubleDash is true when a bare -- separator was present.
	DoubleDash bool
}

// HasFlag reports whether any of the given flags is present.
func (g GitInvocation) HasFlag(flags ...string) bool {
	for _, f := range flags {
		if g.Flags[f] {
			return true
		}
	}
	return false
}

// Global options that take their value as the next word.
var gitGlobalWithValue = map[string]bool{
	"-C":          true,
	"-c":          true,
	"--git-dir":   true,
	"--work-tree": true,
	"--namespace": true,
}

// ParseGit parses the words of a git command. words[0] must be git.
// Short-flag clusters are expanded (-fu becomes -f and -u) and long
// flags lose any =value suffix.
func ParseGit(words []string) (GitInvocation, bool) {
	if len(words) == 0 || path.Base(words[0]) != "git" {
		return GitInvocation{}, false
	}
	inv := GitInvocation{Flags: make(map[string]bool)}

	i := 1
	for i < len(words) {
		w := words[i]
		if !strings.HasPrefix(w, "-") {
			break
		}
		if gitGlobalWithValue[w] {
			i += 2
			continue
		}
		i++
	}
	if i >= len(words) {
		return inv, true
	}
	inv.Subcommand = words[i]

	afterDash := false
	for _, w := range words[i+1:] {
		switch {
		case afterDash:
			inv.Args = append(inv.Args, w)
		case w == "--":
			inv.DoubleDash = true
			afterDash = true
		case strings.HasPrefix(w, "--"):
			name := w
			if eq := strings.IndexByte(name, '='); eq > 0 {
				name = name[:eq]
			}
			inv.Flags[name] = true
		case len(w) > 1 && w[0] == '-':
			for _, r := range w[1:] {
				inv.Flags["-"+string(r)] = true
			}
		default:
			inv.Args = append(inv.Args, w)
		}
	}
	return inv, true
}

// ClassifyGit applies the semantic table to a parsed invocation. It
// returns a non-empty reason when the invocation is dangerous.
func ClassifyGit(inv GitInvocation) string {
	switch inv.Subcommand {
	case "checkout":
		if inv.HasFlag("-f", "--force") {
			return "git checkout --force discards uncommitted changes"
		}
		if inv.DoubleDash && !inv.HasFlag("-b", "-B") {
			return "git checkout -- <path> discards uncommitted changes"
		}
	case "push":
		if inv.HasFlag("--force", "-f") && !inv.HasFlag("--force-with-lease") {
			return "git push --force rewrites remote history; use --force-with-lease"
		}
	case "reset":
		if inv.HasFlag("--hard") {
			return "git reset --hard discards uncommitted changes"
		}
	case "clean":
		if inv.HasFlag("-f", "--force") {
			return "git clean --force permanently deletes untracked files"
		}
	}
	return ""
}

// AnalyzeGit inspects every git segment of a command. It blocks when any
// segment is dangerous per the semantic table and abstains otherwise.
// Env prefixes and the command, exec and nohup prefixes are peeled
// before the git check.
func AnalyzeGit(cmd string) Decision {
	for _, seg := range SplitCompoundCommand(cmd) {
		seg, _ = stripEnvPrefix(seg)
		words, ok := SimpleCommandWords(seg)
		if !ok || len(words) == 0 {
			continue
		}
		values := make([]string, len(words))
		for i, w := range words {
			values[i] = w.Value
		}
		values = peelExecPrefixes(values)
		if len(values) == 0 || path.Base(values[0]) != "git" {
			continue
		}
		inv, _ := ParseGit(values)
		if reason := ClassifyGit(inv); reason != "" {
			return Decision{
				Action:      ActionBlock,
				Reason:      reason,
				MatchedText: seg,
				Semantic:    true,
				Source:      SourceGit,
			}
		}
	}
	return Allow("", SourceGit)
}

// AnalyzeGitChain runs AnalyzeGit on every layer of an unwrap chain and
// returns the first block, tagged with its depth.
func AnalyzeGitChain(chain []Layer) Decision {
	for _, l := range chain {
		if d := AnalyzeGit(l.Command); d.Blocked() {
			d.UnwrapDepth = l.Depth
			return d
		}
	}
	return Allow("", SourceGit)
}

// peelExecPrefixes drops builtins that run their arguments as a command.
// command -v and -V only look a name up, so nothing is left to run.
func peelExecPrefixes(words []string) []string {
	for len(words) > 0 {
		i := 1
		switch path.Base(words[0]) {
		case "command":
			for ; i < len(words) && strings.HasPrefix(words[i], "-"); i++ {
				if words[i] == "--" {
					i++
					break
				}
				if strings.ContainsAny(words[i], "vV") {
					return nil
				}
			}
		case "exec":
			for i < len(words) && strings.HasPrefix(words[i], "-") {
				if words[i] == "--" {
					i++
					break
				}
				if words[i] == "-a" {
					i += 2
					continue
				}
				i++
			}
		case "nohup":
		default:
			return words
		}
		if i > len(words) {
			return nil
		}
		words = words[i:]
	}
	return words
}

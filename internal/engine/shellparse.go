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
	"regexp"
	"strings"
	"unicode"

	"mvdan.cc/sh/v3/syntax"
)

// NormalizedCommand is the canonical form of a raw command string.
type NormalizedCommand struct {
	// Original is the command as received, kept for logging.
	Original string

	// Command is the whitespace-collapsed command with any leading
	// env prefix removed. Policy passes match against this.
	Command string

	// Env holds the NAME=value assignments that were stripped.
	// They are not policy-relevant.
	Env []string
}

// Normalize canonicalizes a raw command: whitespace runs outside quotes
// collapse to one space, and a leading "env NAME=value ..." prefix (or a
// bare run of NAME=value assignments) is removed.
func Normalize(cmd string) NormalizedCommand {
	nc := NormalizedCommand{Original: cmd}
	collapsed := CollapseWhitespace(cmd)
	nc.Command, nc.Env = stripEnvPrefix(collapsed)
	return nc
}

// CollapseWhitespace trims the command and collapses runs of spaces and
// tabs outside quotes into a single space. Newlines are kept because they
// separate commands.
func CollapseWhitespace(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	var b strings.Builder
	b.Grow(len(cmd))

	inSingle, inDouble, escaped, pendingSpace := false, false, false, false
	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]
		if !inSingle && !inDouble && !escaped && (ch == ' ' || ch == '\t') {
			pendingSpace = true
			continue
		}
		if pendingSpace {
			if ch != '\n' && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte(' ')
			}
			pendingSpace = false
		}
		b.WriteByte(ch)

		switch {
		case escaped:
			escaped = false
		case ch == '\\' && !inSingle:
			escaped = true
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		}
	}
	return b.String()
}

func stripEnvPrefix(cmd string) (string, []string) {
	if cmd == "" {
		return "", nil
	}
	f, err := parseShell(cmd)
	if err != nil || len(f.Stmts) == 0 {
		return stripEnvPrefixFields(cmd)
	}
	call := leftmostCall(f.Stmts[0])
	if call == nil || int(call.Pos().Offset()) != 0 {
		return cmd, nil
	}

	var env []string
	for _, as := range call.Assigns {
		env = append(env, cmd[as.Pos().Offset():as.End().Offset()])
	}

	args := call.Args
	i := 0
	if len(args) > 0 && args[0].Lit() == "env" {
		i = 1
		for i < len(args) {
			raw := cmd[args[i].Pos().Offset():args[i].End().Offset()]
			if !isEnvAssignment(raw) {
				break
			}
			env = append(env, raw)
			i++
		}
	}
	if i >= len(args) {
		// Nothing left to run: keep the command as written.
		return cmd, nil
	}
	if i > 0 && strings.HasPrefix(args[i].Lit(), "-") {
		// env with its own options is not a plain prefix.
		return cmd, nil
	}
	if i == 0 && len(call.Assigns) == 0 {
		return cmd, nil
	}
	return cmd[args[i].Pos().Offset():], env
}

// stripEnvPrefixFields is the fallback used when the command does not
// parse, for example because of an unterminated quote.
func stripEnvPrefixFields(cmd string) (string, []string) {
	fields := strings.Split(cmd, " ")
	start := 0
	for start < len(fields) && isEnvAssignment(fields[start]) {
		start++
	}
	if start < len(fields) && fields[start] == "env" && start == 0 {
		start++
		for start < len(fields) && isEnvAssignment(fields[start]) {
			start++
		}
	}
	if start == 0 || start >= len(fields) {
		return cmd, nil
	}
	return strings.Join(fields[start:], " "), fields[:start]
}

// leftmostCall returns the first simple command of a statement, descending
// through the left side of &&, || and | chains.
func leftmostCall(stmt *syntax.Stmt) *syntax.CallExpr {
	for stmt != nil {
		switch c := stmt.Cmd.(type) {
		case *syntax.CallExpr:
			return c
		case *syntax.BinaryCmd:
			stmt = c.X
		default:
			return nil
		}
	}
	return nil
}

func parseShell(src string) (*syntax.File, error) {
	p := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	return p.Parse(strings.NewReader(src), "")
}

// SplitCompoundCommand splits a shell command on unquoted &&, ||, ;, |, &
// and newline operators, returning each segment trimmed. Escaped or quoted
// delimiters, delimiters inside $(...) or backticks, and the & of a
// redirection such as 2>&1 or &> are not split on.
func SplitCompoundCommand(cmd string) []string {
	var segments []string
	var cur strings.Builder
	inSingle := false
	inDouble := false
	inBacktick := false
	escaped := false
	substDepth := 0

	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			segments = append(segments, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]

		if escaped {
			cur.WriteByte(ch)
			escaped = false
			continue
		}
		if ch == '\\' && !inSingle {
			cur.WriteByte(ch)
			escaped = true
			continue
		}
		if ch == '\'' && !inDouble {
			inSingle = !inSingle
			cur.WriteByte(ch)
			continue
		}
		if ch == '"' && !inSingle {
			inDouble = !inDouble
			cur.WriteByte(ch)
			continue
		}
		if inSingle || inDouble {
			cur.WriteByte(ch)
			continue
		}
		if ch == '`' {
			inBacktick = !inBacktick
			cur.WriteByte(ch)
			continue
		}
		if inBacktick {
			cur.WriteByte(ch)
			continue
		}
		if ch == '$' && i+1 < len(cmd) && cmd[i+1] == '(' {
			substDepth++
			cur.WriteString("$(")
			i++
			continue
		}
		if substDepth > 0 {
			switch ch {
			case '(':
				substDepth++
			case ')':
				substDepth--
			}
			cur.WriteByte(ch)
			continue
		}

		if i+1 < len(cmd) {
			two := cmd[i : i+2]
			if two == "&&" || two == "||" || two == "|&" {
				flush()
				i++
				continue
			}
		}

		switch ch {
		case ';', '|', '\n':
			flush()
			continue
		case '&':
			prev := byte(0)
			if i > 0 {
				prev = cmd[i-1]
			}
			next := byte(0)
			if i+1 < len(cmd) {
				next = cmd[i+1]
			}
			if prev == '>' || prev == '<' || next == '>' {
				cur.WriteByte(ch)
				continue
			}
			flush()
			continue
		}

		cur.WriteByte(ch)
	}

	flush()
	return segments
}

// NormalizeCommand normalizes each compound segment independently and
// joins them with " && ". Quotes and backslash escapes are removed from
// words, so 'rm' -rf / and r\m -rf / both read as rm -rf /.
func NormalizeCommand(cmd string) string {
	segments := SplitCompoundCommand(strings.TrimSpace(cmd))
	normalized := make([]string, 0, len(segments))
	for _, seg := range segments {
		if n := normalizeSegment(seg); n != "" {
			normalized = append(normalized, n)
		}
	}
	return strings.Join(normalized, " && ")
}

func normalizeSegment(seg string) string {
	tokens := tokenize(seg)
	start := 0
	for start < len(tokens) && isEnvAssignment(tokens[start]) {
		start++
	}
	return strings.Join(tokens[start:], " ")
}

// Word is one shell word of a simple command.
type Word struct {
	// Value is the word with quotes removed and escapes resolved.
	// Expansions are kept in their source form.
	Value string

	// Raw is the word exactly as written.
	Raw string

	// Offset is the byte offset of the word in the segment, or -1 when
	// the segment had to be tokenized without a parser.
	Offset int

	// Dynamic is true when the word contains a parameter expansion or a
	// command, process or arithmetic substitution.
	Dynamic bool
}

// SimpleCommandWords lexes a single segment into words. It reports false
// when the segment is not a simple command, such as a subshell or an if
// clause. Segments the parser rejects fall back to a quote-aware
// tokenizer.
func SimpleCommandWords(seg string) ([]Word, bool) {
	seg = strings.TrimSpace(seg)
	if seg == "" {
		return nil, false
	}
	f, err := parseShell(seg)
	if err != nil {
		tokens := tokenize(seg)
		if len(tokens) == 0 {
			return nil, false
		}
		words := make([]Word, len(tokens))
		for i, tok := range tokens {
			words[i] = Word{Value: tok, Raw: tok, Offset: -1, Dynamic: strings.Contains(tok, "$") || strings.Contains(tok, "`")}
		}
		return words, true
	}
	if len(f.Stmts) == 0 {
		return nil, false
	}
	call, ok := f.Stmts[0].Cmd.(*syntax.CallExpr)
	if !ok || len(call.Args) == 0 {
		return nil, false
	}
	return WordsFromCall(seg, call), true
}

// WordsFromCall converts the arguments of a parsed call into Words.
// src must be the text the call was parsed from.
func WordsFromCall(src string, call *syntax.CallExpr) []Word {
	words := make([]Word, 0, len(call.Args))
	for _, arg := range call.Args {
		start, end := int(arg.Pos().Offset()), int(arg.End().Offset())
		raw := ""
		if start >= 0 && end <= len(src) && start <= end {
			raw = src[start:end]
		}
		val, dyn := wordValue(src, arg.Parts, false)
		words = append(words, Word{Value: val, Raw: raw, Offset: start, Dynamic: dyn})
	}
	return words
}

func wordValue(src string, parts []syntax.WordPart, quoted bool) (string, bool) {
	var b strings.Builder
	dynamic := false
	for _, part := range parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(unescapeLit(p.Value, quoted))
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			v, d := wordValue(src, p.Parts, true)
			b.WriteString(v)
			dynamic = dynamic || d
		default:
			dynamic = true
			b.WriteString(nodeText(src, part))
		}
	}
	return b.String(), dynamic
}

// nodeText returns the source text of a parsed node.
func nodeText(src string, n syntax.Node) string {
	start, end := int(n.Pos().Offset()), int(n.End().Offset())
	if start < 0 || end > len(src) || start > end {
		return ""
	}
	return src[start:end]
}

func unescapeLit(s string, quoted bool) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		next := s[i+1]
		if quoted && !strings.ContainsRune("$`\"\\\n", rune(next)) {
			b.WriteByte(s[i])
			continue
		}
		i++
		if next != '\n' {
			b.WriteByte(next)
		}
	}
	return b.String()
}

// FirstToken returns the unquoted command name of a segment, or "".
func FirstToken(seg string) string {
	words, ok := SimpleCommandWords(seg)
	if !ok || len(words) == 0 {
		return ""
	}
	return words[0].Value
}

// isEnvAssignment returns true if token looks like VAR=value.
func isEnvAssignment(token string) bool {
	eq := strings.IndexByte(token, '=')
	if eq <= 0 {
		return false
	}
	name := token[:eq]
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	first := rune(name[0])
	return unicode.IsLetter(first) || first == '_'
}

// tokenize splits a command into tokens, stripping quotes and backslash escapes.
func tokenize(cmd string) []string {
	var tokens []string
	var cur strings.Builder
	i := 0

	for i < len(cmd) {
		ch := cmd[i]

		if ch == ' ' || ch == '\t' || ch == '\n' {
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
			i++
			continue
		}

		if ch == '\'' {
			i++
			for i < len(cmd) && cmd[i] != '\'' {
				cur.WriteByte(cmd[i])
				i++
			}
			if i < len(cmd) {
				i++
			}
			continue
		}

		if ch == '"' {
			i++
			for i < len(cmd) && cmd[i] != '"' {
				if cmd[i] == '\\' && i+1 < len(cmd) {
					i++
					cur.WriteByte(cmd[i])
					i++
					continue
				}
				cur.WriteByte(cmd[i])
				i++
			}
			if i < len(cmd) {
				i++
			}
			continue
		}

		if ch == '\\' && i+1 < len(cmd) {
			i++
			cur.WriteByte(cmd[i])
			i++
			continue
		}

		cur.WriteByte(ch)
		i++
	}

	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// Layer is one entry of the unwrap chain.
type Layer struct {
	// Command is the command string at this depth.
	Command string

	// Depth is 0 for the outer command.
	Depth int

	// Wrapper names the interpreter whose payload produced this layer,
	// for example "bash" or "python3". Empty for the outer command.
	Wrapper string
}

var shellWrappers = map[string]bool{
	"bash": true,
	"sh":   true,
	"zsh":  true,
	"ksh":  true,
	"dash": true,
}

var pythonWrapper = regexp.MustCompile(`^python[0-9.]*$`)

// Unwrap returns the unwrap chain of a normalized command: the outer
// command followed by every payload of a shell or python -c wrapper found
// in any of its segments. Shell payloads are unwrapped recursively up to
// maxDepth. Python payloads are emitted but not descended into.
// Payloads are emitted verbatim; variables are not resolved.
func Unwrap(outer string, maxDepth int) []Layer {
	if maxDepth <= 0 || maxDepth > MaxUnwrapDepth {
		maxDepth = MaxUnwrapDepth
	}
	chain := []Layer{{Command: outer}}
	unwrapInto(&chain, outer, 1, maxDepth)
	return chain
}

func unwrapInto(chain *[]Layer, cmd string, depth, maxDepth int) {
	if depth > maxDepth {
		return
	}
	for _, seg := range SplitCompoundCommand(cmd) {
		seg, _ = stripEnvPrefix(seg)
		words, ok := SimpleCommandWords(seg)
		if !ok || len(words) < 2 {
			continue
		}
		name := path.Base(words[0].Value)
		switch {
		case shellWrappers[name]:
			payload, ok := ShellPayload(words)
			if !ok {
				continue
			}
			inner := Normalize(payload).Command
			*chain = append(*chain, Layer{Command: inner, Depth: depth, Wrapper: name})
			unwrapInto(chain, inner, depth+1, maxDepth)
		case pythonWrapper.MatchString(name):
			for i := 1; i+1 < len(words); i++ {
				if words[i].Value == "-c" {
					*chain = append(*chain, Layer{Command: words[i+1].Value, Depth: depth, Wrapper: name})
					break
				}
			}
		}
	}
}

// IsShellName reports whether name (or its basename) is a shell the
// unwrapper understands.
func IsShellName(name string) bool {
	return shellWrappers[path.Base(name)]
}

// ShellPayload finds the -c payload of a shell invocation. words[0] is
// the shell. Option clusters such as -lc and -ec count as -c, and -o/+o
// consume their argument.
func ShellPayload(words []Word) (string, bool) {
	i, ok := ShellPayloadIndex(words)
	if !ok {
		return "", false
	}
	return words[i].Value, true
}

// ShellPayloadIndex is ShellPayload returning the index of the payload
// word instead of its value.
func ShellPayloadIndex(words []Word) (int, bool) {
	sawC := false
	for i := 1; i < len(words); i++ {
		w := words[i].Value
		switch {
		case w == "--":
			if sawC && i+1 < len(words) {
				return i + 1, true
			}
			return 0, false
		case w == "-o" || w == "+o" || w == "-O" || w == "+O":
			i++
		case strings.HasPrefix(w, "--"):
			// Long options such as --norc take no argument.
		case len(w) > 1 && (w[0] == '-' || w[0] == '+'):
			if w[0] == '-' && strings.ContainsRune(w[1:], 'c') {
				sawC = true
			}
		default:
			if sawC {
				return i, true
			}
			// A script path: bash script.sh
			return 0, false
		}
	}
	return 0, false
}

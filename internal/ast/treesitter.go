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

//go:build cgo

package ast

import (
	"context"
	"fmt"
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"

	"github.com/damagecontrol/damage-control/internal/engine"
)

const available = true

// parse returns the root of the bash tree for src. Trees with error
// nodes are rejected.
func parse(ctx context.Context, src []byte) (*sitter.Node, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(bash.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	root := tree.RootNode()
	if root == nil || root.HasError() {
		return nil, ErrUnparsable
	}
	return root, nil
}

type treeScan struct {
	ctx   context.Context
	cfg   *engine.Config
	found *findings
}

func scanTree(ctx context.Context, cfg *engine.Config, cmd string) (engine.Decision, error) {
	s := &treeScan{ctx: ctx, cfg: cfg, found: newFindings()}
	if err := s.run(cmd, 0, allPasses); err != nil {
		return engine.Allow("", engine.SourceAST), err
	}
	return s.found.verdict(), nil
}

// run parses src and checks every command node in it. Parse failures
// below the outer command are ignored; the outer verdict still stands.
func (s *treeScan) run(src string, depth int, p passes) error {
	root, err := parse(s.ctx, []byte(src))
	if err != nil {
		if depth > 0 && err != ErrTimeout {
			return nil
		}
		return err
	}
	return s.walk(root, []byte(src), depth, p)
}

func (s *treeScan) walk(n *sitter.Node, src []byte, depth int, p passes) error {
	if err := s.ctx.Err(); err != nil {
		return ErrTimeout
	}
	if n.Type() == "command" {
		if err := s.command(n, src, depth, p); err != nil {
			return err
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if err := s.walk(n.NamedChild(i), src, depth, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *treeScan) command(n *sitter.Node, src []byte, depth int, p passes) error {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	name := unquote(nameNode, src)
	base := path.Base(name)
	args := arguments(n)

	if p.extract {
		raw := make([]string, len(args))
		for i, a := range args {
			raw[i] = a.Content(src)
		}
		s.found.extract = engine.Max(s.found.extract, extractCommand(s.cfg, name, raw, depth))

		if engine.IsShellName(base) && depth < engine.MaxUnwrapDepth {
			words := []engine.Word{{Value: base}}
			for _, a := range args {
				words = append(words, engine.Word{Value: unquote(a, src)})
			}
			if i, ok := engine.ShellPayloadIndex(words); ok {
				// words[0] is the shell, so word i is argument i-1.
				if p.dynamic && isDynamic(args[i-1], src) {
					s.found.dynamic = engine.Max(s.found.dynamic, dynamicAsk(base+" -c", args[i-1].Content(src)))
				} else if err := s.run(words[i].Value, depth+1, p); err != nil {
					return err
				}
			}
		}
	}

	if p.variables && s.cfg.IsDangerousCommand(base) {
		var names []string
		for _, a := range args {
			names = append(names, expansions(a, src, false)...)
		}
		if vars := unsafeVariables(names); len(vars) > 0 {
			s.found.variables = engine.Max(s.found.variables, variableAsk(base, vars))
		}
	}

	if p.dynamic && isEvalLike(base) {
		for _, a := range args {
			if isDynamic(a, src) {
				s.found.dynamic = engine.Max(s.found.dynamic, dynamicAsk(base, a.Content(src)))
				return nil
			}
		}
		if base == "eval" && len(args) > 0 && depth < engine.MaxUnwrapDepth {
			vals := make([]string, len(args))
			for i, a := range args {
				vals[i] = unquote(a, src)
			}
			return s.run(strings.Join(vals, " "), depth+1, evalPasses)
		}
	}
	return nil
}

// arguments returns the argument nodes of a command in order. Prefix
// assignments and redirections are not arguments.
func arguments(n *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		if n.FieldNameForChild(i) == "argument" {
			out = append(out, n.Child(i))
		}
	}
	return out
}

// unquote returns the shell value of a word node with quoting removed.
// Expansions stay in source form.
func unquote(n *sitter.Node, src []byte) string {
	text := n.Content(src)
	switch n.Type() {
	case "raw_string":
		return strings.TrimSuffix(strings.TrimPrefix(text, "'"), "'")
	case "ansi_c_string":
		return strings.TrimSuffix(strings.TrimPrefix(text, "$'"), "'")
	case "string":
		inner := strings.TrimSuffix(strings.TrimPrefix(text, `"`), `"`)
		return unescape(inner, `"\$`+"`")
	case "word":
		return unescape(text, "")
	case "command_name", "concatenation":
		if n.ChildCount() == 0 {
			return unescape(text, "")
		}
		var b strings.Builder
		for i := 0; i < int(n.ChildCount()); i++ {
			b.WriteString(unquote(n.Child(i), src))
		}
		return b.String()
	}
	return text
}

// unescape drops the backslash of each escape. When only is non-empty,
// just those characters (and backslash) are escapable.
func unescape(s, only string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			next := s[i+1]
			if only == "" || next == '\\' || strings.IndexByte(only, next) >= 0 {
				b.WriteByte(next)
				i++
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// expansions lists the variables expanded anywhere under n. Special
// parameters such as $1 and $@ are returned with their sigil.
func expansions(n *sitter.Node, src []byte, inExpansion bool) []string {
	var out []string
	switch n.Type() {
	case "simple_expansion", "expansion":
		inExpansion = true
		if !hasVariable(n) {
			out = append(out, "$"+strings.Trim(n.Content(src), "${}"))
		}
	case "variable_name":
		if inExpansion {
			return []string{n.Content(src)}
		}
	case "special_variable_name":
		if inExpansion {
			return []string{"$" + n.Content(src)}
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		out = append(out, expansions(n.NamedChild(i), src, inExpansion)...)
	}
	return out
}

func hasVariable(n *sitter.Node) bool {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		switch n.NamedChild(i).Type() {
		case "variable_name", "special_variable_name":
			return true
		}
	}
	return false
}

// isDynamic reports whether an eval or source argument is computed at
// run time: a bare expansion or substitution, or any word that expands
// a variable outside SafeVariables.
func isDynamic(n *sitter.Node, src []byte) bool {
	switch n.Type() {
	case "simple_expansion", "expansion", "command_substitution", "process_substitution":
		return true
	}
	if hasSubstitution(n) {
		return true
	}
	return len(unsafeVariables(expansions(n, src, false))) > 0
}

func hasSubstitution(n *sitter.Node) bool {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "command_substitution" || c.Type() == "process_substitution" || hasSubstitution(c) {
			return true
		}
	}
	return false
}

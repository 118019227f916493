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

// Package ast is the veto-only second pass of the firewall. It parses the
// command into a full bash syntax tree and looks for what the string
// passes cannot see: commands nested in substitutions, subshells and
// function bodies, unquoted command names, variable expansion in the
// arguments of destructive commands, and eval or source of dynamic input.
//
// The pass can only raise a verdict. When the parser is unavailable, the
// command does not parse, or the time budget runs out, it allows and the
// caller keeps its prior decision.
package ast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/sourcegraph/conc/panics"

	"github.com/damagecontrol/damage-control/internal/engine"
)

var (
	// ErrUnavailable means the binary was built without the bash parser.
	ErrUnavailable = errors.New("ast: bash parser unavailable")

	// ErrTimeout means the pass exceeded its time budget.
	ErrTimeout = errors.New("ast: analysis timed out")

	// ErrUnparsable means the command is not valid bash.
	ErrUnparsable = errors.New("ast: command does not parse")
)

// SafeVariables are trusted in the arguments of dangerous commands.
var SafeVariables = map[string]bool{
	"HOME":  true,
	"PWD":   true,
	"USER":  true,
	"PATH":  true,
	"SHELL": true,
	"TERM":  true,
}

// Available reports whether this build can parse bash.
func Available() bool {
	return available
}

type scanFunc func(ctx context.Context, cfg *engine.Config, cmd string) (engine.Decision, error)

// Analyzer runs the AST pass against a compiled rule set.
type Analyzer struct {
	cfg    *engine.Config
	logger *slog.Logger
	scan   scanFunc
}

// New creates an analyzer for cfg.
func New(cfg *engine.Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{cfg: cfg, logger: logger, scan: scanTree}
}

type result struct {
	d   engine.Decision
	err error
}

// Analyze runs the pass on the normalized outer command. The returned
// decision is always usable; a non-nil error explains why the pass fell
// back to allow.
func (a *Analyzer) Analyze(ctx context.Context, cmd string) (engine.Decision, error) {
	allow := engine.Allow("", engine.SourceAST)
	if a.cfg == nil || !a.cfg.ASTAnalysis.IsEnabled() {
		return allow, nil
	}
	if a.allSafe(cmd) {
		return allow, nil
	}
	if !available {
		return allow, ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.ASTAnalysis.Timeout())
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		var r result
		var pc panics.Catcher
		pc.Try(func() {
			r.d, r.err = a.scan(ctx, a.cfg, cmd)
		})
		if rec := pc.Recovered(); rec != nil {
			r = result{err: fmt.Errorf("ast: %w", rec.AsError())}
		}
		ch <- r
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			a.logger.Debug("ast: falling back to allow", "error", r.err)
			return allow, r.err
		}
		return r.d, nil
	case <-ctx.Done():
		a.logger.Debug("ast: falling back to allow", "error", ErrTimeout, "timeout", a.cfg.ASTAnalysis.Timeout())
		return allow, ErrTimeout
	}
}

// allSafe reports whether every segment starts with a safe command.
func (a *Analyzer) allSafe(cmd string) bool {
	segments := engine.SplitCompoundCommand(cmd)
	if len(segments) == 0 {
		return true
	}
	for _, seg := range segments {
		if !a.cfg.IsSafeCommand(engine.FirstToken(seg)) {
			return false
		}
	}
	return true
}

// passes selects which sub-passes run on a parsed tree.
type passes struct {
	extract   bool
	variables bool
	dynamic   bool
}

var (
	allPasses  = passes{extract: true, variables: true, dynamic: true}
	evalPasses = passes{extract: true, dynamic: true}
)

// findings accumulates the verdict of each sub-pass. Within a sub-pass
// the first non-allow verdict of the highest severity is kept.
type findings struct {
	extract   engine.Decision
	variables engine.Decision
	dynamic   engine.Decision
}

func newFindings() *findings {
	allow := engine.Allow("", engine.SourceAST)
	return &findings{extract: allow, variables: allow, dynamic: allow}
}

// verdict combines the sub-passes in order; a later sub-pass only wins
// if it is strictly more severe.
func (f *findings) verdict() engine.Decision {
	return engine.Max(f.extract, f.variables, f.dynamic)
}

// extractCommand re-runs the rule list and the git table against one
// reconstructed command. name is already unquoted; args are in source
// form.
func extractCommand(cfg *engine.Config, name string, args []string, depth int) engine.Decision {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	d := engine.Max(engine.ScanString(cfg, line), engine.AnalyzeGit(line))
	if d.Allowed() {
		return d
	}
	d.Source = engine.SourceAST
	d.UnwrapDepth = depth
	return d
}

// unsafeVariables filters names down to the ones outside SafeVariables,
// keeping first-seen order and dropping duplicates.
func unsafeVariables(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		bare := strings.TrimPrefix(n, "$")
		if SafeVariables[bare] || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func variableAsk(cmd string, vars []string) engine.Decision {
	refs := make([]string, len(vars))
	for i, v := range vars {
		refs[i] = "$" + strings.TrimPrefix(v, "$")
	}
	return engine.Decision{
		Action: engine.ActionAsk,
		Reason: fmt.Sprintf("Variable expansion in %s arguments: %s", cmd, strings.Join(refs, ", ")),
		Source: engine.SourceAST,
	}
}

func dynamicAsk(cmd, arg string) engine.Decision {
	return engine.Decision{
		Action:      engine.ActionAsk,
		Reason:      fmt.Sprintf("%s with dynamic argument: %s", cmd, arg),
		MatchedText: arg,
		Source:      engine.SourceAST,
	}
}

func isEvalLike(name string) bool {
	switch path.Base(name) {
	case "eval", "source", ".":
		return true
	}
	return false
}

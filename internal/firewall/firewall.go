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

// Package firewall runs the decision pipeline for one hook invocation.
//
// The pipeline normalizes the command, short-circuits read-only search
// pipelines, unwraps shell wrappers, and then combines the regex rules,
// the git analyzer and the AST veto by severity. Context may relax a
// context-sensitive rule by one level; session state may turn a
// remaining ask into an allow. Every Bash invocation is audited.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/damagecontrol/damage-control/internal/ast"
	"github.com/damagecontrol/damage-control/internal/audit"
	"github.com/damagecontrol/damage-control/internal/engine"
	"github.com/damagecontrol/damage-control/internal/session"
)

var (
	// ErrNoSession means a session operation ran without a session id.
	ErrNoSession = errors.New("firewall: CLAUDE_SESSION_ID is not set")

	// ErrNoAskPattern means no ask-pattern matched the command.
	ErrNoAskPattern = errors.New("firewall: no ask-pattern matches the command")
)

// BlockedError is returned when pre-approval is refused because the
// command is hard-blocked.
type BlockedError struct {
	Decision engine.Decision
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("firewall: command is blocked (%s); blocked commands cannot be pre-approved", e.Decision.Reason)
}

// Options wires a Firewall.
type Options struct {
	// Rules supplies the compiled rule set. Required.
	Rules *engine.Loader

	// Sessions persists session state. Nil disables the session gate.
	Sessions *session.Store

	// Audit receives one entry per Bash invocation. Nil disables auditing.
	Audit audit.Sink

	// AutoAllowDelay is the session-scope delay. Zero selects the default.
	AutoAllowDelay time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Firewall evaluates hook events.
type Firewall struct {
	rules    *engine.Loader
	sessions *session.Store
	audit    audit.Sink
	delay    time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Firewall.
func New(opts Options) *Firewall {
	f := &Firewall{
		rules:    opts.Rules,
		sessions: opts.Sessions,
		audit:    opts.Audit,
		delay:    opts.AutoAllowDelay,
		now:      opts.Now,
		logger:   opts.Logger,
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Result is the outcome of evaluating one command, with the evidence
// behind it.
type Result struct {
	Decision engine.Decision

	// Normalized is the command after whitespace and env-prefix cleanup.
	Normalized engine.NormalizedCommand

	// Chain is the unwrap chain, outermost first. Empty for read-only
	// pipelines and non-Bash tools.
	Chain []engine.Layer

	// Matches are the regex rules that fired, in rule order.
	Matches []engine.RuleMatch

	Context  engine.EventContext
	ReadOnly bool

	// ASTError explains why the AST pass fell back to allow, if it did.
	ASTError error

	// Gated is true when the session gate turned an ask into allow.
	Gated bool
}

// Decide runs the full pipeline for ev: evaluation, session gate, ask
// recording and audit. The only error returned is a rule loading error.
func (f *Firewall) Decide(ctx context.Context, ev Event) (Result, error) {
	if ev.Tool != BashTool {
		f.logger.Debug("firewall: tool not inspected", "tool", ev.Tool)
		return Result{Decision: engine.Allow("tool not inspected", engine.SourceRegex)}, nil
	}

	res, err := f.evaluate(ctx, ev.Command, ev.Meta)
	if err != nil {
		return res, err
	}
	if res.Decision.Action == engine.ActionAsk {
		f.gate(ev, &res)
	}
	f.writeAudit(ev, res)
	return res, nil
}

// Inspect evaluates cmd without touching session state or the audit log.
func (f *Firewall) Inspect(ctx context.Context, cmd string, meta map[string]any) (Result, error) {
	return f.evaluate(ctx, cmd, meta)
}

func (f *Firewall) evaluate(ctx context.Context, cmd string, meta map[string]any) (Result, error) {
	cfg, err := f.rules.Load()
	if err != nil {
		return Result{}, err
	}

	res := Result{Normalized: engine.Normalize(cmd)}
	outer := res.Normalized.Command

	if engine.IsReadOnlyPipeline(outer, cfg) {
		res.ReadOnly = true
		res.Decision = engine.Allow(engine.ReadOnlyReason, engine.SourceRegex)
		return res, nil
	}

	res.Chain = engine.Unwrap(outer, cfg.UnwrapDepth())
	res.Matches = engine.ScanAll(cfg, res.Chain)
	res.Context = engine.DetectContext(res.Normalized.Original, meta)

	// Each rule is relaxed on its own so that a relaxed rule does not
	// hide a weaker rule that still applies.
	candidates := make([]engine.Decision, 0, len(res.Matches)+2)
	for _, m := range res.Matches {
		candidates = append(candidates, res.Context.Relax(m.Decision(), cfg))
	}
	candidates = append(candidates, engine.AnalyzeGitChain(res.Chain))

	astDecision, astErr := ast.New(cfg, f.logger).Analyze(ctx, outer)
	if astErr != nil && !errors.Is(astErr, ast.ErrUnavailable) {
		f.logger.Debug("ast: analysis skipped", "error", astErr)
	}
	res.ASTError = astErr
	candidates = append(candidates, res.Context.Relax(astDecision, cfg))

	res.Decision = engine.Max(candidates...)
	if res.Decision.Allowed() && res.Decision.Source != engine.SourceContext {
		res.Decision = engine.Allow("", engine.SourceRegex)
	}
	return res, nil
}

// gate consults session state for an ask and records the observation
// when the ask stands.
func (f *Firewall) gate(ev Event, res *Result) {
	if f.sessions == nil || ev.SessionID == "" {
		return
	}
	cfg, err := f.rules.Load()
	if err != nil {
		return
	}
	d := res.Decision
	rec := f.sessions.Load(ev.SessionID)
	g := session.NewGate(cfg, f.delay, f.now)
	if allowed, ok := g.Check(rec, d, ev.Command); ok {
		res.Decision = allowed
		res.Gated = true
		return
	}
	if d.PatternID == "" {
		return
	}
	if err := f.sessions.RecordAsk(ev.SessionID, d.PatternID, d.PatternText, ev.Command); err != nil {
		f.logger.Warn("session: record ask failed", "session", ev.SessionID, "pattern_id", d.PatternID, "error", err)
	}
}

func (f *Firewall) writeAudit(ev Event, res Result) {
	if f.audit == nil {
		return
	}
	entry := audit.Entry{
		Timestamp: f.now().UTC(),
		SessionID: ev.SessionID,
		Tool:      ev.Tool,
		Command:   ev.Command,
		Decision:  res.Decision.Action.String(),
		Reason:    res.Decision.Reason,
		PatternID: res.Decision.PatternID,
		Source:    string(res.Decision.Source),
		Cwd:       ev.Cwd,
	}
	if len(res.Chain) > 1 {
		entry.UnwrapChain = engine.ChainStrings(res.Chain)
	}
	if err := f.audit.Write(entry); err != nil {
		f.logger.Warn("audit: write failed", "error", err)
	}
}

// Approval is the outcome of a pre-approval request.
type Approval struct {
	// Approved is the ask-pattern added to the session allow list.
	Approved engine.RuleMatch

	// Matches lists every ask-pattern that matched, lowest id first.
	Matches []engine.RuleMatch

	// AlreadyApproved is true when the pattern was on the list before.
	AlreadyApproved bool
}

// Approve pre-approves the first ask-pattern matching cmd for the rest of
// sessionID. It refuses hard-blocked commands and commands no ask-pattern
// matches.
func (f *Firewall) Approve(ctx context.Context, sessionID, cmd string) (Approval, error) {
	if sessionID == "" {
		return Approval{}, ErrNoSession
	}
	if f.sessions == nil {
		return Approval{}, errors.New("firewall: no session store configured")
	}
	res, err := f.evaluate(ctx, cmd, nil)
	if err != nil {
		return Approval{}, err
	}
	if res.Decision.Blocked() {
		return Approval{}, &BlockedError{Decision: res.Decision}
	}

	asks := engine.AskMatches(res.Matches)
	if len(asks) == 0 {
		return Approval{}, ErrNoAskPattern
	}
	first := asks[0]
	added, err := f.sessions.AddExplicitAllow(sessionID, first.Rule.ID(), first.Rule.Pattern, first.Rule.Reason)
	if err != nil {
		return Approval{}, err
	}
	return Approval{Approved: first, Matches: asks, AlreadyApproved: !added}, nil
}

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

package session

import (
	"fmt"
	"regexp"
	"time"

	"github.com/damagecontrol/damage-control/internal/engine"
)

// DefaultAutoAllowDelay is how long a session-scoped ask must have been
// pending before a repeat is allowed without prompting.
const DefaultAutoAllowDelay = 60 * time.Second

// Gate turns a repeated ask into an allow based on session state.
type Gate struct {
	cfg   *engine.Config
	delay time.Duration
	now   func() time.Time
}

// NewGate creates a gate. A non-positive delay selects the default.
func NewGate(cfg *engine.Config, delay time.Duration, now func() time.Time) *Gate {
	if delay <= 0 {
		delay = DefaultAutoAllowDelay
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{cfg: cfg, delay: delay, now: now}
}

// Check returns the allow that replaces d, or false when d stands. Only
// ask decisions produced by a rule are eligible.
func (g *Gate) Check(rec *Record, d engine.Decision, cmd string) (engine.Decision, bool) {
	if rec == nil || d.Action != engine.ActionAsk || d.PatternID == "" {
		return d, false
	}

	if a, ok := rec.Allow(d.PatternID); ok && patternMatches(a.PatternText, cmd) {
		return engine.Decision{
			Action:      engine.ActionAllow,
			Reason:      fmt.Sprintf("session-approved: %s", d.Reason),
			PatternID:   d.PatternID,
			PatternText: d.PatternText,
			MatchedText: d.MatchedText,
			UnwrapDepth: d.UnwrapDepth,
			Source:      engine.SourceSession,
		}, true
	}

	if !g.cfg.HasSessionScope(d.PatternID) {
		return d, false
	}
	m, ok := rec.Memory(d.PatternID)
	if !ok || g.now().Sub(m.FirstSeen) < g.delay {
		return d, false
	}
	return engine.Decision{
		Action:      engine.ActionAllow,
		Reason:      fmt.Sprintf("session-approved after %s: %s", g.delay, d.Reason),
		PatternID:   d.PatternID,
		PatternText: d.PatternText,
		MatchedText: d.MatchedText,
		UnwrapDepth: d.UnwrapDepth,
		Source:      engine.SourceSession,
	}, true
}

// patternMatches compiles the stored pattern text the way rules are
// compiled. A pattern that no longer compiles matches nothing.
func patternMatches(pattern, cmd string) bool {
	if pattern == "" {
		return false
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return false
	}
	return re.MatchString(cmd)
}

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

package policies

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/damagecontrol/damage-control/internal/engine"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultParses(t *testing.T) {
	cfg, err := engine.Parse(Default(), DefaultName, discard())
	require.NoError(t, err)

	// Every pattern compiles, so no id is skipped.
	require.Len(t, cfg.Rules(), len(cfg.BashToolPatterns))
	for _, r := range cfg.Rules() {
		assert.NotEmpty(t, r.Reason, r.ID())
		if r.SessionScope {
			assert.True(t, r.Ask, "%s: sessionScope only applies to ask rules", r.ID())
		}
	}

	assert.NotEmpty(t, cfg.SafeCommands)
	assert.True(t, cfg.IsDangerousCommand("rm"))
	assert.True(t, cfg.IsReadOnlySearch("grep"))
	assert.True(t, cfg.ASTAnalysis.IsEnabled())
	assert.Equal(t, engine.MaxUnwrapDepth, cfg.UnwrapDepth())
}

func TestDefaultLints(t *testing.T) {
	result := engine.LintRuleBytes(Default(), DefaultName)
	for _, f := range result.Findings {
		assert.Equal(t, engine.LintInfo, f.Severity, f.String())
	}
	assert.Zero(t, result.Errors)
	assert.Zero(t, result.Warnings)
}

// The inline tests are checked against the regex and git passes. The
// AST pass has its own tests.
func TestDefaultInlineTests(t *testing.T) {
	cfg, err := engine.Parse(Default(), DefaultName, discard())
	require.NoError(t, err)

	var inline struct {
		Tests []engine.TestCase `yaml:"tests"`
	}
	require.NoError(t, yaml.Unmarshal(Default(), &inline))
	require.NotEmpty(t, inline.Tests)

	eval := func(cmd string) engine.Decision {
		n := engine.Normalize(cmd)
		if engine.IsReadOnlyPipeline(n.Command, cfg) {
			return engine.Allow(engine.ReadOnlyReason, engine.SourceRegex)
		}
		chain := engine.Unwrap(n.Command, cfg.UnwrapDepth())
		ctx := engine.DetectContext(n.Original, nil)
		var ds []engine.Decision
		for _, m := range engine.ScanAll(cfg, chain) {
			ds = append(ds, ctx.Relax(m.Decision(), cfg))
		}
		ds = append(ds, engine.AnalyzeGit(n.Command))
		return engine.Max(ds...)
	}

	for _, r := range engine.RunTests(eval, &engine.TestSuite{Tests: inline.Tests}) {
		require.NoError(t, r.Error, r.Case.Name)
		assert.True(t, r.Passed, "%s: got %s (%s)", r.Case.Name, r.Decision.Action, r.Decision.Reason)
	}
}

func TestProfile(t *testing.T) {
	data, err := Profile("default")
	require.NoError(t, err)
	assert.Equal(t, Default(), data)

	_, err = Profile("paranoid")
	assert.Error(t, err)
}

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

package firewall

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damagecontrol/damage-control/internal/ast"
	"github.com/damagecontrol/damage-control/internal/audit"
	"github.com/damagecontrol/damage-control/internal/engine"
	"github.com/damagecontrol/damage-control/internal/session"
	"github.com/damagecontrol/damage-control/policies"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memSink struct {
	entries []audit.Entry
}

func (s *memSink) Write(e audit.Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

func (s *memSink) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	fw       *Firewall
	clock    *fakeClock
	sink     *memSink
	sessions *session.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sink := &memSink{}
	logger := discardLogger()
	sessions := session.NewStore(t.TempDir(), session.WithClock(clock.Now), session.WithLogger(logger))
	fw := New(Options{
		Rules:          engine.NewLoader(engine.NewBytesStore(policies.DefaultName, policies.Default(), logger)),
		Sessions:       sessions,
		Audit:          sink,
		AutoAllowDelay: 60 * time.Second,
		Now:            clock.Now,
		Logger:         logger,
	})
	return &fixture{fw: fw, clock: clock, sink: sink, sessions: sessions}
}

func bash(sessionID, cmd string) Event {
	return Event{SessionID: sessionID, Tool: BashTool, Command: cmd}
}

func TestDecide_Scenarios(t *testing.T) {
	tests := []struct {
		name   string
		cmd    string
		want   engine.Action
		source engine.Source
		needs  bool // requires the bash parser
	}{
		{"wrapped root wipe", `bash -c 'rm -rf /'`, engine.ActionBlock, "", false},
		{"force with lease", "git push --force-with-lease", engine.ActionAllow, "", false},
		{"force push cluster", "git push -fu origin main", engine.ActionBlock, engine.SourceGit, false},
		{"checkout new branch", "git checkout -b feature -- .", engine.ActionAllow, "", false},
		{"unknown variable", "rm $UNKNOWN_VAR", engine.ActionAsk, engine.SourceAST, true},
		{"safe variable", "rm $HOME/cache", engine.ActionAllow, "", false},
		{"read-only pipeline", "grep 'rm -rf /' *.sh | wc -l", engine.ActionAllow, "", false},
		{"eval dynamic", `eval "$CMD"`, engine.ActionAsk, engine.SourceAST, true},
		{"plain listing", "ls -la", engine.ActionAllow, "", false},
		{"sudo", "sudo apt-get update", engine.ActionAsk, engine.SourceRegex, false},
		{"env prefix", "FOO=1  rm   -rf /", engine.ActionBlock, "", false},
		{"nested substitution", "ls $(rm -rf /)", engine.ActionBlock, "", false},
		{"wrapped force push", `bash -c 'git push --force origin main'`, engine.ActionBlock, engine.SourceGit, false},
		{"wrapped hard reset", `sh -c 'git reset --hard HEAD~3'`, engine.ActionBlock, engine.SourceGit, false},
		{"command builtin reset", "command git reset --hard", engine.ActionBlock, engine.SourceGit, false},
		{"exec force push", "exec git push -f origin main", engine.ActionBlock, engine.SourceGit, false},
		{"wrapped lease push", `bash -c 'git push --force-with-lease'`, engine.ActionAllow, "", false},
		{"shell of dynamic payload", `bash -c "$CMD"`, engine.ActionAsk, engine.SourceAST, true},
		{"sql heredoc with text output", "psql mydb <<SQL > result.txt\nDROP TABLE users;\nSQL", engine.ActionBlock, engine.SourceRegex, false},
		{"sql heredoc after notes", "cat > NOTES.md <<'EOF'\nx\nEOF\npsql <<SQL\nDROP TABLE users;\nSQL", engine.ActionBlock, engine.SourceRegex, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.needs && !ast.Available() {
				t.Skip("bash parser not built in")
			}
			f := newFixture(t)
			res, err := f.fw.Decide(context.Background(), bash("s1", tt.cmd))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Decision.Action, res.Decision.Reason)
			if tt.source != "" {
				assert.Equal(t, tt.source, res.Decision.Source)
			}
			if tt.want != engine.ActionAllow {
				assert.NotEmpty(t, res.Decision.Reason)
			}
		})
	}
}

func TestDecide_SessionScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First sighting asks and is recorded.
	res, err := f.fw.Decide(ctx, bash("s1", "docker compose down"))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAsk, res.Decision.Action)
	assert.Equal(t, "yaml_pattern_17", res.Decision.PatternID)

	rec := f.sessions.Load("s1")
	require.Len(t, rec.SessionMemory, 1)
	first := rec.SessionMemory[0].FirstSeen

	// Inside the delay it still asks, and first_seen does not move.
	f.clock.Advance(30 * time.Second)
	res, err = f.fw.Decide(ctx, bash("s1", "docker compose down"))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAsk, res.Decision.Action)
	rec = f.sessions.Load("s1")
	require.Len(t, rec.SessionMemory, 1)
	assert.Equal(t, first, rec.SessionMemory[0].FirstSeen)

	// After the delay it is allowed by the session gate.
	f.clock.Advance(30 * time.Second)
	res, err = f.fw.Decide(ctx, bash("s1", "docker compose down"))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAllow, res.Decision.Action)
	assert.Equal(t, engine.SourceSession, res.Decision.Source)
	assert.True(t, res.Gated)

	// A different ask-pattern is not covered.
	res, err = f.fw.Decide(ctx, bash("s1", "docker compose down --volumes"))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAsk, res.Decision.Action)
	assert.Equal(t, "yaml_pattern_16", res.Decision.PatternID)

	// Nor is another session.
	res, err = f.fw.Decide(ctx, bash("s2", "docker compose down"))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAsk, res.Decision.Action)
}

func TestDecide_NoSessionID(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(time.Hour)

	for i := 0; i < 2; i++ {
		res, err := f.fw.Decide(context.Background(), bash("", "docker compose down"))
		require.NoError(t, err)
		assert.Equal(t, engine.ActionAsk, res.Decision.Action)
	}
	entries, err := os.ReadDir(f.sessions.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApprove_ThenDecide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	approval, err := f.fw.Approve(ctx, "s1", "sudo systemctl restart nginx")
	require.NoError(t, err)
	assert.Equal(t, "yaml_pattern_13", approval.Approved.Rule.ID())
	assert.False(t, approval.AlreadyApproved)

	res, err := f.fw.Decide(ctx, bash("s1", "sudo systemctl status nginx"))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAllow, res.Decision.Action)
	assert.Equal(t, engine.SourceSession, res.Decision.Source)
	assert.True(t, strings.HasPrefix(res.Decision.Reason, "session-approved"))

	approval, err = f.fw.Approve(ctx, "s1", "sudo ls")
	require.NoError(t, err)
	assert.True(t, approval.AlreadyApproved)
}

func TestApprove_Refusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.fw.Approve(ctx, "", "sudo ls")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = f.fw.Approve(ctx, "s1", "rm -rf /")
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "yaml_pattern_0", blocked.Decision.PatternID)

	_, err = f.fw.Approve(ctx, "s1", "ls -la")
	assert.ErrorIs(t, err, ErrNoAskPattern)

	assert.Empty(t, f.sessions.Load("s1").ExplicitAllows)
}

func TestApprove_ListsAllAskMatches(t *testing.T) {
	f := newFixture(t)
	approval, err := f.fw.Approve(context.Background(), "s1", "sudo docker compose down")
	require.NoError(t, err)
	assert.Equal(t, "yaml_pattern_13", approval.Approved.Rule.ID())
	require.Len(t, approval.Matches, 2)
	assert.Equal(t, "yaml_pattern_17", approval.Matches[1].Rule.ID())
}

// Session state never weakens a hard block.
func TestDecide_HardBlockSurvivesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.fw.Approve(ctx, "s1", "sudo ls")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	res, err := f.fw.Decide(ctx, bash("s1", "sudo rm -rf /"))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionBlock, res.Decision.Action)
	assert.False(t, res.Gated)
}

func TestDecide_Context(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.fw.Decide(ctx, bash("s1", `git commit -m "drop table users from the fixture"`))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAsk, res.Decision.Action)
	assert.Equal(t, engine.SourceContext, res.Decision.Source)
	assert.Equal(t, engine.ContextCommitMessage, res.Context.Kind)

	// Outside prose the same rule blocks.
	res, err = f.fw.Decide(ctx, bash("s1", `psql -c "drop table users"`))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionBlock, res.Decision.Action)

	// Rules that are not context-sensitive are never relaxed.
	res, err = f.fw.Decide(ctx, bash("s1", `git commit -m "fix" && rm -rf /`))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionBlock, res.Decision.Action)
}

func TestDecide_ContextFromMeta(t *testing.T) {
	f := newFixture(t)
	ev := bash("s1", `echo "run shutdown -h now to stop the box"`)
	ev.Meta = map[string]any{"file_path": "docs/ops.md"}

	res, err := f.fw.Decide(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAllow, res.Decision.Action)
	assert.Equal(t, engine.SourceContext, res.Decision.Source)
}

func TestDecide_OtherToolsNotAudited(t *testing.T) {
	f := newFixture(t)
	res, err := f.fw.Decide(context.Background(), Event{SessionID: "s1", Tool: "Edit", Command: "rm -rf /"})
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAllow, res.Decision.Action)
	assert.Empty(t, f.sink.entries)
}

func TestDecide_AuditEntry(t *testing.T) {
	f := newFixture(t)
	ev := bash("s1", `bash -c 'rm -rf /'`)
	ev.Cwd = "/work"

	_, err := f.fw.Decide(context.Background(), ev)
	require.NoError(t, err)
	_, err = f.fw.Decide(context.Background(), bash("s1", "ls"))
	require.NoError(t, err)

	require.Len(t, f.sink.entries, 2)
	e := f.sink.entries[0]
	assert.Equal(t, "block", e.Decision)
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, BashTool, e.Tool)
	assert.Equal(t, "/work", e.Cwd)
	assert.Equal(t, f.clock.Now(), e.Timestamp)
	assert.Equal(t, []string{"rm -rf /"}, e.UnwrapChain)

	assert.Equal(t, "allow", f.sink.entries[1].Decision)
	assert.Empty(t, f.sink.entries[1].UnwrapChain)
}

func TestDecide_AuditRedacted(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	sink, err := audit.NewJSONLSink(dir, audit.WithClock(f.clock.Now), audit.WithLogger(discardLogger()))
	require.NoError(t, err)
	f.fw.audit = sink

	cmd := `mysql -u root -phunter2 -e "drop table users"`
	res, err := f.fw.Decide(context.Background(), bash("s1", cmd))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionBlock, res.Decision.Action)
	_, err = f.fw.Decide(context.Background(), bash("s1", "sshpass -phunter2 ssh deploy@host uptime"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(filepath.Join(dir, audit.DailyFileName(f.clock.Now())))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Contains(t, string(data), "mysql -u root -p"+audit.Redacted)
	assert.Contains(t, string(data), "sshpass -p"+audit.Redacted+" ssh deploy@host uptime")
}

func TestDecide_ConfigError(t *testing.T) {
	fw := New(Options{
		Rules:  engine.NewLoader(engine.NewFileStore(filepath.Join(t.TempDir(), "missing.yaml"), discardLogger())),
		Logger: discardLogger(),
	})
	_, err := fw.Decide(context.Background(), bash("s1", "ls"))
	require.Error(t, err)
	assert.True(t, engine.IsConfigError(err))
}

type failingStore struct{}

func (failingStore) Load() (*engine.Config, error) {
	return nil, &engine.ConfigError{Path: "rules.yaml", Err: errors.New("boom")}
}

func (failingStore) Path() string { return "rules.yaml" }

func TestInspect_NoSideEffects(t *testing.T) {
	f := newFixture(t)
	res, err := f.fw.Inspect(context.Background(), "docker compose down", nil)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAsk, res.Decision.Action)
	assert.Empty(t, f.sink.entries)
	assert.Empty(t, f.sessions.Load("s1").SessionMemory)

	fw := New(Options{Rules: engine.NewLoader(failingStore{})})
	_, err = fw.Inspect(context.Background(), "ls", nil)
	assert.True(t, engine.IsConfigError(err))
}

// The AST pass only ever raises the verdict of the string passes.
func TestDecide_ASTNeverLowers(t *testing.T) {
	f := newFixture(t)
	cfg, err := f.fw.rules.Load()
	require.NoError(t, err)

	for _, cmd := range []string{
		"rm -rf /",
		"sudo ls",
		`bash -c "bash -c 'rm -rf ~'"`,
		"rm $X; sudo true",
		"eval 'docker compose down'",
	} {
		n := engine.Normalize(cmd)
		base := engine.Strongest(engine.ScanAll(cfg, engine.Unwrap(n.Command, cfg.UnwrapDepth())))
		res, err := f.fw.Inspect(context.Background(), cmd, nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, int(res.Decision.Action), int(base.Action), cmd)
	}
}

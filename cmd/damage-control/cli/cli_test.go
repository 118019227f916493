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

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damagecontrol/damage-control/internal/audit"
	"github.com/damagecontrol/damage-control/internal/build"
	"github.com/damagecontrol/damage-control/internal/session"
)

type testEnv struct {
	home   string
	logDir string
}

// setupEnv points every path at a temp directory and clears the
// variables the CLI reads.
func setupEnv(t *testing.T, sessionID string) testEnv {
	t.Helper()
	root := t.TempDir()
	e := testEnv{
		home:   filepath.Join(root, "hooks"),
		logDir: filepath.Join(root, "logs"),
	}
	t.Setenv("HOME", root)
	t.Setenv("NO_COLOR", "1")
	t.Setenv("DAMAGE_CONTROL_HOME", e.home)
	t.Setenv("DAMAGE_CONTROL_LOG_DIR", e.logDir)
	t.Setenv("CLAUDE_SESSION_ID", sessionID)
	t.Setenv("SESSION_AUTO_ALLOW_DELAY", "")
	t.Setenv("DAMAGE_CONTROL_LOG_ROTATION", "")
	t.Setenv("DAMAGE_CONTROL_LOG_DRY_RUN", "")
	return e
}

func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := NewRootCmd(context.Background(), strings.NewReader(stdin), stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()

	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

type hookResult struct {
	Decision           string `json:"decision"`
	Reason             string `json:"reason"`
	Source             string `json:"source"`
	PatternID          string `json:"pattern_id"`
	Error              string `json:"error"`
	HookSpecificOutput struct {
		HookEventName      string `json:"hookEventName"`
		PermissionDecision string `json:"permissionDecision"`
	} `json:"hookSpecificOutput"`
}

func runHookCLI(t *testing.T, input string, args ...string) (hookResult, string, int) {
	t.Helper()
	stdout, stderr, err := runCLI(t, input, append([]string{"hook"}, args...)...)
	var out hookResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &out), stdout)
	return out, stderr, ExitCode(err)
}

func bashEvent(sessionID, command string) string {
	data, _ := json.Marshal(map[string]any{
		"session_id":      sessionID,
		"hook_event_name": "PreToolUse",
		"tool_name":       "Bash",
		"tool_input":      map[string]any{"command": command},
		"cwd":             "/work",
	})
	return string(data)
}

func TestVersionCommand(t *testing.T) {
	setupEnv(t, "")
	stdout, _, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "damage-control "+build.Version())
	assert.Contains(t, stdout, "bash parser:")
}

func TestHook_Block(t *testing.T) {
	env := setupEnv(t, "s1")

	out, stderr, code := runHookCLI(t, bashEvent("s1", "bash -c 'rm -rf /'"))
	assert.Equal(t, 2, code)
	assert.Equal(t, "block", out.Decision)
	assert.Equal(t, "deny", out.HookSpecificOutput.PermissionDecision)
	assert.Equal(t, "PreToolUse", out.HookSpecificOutput.HookEventName)
	assert.Contains(t, stderr, "Damage Control blocked: bash -c 'rm -rf /'")

	entries, err := audit.ReadRecent(env.logDir, audit.Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "block", entries[0].Decision)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.Equal(t, "/work", entries[0].Cwd)
	assert.Equal(t, []string{"rm -rf /"}, entries[0].UnwrapChain)
}

func TestHook_Allow(t *testing.T) {
	setupEnv(t, "s1")

	out, stderr, code := runHookCLI(t, `{"session_id":"s1","tool":"Bash","command":"git push --force-with-lease"}`)
	assert.Equal(t, 0, code)
	assert.Equal(t, "allow", out.Decision)
	assert.Empty(t, out.HookSpecificOutput.PermissionDecision)
	assert.Empty(t, stderr)
}

func TestHook_AskRecordsSession(t *testing.T) {
	env := setupEnv(t, "s1")

	out, _, code := runHookCLI(t, bashEvent("s1", "docker compose down"))
	assert.Equal(t, 0, code)
	assert.Equal(t, "ask", out.Decision)
	assert.Equal(t, "ask", out.HookSpecificOutput.PermissionDecision)
	assert.Equal(t, "yaml_pattern_17", out.PatternID)

	rec := session.NewStore(filepath.Join(env.home, "sessions")).Load("s1")
	require.Len(t, rec.SessionMemory, 1)
	assert.Equal(t, "yaml_pattern_17", rec.SessionMemory[0].PatternID)
	assert.Equal(t, session.CommandHash("docker compose down"), rec.SessionMemory[0].CommandHash)
}

func TestHook_SessionFromEnvironment(t *testing.T) {
	env := setupEnv(t, "env-session")

	// The event carries no session id; CLAUDE_SESSION_ID is used.
	out, _, code := runHookCLI(t, `{"tool_name":"Bash","tool_input":{"command":"docker compose down"}}`)
	assert.Equal(t, 0, code)
	assert.Equal(t, "ask", out.Decision)

	rec := session.NewStore(filepath.Join(env.home, "sessions")).Load("env-session")
	require.Len(t, rec.SessionMemory, 1)
	assert.Equal(t, "yaml_pattern_17", rec.SessionMemory[0].PatternID)

	// An approval made with dc-allow applies to the same hook events.
	_, _, err := runCLI(t, "", "allow", "sudo ls")
	require.NoError(t, err)
	out, _, code = runHookCLI(t, `{"tool_name":"Bash","tool_input":{"command":"sudo ls /root"}}`)
	assert.Equal(t, 0, code)
	assert.Equal(t, "allow", out.Decision)
	assert.Equal(t, "session-allow", out.Source)

	entries, err := audit.ReadRecent(env.logDir, audit.Filter{SessionID: "env-session"}, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestHook_BadInputFailsSafe(t *testing.T) {
	setupEnv(t, "s1")

	for _, input := range []string{"", "{", `["Bash"]`} {
		out, _, code := runHookCLI(t, input)
		assert.Equal(t, 1, code, input)
		assert.Equal(t, "ask", out.Decision)
		assert.Equal(t, "error", out.Source)
		assert.NotEmpty(t, out.Error)
	}
}

func TestHook_ConfigError(t *testing.T) {
	env := setupEnv(t, "s1")
	missing := filepath.Join(env.home, "nope.yaml")

	out, _, code := runHookCLI(t, bashEvent("s1", "ls"), "--config", missing)
	assert.Equal(t, 1, code)
	assert.Equal(t, "ask", out.Decision)
	assert.Contains(t, out.Error, "nope.yaml")
}

func TestHook_RulesFromHome(t *testing.T) {
	env := setupEnv(t, "s1")
	require.NoError(t, os.MkdirAll(env.home, 0o700))
	rules := "bashToolPatterns:\n  - pattern: '\\bmake\\s+deploy\\b'\n    reason: deploys to production\n"
	require.NoError(t, os.WriteFile(filepath.Join(env.home, "patterns.yaml"), []byte(rules), 0o600))

	out, _, code := runHookCLI(t, bashEvent("s1", "make deploy"))
	assert.Equal(t, 2, code)
	assert.Equal(t, "deploys to production", out.Reason)
}

func TestHook_OtherToolNotAudited(t *testing.T) {
	env := setupEnv(t, "s1")

	out, _, code := runHookCLI(t, `{"tool_name":"Write","tool_input":{"file_path":"x.go","content":"rm -rf /"}}`)
	assert.Equal(t, 0, code)
	assert.Equal(t, "allow", out.Decision)

	files, err := audit.ListLogFiles(env.logDir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestAllow_ThenHook(t *testing.T) {
	setupEnv(t, "s1")

	stdout, _, err := runCLI(t, "", "allow", "sudo", "systemctl", "restart", "nginx")
	require.NoError(t, err)
	assert.Contains(t, stdout, "yaml_pattern_13")
	assert.Contains(t, stdout, "Approved yaml_pattern_13 for session s1.")

	out, _, code := runHookCLI(t, bashEvent("s1", "sudo journalctl -u nginx"))
	assert.Equal(t, 0, code)
	assert.Equal(t, "allow", out.Decision)
	assert.Equal(t, "session-allow", out.Source)

	stdout, _, err = runCLI(t, "", "allow", "sudo ls")
	require.NoError(t, err)
	assert.Contains(t, stdout, "already approved")
}

func TestAllow_Refusals(t *testing.T) {
	setupEnv(t, "")
	_, _, err := runCLI(t, "", "allow", "sudo ls")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLAUDE_SESSION_ID")

	setupEnv(t, "s1")
	_, _, err = runCLI(t, "", "allow", "rm -rf /")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
	assert.Equal(t, 1, ExitCode(err))

	_, _, err = runCLI(t, "", "allow", "ls -la")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ask-pattern")
}

func TestCheck(t *testing.T) {
	env := setupEnv(t, "s1")

	stdout, _, err := runCLI(t, "", "check", "bash -c 'rm -rf /'")
	assert.Equal(t, 2, ExitCode(err))
	assert.Contains(t, stdout, "BLOCK")
	assert.Contains(t, stdout, "yaml_pattern_0")
	assert.Contains(t, stdout, "Unwrap chain:")

	stdout, _, err = runCLI(t, "", "check", "--json", "docker compose down")
	require.NoError(t, err)
	var out hookResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "ask", out.Decision)

	stdout, _, err = runCLI(t, "", "check", "--file", "docs/ops.md", `echo "shutdown -h now" >> docs/ops.md`)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Context: documentation docs/ops.md")

	// check never records or audits.
	files, err := audit.ListLogFiles(env.logDir)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Empty(t, session.NewStore(filepath.Join(env.home, "sessions")).Load("s1").SessionMemory)
}

func TestTest_BuiltinRules(t *testing.T) {
	setupEnv(t, "")
	stdout, _, err := runCLI(t, "", "test")
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, " 0 failed")
}

func TestTest_SuiteFile(t *testing.T) {
	setupEnv(t, "")
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(`bashToolPatterns:
  - pattern: '\bterraform\s+destroy\b'
    reason: destroys infrastructure
    ask: true
`), 0o600))
	suite := filepath.Join(dir, "suite.yaml")
	require.NoError(t, os.WriteFile(suite, []byte(`rules: rules.yaml
tests:
  - name: destroy asks
    command: terraform destroy
    expect: ask
    expect_pattern: yaml_pattern_0
  - name: wrong expectation
    command: terraform plan
    expect: block
`), 0o600))

	stdout, _, err := runCLI(t, "", "test", suite)
	assert.Equal(t, 1, ExitCode(err))
	assert.Contains(t, stdout, "PASS  destroy asks")
	assert.Contains(t, stdout, "FAIL  wrong expectation")
	assert.Contains(t, stdout, "1 passed, 1 failed")
}

func TestLint(t *testing.T) {
	setupEnv(t, "")
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("bashToolPatterns:\n  - pattern: '(unclosed'\n"), 0o600))

	stdout, _, err := runCLI(t, "", "lint", bad)
	assert.Equal(t, 1, ExitCode(err))
	assert.Contains(t, stdout, "yaml_pattern_0")

	_, _, err = runCLI(t, "", "lint", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func writeEntries(t *testing.T, dir string, entries ...audit.Entry) {
	t.Helper()
	sink, err := audit.NewJSONLSink(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, sink.Write(e))
	}
	require.NoError(t, sink.Close())
}

func TestLog(t *testing.T) {
	env := setupEnv(t, "")
	now := time.Now().UTC()
	writeEntries(t, env.logDir,
		audit.Entry{Timestamp: now.Add(-time.Minute), SessionID: "a", Tool: "Bash", Command: "ls", Decision: "allow", Source: "regex"},
		audit.Entry{Timestamp: now, SessionID: "b", Tool: "Bash", Command: "rm -rf /", Decision: "block", PatternID: "yaml_pattern_0", Source: "regex"},
	)

	stdout, _, err := runCLI(t, "", "log", "--no-color")
	require.NoError(t, err)
	lines := strings.Split(stdout, "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "yaml_pattern_0")
	assert.Contains(t, lines[0], "ago")

	stdout, _, err = runCLI(t, "", "log", "--decision", "block", "--json")
	require.NoError(t, err)
	var e audit.Entry
	require.NoError(t, json.Unmarshal([]byte(stdout), &e))
	assert.Equal(t, "b", e.SessionID)

	stdout, _, err = runCLI(t, "", "log", "--session", "nobody")
	require.NoError(t, err)
	assert.Equal(t, "No entries found.", stdout)

	_, _, err = runCLI(t, "", "log", "--decision", "deny")
	assert.Error(t, err)
}

func TestRotate(t *testing.T) {
	env := setupEnv(t, "")
	require.NoError(t, os.MkdirAll(env.logDir, 0o700))
	old := filepath.Join(env.logDir, audit.DailyFileName(time.Now().AddDate(0, 0, -10)))
	require.NoError(t, os.WriteFile(old, []byte(`{"decision":"allow"}`+"\n"), 0o600))

	stdout, _, err := runCLI(t, "", "rotate", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, stdout, "[dry run] would have archived")
	assert.FileExists(t, old)

	t.Setenv("DAMAGE_CONTROL_LOG_ROTATION", "disabled")
	stdout, _, err = runCLI(t, "", "rotate")
	require.NoError(t, err)
	assert.Contains(t, stdout, "disabled")
	assert.FileExists(t, old)

	t.Setenv("DAMAGE_CONTROL_LOG_ROTATION", "")
	stdout, _, err = runCLI(t, "", "rotate")
	require.NoError(t, err)
	assert.Contains(t, stdout, "1 archived")
	assert.NoFileExists(t, old)
	assert.FileExists(t, filepath.Join(env.logDir, audit.ArchiveDirName, filepath.Base(old)+".gz"))
}

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
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damagecontrol/damage-control/internal/engine"
)

const gateRules = `
bashToolPatterns:
  - pattern: '\bsudo\b'
    reason: sudo requires confirmation
    ask: true
  - pattern: 'docker\s+compose\s+down\b'
    reason: compose down stops the stack
    ask: true
    sessionScope: true
  - pattern: 'rm\s+-rf\s+/'
    reason: root wipe
`

func gateConfig(t *testing.T) *engine.Config {
	t.Helper()
	cfg, err := engine.Parse([]byte(gateRules), "gate.yaml", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return cfg
}

func askFor(cfg *engine.Config, cmd string) engine.Decision {
	return engine.ScanString(cfg, cmd)
}

func TestGate_DelayedMemory(t *testing.T) {
	cfg := gateConfig(t)
	clock := newFakeClock()
	s := testStore(t, clock)
	g := NewGate(cfg, time.Minute, clock.Now)

	cmd := "docker compose down"
	d := askFor(cfg, cmd)
	require.Equal(t, engine.ActionAsk, d.Action)
	require.Equal(t, "yaml_pattern_1", d.PatternID)

	_, ok := g.Check(s.Load("s"), d, cmd)
	assert.False(t, ok, "nothing recorded yet")
	require.NoError(t, s.RecordAsk("s", d.PatternID, d.PatternText, cmd))

	clock.Advance(59 * time.Second)
	_, ok = g.Check(s.Load("s"), d, cmd)
	assert.False(t, ok, "inside the delay")

	clock.Advance(time.Second)
	got, ok := g.Check(s.Load("s"), d, cmd)
	require.True(t, ok)
	assert.Equal(t, engine.ActionAllow, got.Action)
	assert.Equal(t, engine.SourceSession, got.Source)
	assert.Equal(t, "yaml_pattern_1", got.PatternID)
}

func TestGate_MemoryRequiresSessionScope(t *testing.T) {
	cfg := gateConfig(t)
	clock := newFakeClock()
	s := testStore(t, clock)
	g := NewGate(cfg, time.Minute, clock.Now)

	d := askFor(cfg, "sudo ls")
	require.NoError(t, s.RecordAsk("s", d.PatternID, d.PatternText, "sudo ls"))
	clock.Advance(time.Hour)

	_, ok := g.Check(s.Load("s"), d, "sudo ls")
	assert.False(t, ok)
}

func TestGate_ExplicitAllow(t *testing.T) {
	cfg := gateConfig(t)
	clock := newFakeClock()
	s := testStore(t, clock)
	g := NewGate(cfg, time.Minute, clock.Now)

	d := askFor(cfg, "sudo apt update")
	_, err := s.AddExplicitAllow("s", d.PatternID, d.PatternText, d.Reason)
	require.NoError(t, err)

	got, ok := g.Check(s.Load("s"), d, "sudo apt update")
	require.True(t, ok)
	assert.Equal(t, engine.SourceSession, got.Source)

	other := d
	other.PatternID = "yaml_pattern_1"
	_, ok = g.Check(s.Load("s"), other, "docker compose down")
	assert.False(t, ok, "allow is keyed by pattern id")
}

func TestGate_ExplicitAllowTextMustMatch(t *testing.T) {
	cfg := gateConfig(t)
	s := testStore(t, newFakeClock())
	g := NewGate(cfg, 0, nil)

	d := askFor(cfg, "sudo ls")
	_, err := s.AddExplicitAllow("s", d.PatternID, `\bsudo\s+ls\b`, d.Reason)
	require.NoError(t, err)

	_, ok := g.Check(s.Load("s"), d, "sudo ls")
	assert.True(t, ok)
	_, ok = g.Check(s.Load("s"), d, "sudo reboot")
	assert.False(t, ok)
}

// The gate leaves block and allow decisions alone.
func TestGate_OnlyAsk(t *testing.T) {
	cfg := gateConfig(t)
	clock := newFakeClock()
	s := testStore(t, clock)
	g := NewGate(cfg, time.Second, clock.Now)

	block := askFor(cfg, "rm -rf /")
	require.Equal(t, engine.ActionBlock, block.Action)
	_, err := s.AddExplicitAllow("s", block.PatternID, block.PatternText, "nope")
	require.NoError(t, err)
	require.NoError(t, s.RecordAsk("s", block.PatternID, block.PatternText, "rm -rf /"))
	clock.Advance(time.Hour)

	got, ok := g.Check(s.Load("s"), block, "rm -rf /")
	assert.False(t, ok)
	assert.Equal(t, block, got)

	allow := engine.Allow("", engine.SourceRegex)
	got, ok = g.Check(s.Load("s"), allow, "ls")
	assert.False(t, ok)
	assert.Equal(t, allow, got)

	noRule := engine.Decision{Action: engine.ActionAsk, Source: engine.SourceAST}
	_, ok = g.Check(s.Load("s"), noRule, "rm $X")
	assert.False(t, ok)
}

func TestNewGate_DefaultDelay(t *testing.T) {
	g := NewGate(gateConfig(t), -1, nil)
	assert.Equal(t, DefaultAutoAllowDelay, g.delay)
}

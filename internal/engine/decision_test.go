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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMax(t *testing.T) {
	allow := Allow("", SourceRegex)
	ask := Decision{Action: ActionAsk, Reason: "first ask", Source: SourceRegex}
	ask2 := Decision{Action: ActionAsk, Reason: "second ask", Source: SourceAST}
	block := Decision{Action: ActionBlock, Reason: "block", Source: SourceGit}

	assert.Equal(t, ActionAllow, Max().Action)
	assert.Equal(t, ask, Max(allow, ask))
	assert.Equal(t, block, Max(ask, block, allow))
	assert.Equal(t, ask, Max(ask, ask2), "ties keep the earliest")
	assert.Equal(t, ask2, Max(allow, ask2, ask))
}

// Composition never yields less than the strongest input.
func TestMax_Monotonic(t *testing.T) {
	actions := []Action{ActionAllow, ActionAsk, ActionBlock}
	for _, a := range actions {
		for _, b := range actions {
			for _, c := range actions {
				got := Max(Decision{Action: a}, Decision{Action: b}, Decision{Action: c})
				assert.GreaterOrEqual(t, int(got.Action), int(a))
				assert.GreaterOrEqual(t, int(got.Action), int(b))
				assert.GreaterOrEqual(t, int(got.Action), int(c))
			}
		}
	}
}

func TestDowngrade(t *testing.T) {
	assert.Equal(t, ActionAsk, Decision{Action: ActionBlock}.Downgrade().Action)
	assert.Equal(t, ActionAllow, Decision{Action: ActionAsk}.Downgrade().Action)
	assert.Equal(t, ActionAllow, Decision{Action: ActionAllow}.Downgrade().Action)
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in   string
		want Action
	}{
		{"allow", ActionAllow},
		{"ASK", ActionAsk},
		{"block", ActionBlock},
		{" deny ", ActionBlock},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseAction("later")
	assert.Error(t, err)
}

func TestAction_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		D Action `json:"d"`
	}{ActionBlock})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"block"}`, string(b))

	var out struct {
		D Action `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"d":"ask"}`), &out))
	assert.Equal(t, ActionAsk, out.D)

	assert.Equal(t, "action(9)", Action(9).String())
}

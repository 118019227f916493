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
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

// testRules keeps ids stable for the assertions below:
//
//	0 rm -rf /            block
//	1 sudo                ask
//	2 (broken)            dropped
//	3 compose down -v     ask
//	4 compose down        ask, sessionScope
//	5 drop table          block, contextSensitive
//	6 shutdown            ask, contextSensitive
const testRules = `
bashToolPatterns:
  - pattern: '\brm\s+-[a-z]*r[a-z]*f[a-z]*\s+/(\s|$)'
    reason: rm -rf on filesystem root
  - pattern: '\bsudo\b'
    reason: sudo requires confirmation
    ask: true
  - pattern: '('
    reason: broken on purpose
  - pattern: 'docker\s+compose\s+down\b.*--volumes'
    reason: compose down removes volumes
    ask: true
  - pattern: 'docker\s+compose\s+down\b'
    reason: compose down stops the stack
    ask: true
    sessionScope: true
  - pattern: 'drop\s+table'
    reason: SQL DROP TABLE
    contextSensitive: true
  - pattern: '\bshutdown\b'
    reason: shutdown stops the machine
    ask: true
    contextSensitive: true
safeCommands: [pwd, whoami]
dangerousCommands: [rm, mv]
readOnlySearchCommands: [grep, rg, wc, cat, find, ls, head, sort]
astAnalysis:
  enabled: true
  timeoutMs: 150
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Parse([]byte(testRules), "test.yaml", discardLogger())
	require.NoError(t, err)
	return cfg
}

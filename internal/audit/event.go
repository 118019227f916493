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

// Package audit records every firewall verdict.
//
// Each Bash invocation appends one JSON line to a per-day file named
// <YYYY-MM-DD>.log (UTC). Commands are redacted before they reach disk.
// Files are opened with O_APPEND so concurrent hook processes never split
// a line. Archival and deletion of old files is a separate task (Rotator).
package audit

import (
	"crypto/rand"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entry is one audited invocation.
type Entry struct {
	// ID is a ULID, time-ordered and unique across processes.
	ID string `json:"id"`

	// Timestamp is when the decision was made (UTC).
	Timestamp time.Time `json:"timestamp"`

	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`

	// Command is the outer command after redaction.
	Command string `json:"command_redacted"`

	// Decision is "allow", "ask" or "block".
	Decision string `json:"decision"`

	Reason    string `json:"reason,omitempty"`
	PatternID string `json:"pattern_id,omitempty"`

	// Source is the pass that produced the decision.
	Source string `json:"source"`

	// UnwrapChain holds the redacted inner commands, outermost first.
	// Omitted when the command had no wrappers.
	UnwrapChain []string `json:"unwrap_chain,omitempty"`

	Cwd string `json:"cwd,omitempty"`
}

// NewEventID returns a new ULID event identifier.
func NewEventID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err == nil {
		return id.String()
	}

	slog.Error("audit: generate event id", "error", err)
	return ulid.Make().String()
}

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
	"io"
	"log/slog"
	"os"

	"github.com/damagecontrol/damage-control/internal/audit"
	"github.com/damagecontrol/damage-control/internal/config"
	"github.com/damagecontrol/damage-control/internal/engine"
	"github.com/damagecontrol/damage-control/internal/firewall"
	"github.com/damagecontrol/damage-control/internal/session"
)

// env is what a command needs to run the firewall: resolved config, a
// logger, and the stores built from them.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	rules  *engine.Loader

	closers []func()
}

// newEnv resolves configuration. Diagnostics go to the internal error
// log; when it cannot be opened they go to errW. stdout stays reserved
// for command output.
func newEnv(opts *rootOptions, errW io.Writer) *env {
	cfg := config.Load(opts.v)
	e := &env{cfg: cfg}

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	var w io.Writer = errW
	if err := os.MkdirAll(cfg.LogDir, 0o700); err == nil {
		if f, err := os.OpenFile(cfg.ErrorLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err == nil {
			w = f
			e.closers = append(e.closers, func() { _ = f.Close() })
		}
	}
	e.logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	e.rules = engine.NewLoader(cfg.RulesStore(e.logger))
	return e
}

func (e *env) sessions() *session.Store {
	return session.NewStore(e.cfg.SessionDir, session.WithLogger(e.logger))
}

// firewall builds the orchestrator. The audit sink is only attached when
// withAudit is set; a sink that cannot be opened is logged and skipped.
func (e *env) firewall(withAudit bool) *firewall.Firewall {
	opts := firewall.Options{
		Rules:          e.rules,
		Sessions:       e.sessions(),
		AutoAllowDelay: e.cfg.AutoAllowDelay,
		Logger:         e.logger,
	}
	if withAudit {
		sink, err := audit.NewJSONLSink(e.cfg.LogDir, audit.WithLogger(e.logger))
		if err != nil {
			e.logger.Warn("audit: sink unavailable", "dir", e.cfg.LogDir, "error", err)
		} else {
			opts.Audit = sink
			e.closers = append(e.closers, func() {
				if err := sink.Close(); err != nil {
					e.logger.Warn("audit: close failed", "error", err)
				}
			})
		}
	}
	return firewall.New(opts)
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

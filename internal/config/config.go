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

// Package config resolves runtime settings from flags and the environment.
//
// Keys use underscores. Flags are bound by the CLI; environment variables
// are bound here, mostly under the DAMAGE_CONTROL_ prefix. The host-facing
// variables CLAUDE_SESSION_ID and SESSION_AUTO_ALLOW_DELAY keep their
// names.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/damagecontrol/damage-control/internal/engine"
	"github.com/damagecontrol/damage-control/policies"
)

// EnvPrefix prefixes the firewall's own environment variables.
const EnvPrefix = "DAMAGE_CONTROL"

// Keys.
const (
	KeyConfig         = "config"
	KeyHome           = "home"
	KeySessionDir     = "session_dir"
	KeyLogDir         = "log_dir"
	KeySessionID      = "session_id"
	KeyAutoAllowDelay = "auto_allow_delay"
	KeyArchiveDays    = "log_archive_days"
	KeyDeleteDays     = "log_delete_days"
	KeyRotation       = "log_rotation"
	KeyDryRun         = "log_dry_run"
	KeyVerbose        = "verbose"
)

// RulesFileName is the rule file looked up in the home directory when no
// rule file is configured.
const RulesFileName = "patterns.yaml"

const (
	defaultAutoAllowDelaySeconds = 60
	defaultArchiveDays           = 7
	defaultDeleteDays            = 30
)

// Config is the resolved runtime configuration.
type Config struct {
	// Rules is the explicitly configured rule file, if any.
	Rules string

	Home       string
	SessionDir string
	LogDir     string
	SessionID  string

	AutoAllowDelay time.Duration

	ArchiveDays int
	DeleteDays  int
	Rotation    bool
	DryRun      bool

	Verbose bool
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()

	home := "."
	if h, err := os.UserHomeDir(); err == nil {
		home = h
	}
	v.SetDefault(KeyHome, filepath.Join(home, ".claude", "hooks", "damage-control"))
	v.SetDefault(KeyLogDir, filepath.Join(home, ".claude", "logs", "damage-control"))
	v.SetDefault(KeyAutoAllowDelay, defaultAutoAllowDelaySeconds)
	v.SetDefault(KeyArchiveDays, defaultArchiveDays)
	v.SetDefault(KeyDeleteDays, defaultDeleteDays)
	v.SetDefault(KeyRotation, "enabled")
	v.SetDefault(KeyDryRun, false)
	v.SetDefault(KeyVerbose, false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Variables set by the host or documented for users keep their names.
	_ = v.BindEnv(KeySessionID, "CLAUDE_SESSION_ID")
	_ = v.BindEnv(KeyAutoAllowDelay, "SESSION_AUTO_ALLOW_DELAY")
	return v
}

// BindFlags binds the CLI's persistent flags to their keys. Flags that
// are not defined on fs are skipped.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	bind := func(key, flag string) {
		if f := fs.Lookup(flag); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
	bind(KeyConfig, "config")
	bind(KeyHome, "home")
	bind(KeyLogDir, "log-dir")
	bind(KeyVerbose, "verbose")
}

// Load reads the configuration out of v.
func Load(v *viper.Viper) Config {
	cfg := Config{
		Rules:       expandHome(v.GetString(KeyConfig)),
		Home:        expandHome(v.GetString(KeyHome)),
		LogDir:      expandHome(v.GetString(KeyLogDir)),
		SessionDir:  expandHome(v.GetString(KeySessionDir)),
		SessionID:   strings.TrimSpace(v.GetString(KeySessionID)),
		ArchiveDays: v.GetInt(KeyArchiveDays),
		DeleteDays:  v.GetInt(KeyDeleteDays),
		Rotation:    !strings.EqualFold(strings.TrimSpace(v.GetString(KeyRotation)), "disabled"),
		DryRun:      v.GetBool(KeyDryRun),
		Verbose:     v.GetBool(KeyVerbose),
	}
	if cfg.SessionDir == "" {
		cfg.SessionDir = filepath.Join(cfg.Home, "sessions")
	}

	secs := v.GetInt(KeyAutoAllowDelay)
	if secs <= 0 {
		secs = defaultAutoAllowDelaySeconds
	}
	cfg.AutoAllowDelay = time.Duration(secs) * time.Second

	if cfg.ArchiveDays <= 0 {
		cfg.ArchiveDays = defaultArchiveDays
	}
	if cfg.DeleteDays <= 0 {
		cfg.DeleteDays = defaultDeleteDays
	}
	return cfg
}

// RulesStore picks the rule source: the configured file, else the rule
// file in the home directory, else the embedded default rules. Only an
// explicitly configured file is required to exist.
func (c Config) RulesStore(logger *slog.Logger) engine.PolicyStore {
	if c.Rules != "" {
		return engine.NewFileStore(c.Rules, logger)
	}
	if c.Home != "" {
		p := filepath.Join(c.Home, RulesFileName)
		if _, err := os.Stat(p); err == nil {
			return engine.NewFileStore(p, logger)
		} else if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("config: cannot stat rule file, using embedded rules", "path", p, "error", err)
		}
	}
	return engine.NewBytesStore(policies.DefaultName, policies.Default(), logger)
}

// ErrorLogPath is the internal error log of the hook.
func (c Config) ErrorLogPath() string {
	return filepath.Join(c.LogDir, "errors.log")
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	if c.LogDir == "" {
		return fmt.Errorf("config: %s is empty", KeyLogDir)
	}
	if c.DeleteDays < c.ArchiveDays {
		return fmt.Errorf("config: %s (%d) is shorter than %s (%d)", KeyDeleteDays, c.DeleteDays, KeyArchiveDays, c.ArchiveDays)
	}
	return nil
}

func expandHome(p string) string {
	p = strings.TrimSpace(p)
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

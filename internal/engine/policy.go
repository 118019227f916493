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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MaxUnwrapDepth bounds wrapper unwrapping and AST recursion.
	MaxUnwrapDepth = 3

	defaultASTTimeout = 200 * time.Millisecond
	maxASTTimeout     = 5 * time.Second
)

// PatternIDPrefix prefixes the positional rule id.
const PatternIDPrefix = "yaml_pattern_"

// ConfigError reports a rule file that is missing or cannot be parsed.
// It is the only error the hook surfaces to the host.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("engine: config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Rule is a single entry of bashToolPatterns.
type Rule struct {
	// Pattern is the regex source. It is compiled case-insensitively.
	Pattern string `yaml:"pattern"`

	// Reason is shown to the agent and recorded in the audit log.
	Reason string `yaml:"reason"`

	// Ask makes the rule prompt the human instead of blocking.
	Ask bool `yaml:"ask"`

	// SessionScope makes ask observations of this rule eligible for
	// delayed auto-approval within a session.
	SessionScope bool `yaml:"sessionScope"`

	// ContextSensitive allows documentation and commit-message context
	// to downgrade this rule by one level. Off unless declared.
	ContextSensitive bool `yaml:"contextSensitive"`

	index int
	re    *regexp.Regexp
}

// ID returns the stable positional id of the rule.
func (r *Rule) ID() string {
	return PatternID(r.index)
}

// Index returns the position of the rule in the rule file.
func (r *Rule) Index() int {
	return r.index
}

// Action returns the verdict this rule produces when it matches.
func (r *Rule) Action() Action {
	if r.Ask {
		return ActionAsk
	}
	return ActionBlock
}

// Find returns the leftmost match of the rule in s.
func (r *Rule) Find(s string) (string, bool) {
	if r.re == nil {
		return "", false
	}
	loc := r.re.FindStringIndex(s)
	if loc == nil {
		return "", false
	}
	return s[loc[0]:loc[1]], true
}

// PatternID formats the positional id for rule index i.
func PatternID(i int) string {
	return fmt.Sprintf("%s%d", PatternIDPrefix, i)
}

// ASTAnalysis configures the AST veto pass.
type ASTAnalysis struct {
	Enabled   *bool `yaml:"enabled"`
	TimeoutMs int   `yaml:"timeoutMs"`
}

// IsEnabled defaults to true when unset.
func (a ASTAnalysis) IsEnabled() bool {
	if a.Enabled == nil {
		return true
	}
	return *a.Enabled
}

// Timeout returns the configured budget for the whole AST pass.
func (a ASTAnalysis) Timeout() time.Duration {
	if a.TimeoutMs <= 0 {
		return defaultASTTimeout
	}
	d := time.Duration(a.TimeoutMs) * time.Millisecond
	if d > maxASTTimeout {
		return maxASTTimeout
	}
	return d
}

// Config is the parsed and compiled rule file.
type Config struct {
	BashToolPatterns       []*Rule     `yaml:"bashToolPatterns"`
	SafeCommands           []string    `yaml:"safeCommands"`
	DangerousCommands      []string    `yaml:"dangerousCommands"`
	ReadOnlySearchCommands []string    `yaml:"readOnlySearchCommands"`
	ASTAnalysis            ASTAnalysis `yaml:"astAnalysis"`
	ShellUnwrapDepth       int         `yaml:"shellUnwrapDepth"`

	source    string
	rules     []*Rule
	byID      map[string]*Rule
	safe      map[string]bool
	dangerous map[string]bool
	readOnly  map[string]bool
}

// Rules returns the compiled rules in source order. Rules whose pattern
// failed to compile are absent, but the remaining ids keep their position.
func (cfg *Config) Rules() []*Rule {
	return cfg.rules
}

// Rule looks up a compiled rule by id.
func (cfg *Config) Rule(id string) (*Rule, bool) {
	r, ok := cfg.byID[id]
	return r, ok
}

// PatternText returns the regex source of a rule.
func (cfg *Config) PatternText(id string) (string, bool) {
	r, ok := cfg.byID[id]
	if !ok {
		return "", false
	}
	return r.Pattern, true
}

// HasSessionScope reports whether the rule is eligible for delayed
// auto-approval.
func (cfg *Config) HasSessionScope(id string) bool {
	r, ok := cfg.byID[id]
	return ok && r.SessionScope
}

// Source returns where the config was loaded from.
func (cfg *Config) Source() string {
	return cfg.source
}

// IsSafeCommand reports whether name skips the AST pass.
func (cfg *Config) IsSafeCommand(name string) bool {
	return cfg.safe[commandBase(name)]
}

// IsDangerousCommand reports whether name gets variable-expansion scrutiny.
func (cfg *Config) IsDangerousCommand(name string) bool {
	return cfg.dangerous[commandBase(name)]
}

// IsReadOnlySearch reports whether name is a read-only search tool.
func (cfg *Config) IsReadOnlySearch(name string) bool {
	return cfg.readOnly[commandBase(name)]
}

// UnwrapDepth returns the effective wrapper unwrap depth.
func (cfg *Config) UnwrapDepth() int {
	if cfg.ShellUnwrapDepth <= 0 || cfg.ShellUnwrapDepth > MaxUnwrapDepth {
		return MaxUnwrapDepth
	}
	return cfg.ShellUnwrapDepth
}

// commandBase strips a directory from a command name: /usr/bin/rm -> rm.
func commandBase(name string) string {
	name = strings.TrimSpace(name)
	if strings.Contains(name, "/") {
		return path.Base(name)
	}
	return name
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			set[item] = true
		}
	}
	return set
}

// Parse decodes and compiles a rule file. Rules whose regex does not
// compile are dropped with one warning each.
func Parse(data []byte, source string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ConfigError{Path: source, Err: fmt.Errorf("parse yaml: %w", err)}
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, &ConfigError{Path: source, Err: errors.New("rule file must be a mapping")}
	}

	var cfg Config
	if err := root.Content[0].Decode(&cfg); err != nil {
		return nil, &ConfigError{Path: source, Err: fmt.Errorf("decode rules: %w", err)}
	}
	cfg.source = source
	cfg.compile(logger)

	if len(cfg.rules) == 0 {
		logger.Warn("engine: rule file has no usable bashToolPatterns", "source", source)
	}
	return &cfg, nil
}

func (cfg *Config) compile(logger *slog.Logger) {
	cfg.rules = make([]*Rule, 0, len(cfg.BashToolPatterns))
	cfg.byID = make(map[string]*Rule, len(cfg.BashToolPatterns))

	for i, r := range cfg.BashToolPatterns {
		if r == nil {
			continue
		}
		r.index = i
		if strings.TrimSpace(r.Pattern) == "" {
			logger.Warn("engine: dropping rule with empty pattern", "pattern_id", r.ID())
			continue
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			logger.Warn("engine: dropping rule with invalid pattern",
				"pattern_id", r.ID(),
				"pattern", r.Pattern,
				"error", err,
			)
			continue
		}
		r.re = re
		if r.Reason == "" {
			r.Reason = "matched " + r.ID()
		}
		cfg.rules = append(cfg.rules, r)
		cfg.byID[r.ID()] = r
	}

	cfg.safe = toSet(cfg.SafeCommands)
	cfg.dangerous = toSet(cfg.DangerousCommands)
	cfg.readOnly = toSet(cfg.ReadOnlySearchCommands)
}

// PolicyStore loads a rule file.
type PolicyStore interface {
	Load() (*Config, error)
	Path() string
}

// FileStore loads rules from a YAML file on disk.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore creates a store that reads the rule file at path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

// Load reads, parses and compiles the rule file.
func (s *FileStore) Load() (*Config, error) {
	absPath, err := filepath.Abs(s.path)
	if err != nil {
		return nil, &ConfigError{Path: s.path, Err: err}
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, &ConfigError{Path: absPath, Err: err}
	}
	return Parse(data, absPath, s.logger)
}

// Path returns the file path this store reads from.
func (s *FileStore) Path() string {
	return s.path
}

// BytesStore serves a rule file held in memory, such as the embedded
// default rules.
type BytesStore struct {
	name   string
	data   []byte
	logger *slog.Logger
}

// NewBytesStore creates a store over data. name is used in errors.
func NewBytesStore(name string, data []byte, logger *slog.Logger) *BytesStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BytesStore{name: name, data: data, logger: logger}
}

// Load parses the in-memory rule file.
func (s *BytesStore) Load() (*Config, error) {
	return Parse(s.data, s.name, s.logger)
}

// Path returns the store name.
func (s *BytesStore) Path() string {
	return s.name
}

// Loader compiles the rule file once and serves the cached result for
// the lifetime of the process. Hook processes are short-lived, so
// there is no reload.
type Loader struct {
	store PolicyStore
	once  sync.Once
	cfg   *Config
	err   error
}

// NewLoader wraps a store with a load-once cache.
func NewLoader(store PolicyStore) *Loader {
	return &Loader{store: store}
}

// Load returns the compiled config, loading it on first use.
func (l *Loader) Load() (*Config, error) {
	l.once.Do(func() {
		l.cfg, l.err = l.store.Load()
	})
	return l.cfg, l.err
}

// Path returns the underlying store path.
func (l *Loader) Path() string {
	return l.store.Path()
}

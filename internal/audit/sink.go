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

package audit

import (
	"log/slog"
	"time"
)

// Sink writes audit entries to a persistent store.
type Sink interface {
	Write(entry Entry) error
	Close() error
}

// SinkOption configures a Sink implementation.
type SinkOption func(*sinkConfig)

type sinkConfig struct {
	fsync    bool
	logger   *slog.Logger
	now      func() time.Time
	redactor *Redactor
}

func defaultSinkConfig() sinkConfig {
	return sinkConfig{
		now:      time.Now,
		redactor: DefaultRedactor(),
	}
}

// WithFsync configures whether writes call fsync before returning.
func WithFsync(enabled bool) SinkOption {
	return func(cfg *sinkConfig) {
		cfg.fsync = enabled
	}
}

// WithLogger configures the logger for audit operations.
// Defaults to slog.Default() if not set.
func WithLogger(logger *slog.Logger) SinkOption {
	return func(cfg *sinkConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock overrides the time source used for timestamps and for
// picking the daily file.
func WithClock(now func() time.Time) SinkOption {
	return func(cfg *sinkConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WithRedactor replaces the default secret redactor.
func WithRedactor(r *Redactor) SinkOption {
	return func(cfg *sinkConfig) {
		if r != nil {
			cfg.redactor = r
		}
	}
}

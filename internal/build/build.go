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

// Package build holds version metadata injected at link time:
//
//	go build -ldflags "-X github.com/damagecontrol/damage-control/internal/build.version=v0.3.0"
//
// A binary installed with `go install` reports its module version instead.
package build

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	version = "dev"

	// Commit is the short git commit hash.
	Commit = "unknown"

	// Date is the UTC build timestamp.
	Date = "unknown"
)

// Version returns the release version of the binary.
func Version() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// String is the one-line description printed by the version command.
func String(name string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s/%s)", name, Version(), Commit, Date, runtime.GOOS, runtime.GOARCH)
}

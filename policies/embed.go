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

// Package policies embeds the default rule file.
package policies

import (
	"embed"
	"fmt"
)

//go:embed default.yaml
var FS embed.FS

// DefaultName is the name the embedded rule file is reported under.
const DefaultName = "embedded:default.yaml"

// ProfileNames lists the built-in rule files.
var ProfileNames = []string{"default"}

// Default returns the embedded default rule file.
func Default() []byte {
	data, err := FS.ReadFile("default.yaml")
	if err != nil {
		panic(fmt.Sprintf("policies: embedded default.yaml: %v", err))
	}
	return data
}

// Profile returns the embedded rule file for a named profile.
func Profile(name string) ([]byte, error) {
	for _, p := range ProfileNames {
		if p == name {
			return FS.ReadFile(name + ".yaml")
		}
	}
	return nil, fmt.Errorf("unknown profile %q", name)
}

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

//go:build !cgo

package ast

import (
	"context"

	"github.com/damagecontrol/damage-control/internal/engine"
)

// The tree-sitter grammar is C; without cgo the pass is a no-op.
const available = false

func scanTree(context.Context, *engine.Config, string) (engine.Decision, error) {
	return engine.Allow("", engine.SourceAST), ErrUnavailable
}

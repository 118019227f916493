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
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/damagecontrol/damage-control/internal/ast"
	"github.com/damagecontrol/damage-control/internal/build"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build and runtime version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parser := "tree-sitter"
			if !ast.Available() {
				parser = "unavailable (built without cgo)"
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\nGo %s\nbash parser: %s\n", build.String("damage-control"), runtime.Version(), parser)
			if err != nil {
				return fmt.Errorf("cli: write version output: %w", err)
			}
			return nil
		},
	}
}

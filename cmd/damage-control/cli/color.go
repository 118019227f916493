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
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	dimStyle = lipgloss.NewStyle().Faint(true)
	boldRed  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// noColor returns true when the NO_COLOR environment variable is set.
func noColor() bool {
	_, ok := os.LookupEnv("NO_COLOR")
	return ok
}

// stderrSupportsColor returns true when stderr supports ANSI colors.
// Respects the NO_COLOR convention (https://no-color.org/).
func stderrSupportsColor() bool {
	if noColor() {
		return false
	}
	return isTerminal(os.Stderr)
}

func isTerminal(fd *os.File) bool {
	fi, err := fd.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// decisionMeta returns the icon and color for a decision label.
func decisionMeta(action string) (icon string, color lipgloss.Color) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "allow":
		return "✅", lipgloss.Color("10")
	case "ask":
		return "\U0001f7e1", lipgloss.Color("11")
	case "block":
		return "\U0001f6d1", lipgloss.Color("9")
	default:
		return "•", lipgloss.Color("7")
	}
}

// paint renders s in the decision color unless color is disabled.
func paint(action, s string, disableColor bool) string {
	if disableColor {
		return s
	}
	_, c := decisionMeta(action)
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

// formatBlockMessage returns the message printed to stderr on block.
func formatBlockMessage(command, reason string) string {
	if stderrSupportsColor() {
		return fmt.Sprintf("\U0001f6d1 %s\n   %s\n",
			boldRed.Render("Damage Control blocked: "+command),
			dimStyle.Render("Reason: "+reason),
		)
	}
	return fmt.Sprintf("\U0001f6d1 Damage Control blocked: %s\n   Reason: %s\n", command, reason)
}

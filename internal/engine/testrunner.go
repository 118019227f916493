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
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TestSuite is a collection of command expectations run against a rule
// file. Suites live in their own YAML file or inline under a "tests" key
// of the rule file.
type TestSuite struct {
	// Rules is the path to the rule file to test against.
	Rules string `yaml:"rules"`

	// Tests is the list of test cases.
	Tests []TestCase `yaml:"tests"`
}

// TestCase defines a single command expectation.
type TestCase struct {
	// Name describes what this test verifies.
	Name string `yaml:"name"`

	// Command is the shell command to evaluate.
	Command string `yaml:"command"`

	// Expect is the expected verdict: allow, ask or block.
	Expect string `yaml:"expect"`

	// ExpectPattern optionally pins the rule id that must fire.
	ExpectPattern string `yaml:"expect_pattern,omitempty"`

	// ExpectSource optionally pins the pass that must decide.
	ExpectSource string `yaml:"expect_source,omitempty"`
}

// TestResult holds the outcome of running a single test case.
type TestResult struct {
	Case           TestCase
	Passed         bool
	Decision       Decision
	ExpectedAction Action
	Error          error
}

// CommandEvaluator runs a command through the policy pipeline without
// side effects.
type CommandEvaluator func(command string) Decision

// LoadTestSuite reads a test suite from a YAML file.
func LoadTestSuite(path string) (*TestSuite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read test file: %w", err)
	}

	var suite TestSuite
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return nil, fmt.Errorf("engine: parse test file: %w", err)
	}
	if len(suite.Tests) == 0 {
		return nil, fmt.Errorf("engine: test file contains no tests")
	}

	// Resolve the rule path relative to the test file's directory.
	if suite.Rules != "" && !filepath.IsAbs(suite.Rules) {
		suite.Rules = filepath.Join(filepath.Dir(path), suite.Rules)
	}
	return &suite, nil
}

// LoadInlineTests extracts inline tests from a rule file.
// Returns nil, nil if no tests key is present.
func LoadInlineTests(rulesPath string) (*TestSuite, error) {
	data, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("engine: read rule file: %w", err)
	}

	var inline struct {
		Tests []TestCase `yaml:"tests"`
	}
	if err := yaml.Unmarshal(data, &inline); err != nil {
		return nil, fmt.Errorf("engine: parse inline tests: %w", err)
	}
	if len(inline.Tests) == 0 {
		return nil, nil
	}

	abs, _ := filepath.Abs(rulesPath)
	return &TestSuite{Rules: abs, Tests: inline.Tests}, nil
}

// RunTests executes all test cases in a suite.
func RunTests(eval CommandEvaluator, suite *TestSuite) []TestResult {
	results := make([]TestResult, 0, len(suite.Tests))
	for _, tc := range suite.Tests {
		results = append(results, runSingleTest(eval, tc))
	}
	return results
}

func runSingleTest(eval CommandEvaluator, tc TestCase) TestResult {
	expected, err := ParseAction(tc.Expect)
	if err != nil {
		return TestResult{Case: tc, Error: fmt.Errorf("invalid expect value %q: %w", tc.Expect, err)}
	}
	if tc.Command == "" {
		return TestResult{Case: tc, Error: fmt.Errorf("test case %q: command is required", tc.Name)}
	}

	d := eval(tc.Command)
	passed := d.Action == expected
	if passed && tc.ExpectPattern != "" && d.PatternID != tc.ExpectPattern {
		passed = false
	}
	if passed && tc.ExpectSource != "" && string(d.Source) != tc.ExpectSource {
		passed = false
	}

	return TestResult{
		Case:           tc,
		Passed:         passed,
		Decision:       d,
		ExpectedAction: expected,
	}
}

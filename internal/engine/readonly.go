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
	"path"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ReadOnlyReason is the reason attached to the fast-path allow.
const ReadOnlyReason = "read-only search pipeline"

// Flags that turn an otherwise read-only tool into one that writes files
// or runs other programs.
var readOnlyEscapes = map[string][]string{
	"find": {"-exec", "-execdir", "-ok", "-okdir", "-delete", "-fprint", "-fprint0", "-fprintf", "-fls"},
	"fd":   {"-x", "--exec", "-X", "--exec-batch"},
	"rg":   {"--pre"},
	"sort": {"-o", "--output"},
	"tree": {"-o"},
}

// IsReadOnlyPipeline reports whether every ;, &&, || and | separated
// segment of cmd starts with a read-only search tool. A segment also
// disqualifies the whole command when it contains a command or process
// substitution, redirects output anywhere but /dev/null or another
// descriptor, or passes a flag that makes the tool write or execute.
func IsReadOnlyPipeline(cmd string, cfg *Config) bool {
	if cfg == nil || len(cfg.readOnly) == 0 {
		return false
	}
	segments := SplitCompoundCommand(cmd)
	if len(segments) == 0 {
		return false
	}
	for _, seg := range segments {
		words, ok := SimpleCommandWords(seg)
		if !ok || len(words) == 0 {
			return false
		}
		name := path.Base(words[0].Value)
		if !cfg.IsReadOnlySearch(name) {
			return false
		}
		if hasEscapeFlag(name, words[1:]) {
			return false
		}
		if hasSideEffects(seg) {
			return false
		}
	}
	return true
}

func hasEscapeFlag(name string, args []Word) bool {
	escapes := readOnlyEscapes[name]
	if len(escapes) == 0 {
		return false
	}
	for _, a := range args {
		for _, e := range escapes {
			if a.Value == e || strings.HasPrefix(a.Value, e+"=") {
				return true
			}
			// Single-letter flags also count inside a cluster or with the
			// value attached: -ofile, -ro file.
			if len(e) == 2 && hasShortFlag(a.Value, e[1]) {
				return true
			}
		}
	}
	return false
}

// hasShortFlag reports whether w is a short-option word whose leading
// run of letters includes flag.
func hasShortFlag(w string, flag byte) bool {
	if len(w) < 2 || w[0] != '-' || w[1] == '-' {
		return false
	}
	for i := 1; i < len(w); i++ {
		c := w[i]
		if !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') {
			return false
		}
		if c == flag {
			return true
		}
	}
	return false
}

// hasSideEffects parses seg and looks for substitutions and writing
// redirections. A segment that does not parse counts as unsafe.
func hasSideEffects(seg string) bool {
	f, err := parseShell(seg)
	if err != nil {
		return true
	}
	found := false
	syntax.Walk(f, func(node syntax.Node) bool {
		if found {
			return false
		}
		switch n := node.(type) {
		case *syntax.CmdSubst, *syntax.ProcSubst:
			found = true
			return false
		case *syntax.Redirect:
			if writesFile(n) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

func writesFile(r *syntax.Redirect) bool {
	target := ""
	if r.Word != nil {
		target = r.Word.Lit()
	}
	switch r.Op {
	case syntax.RdrIn, syntax.DplIn, syntax.Hdoc, syntax.DashHdoc, syntax.WordHdoc:
		return false
	case syntax.DplOut:
		return target != "1" && target != "2" && target != "-"
	case syntax.RdrOut, syntax.AppOut, syntax.ClbOut, syntax.RdrAll, syntax.AppAll:
		return target != "/dev/null"
	default:
		return true
	}
}

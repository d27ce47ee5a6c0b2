// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package guard implements the Offline Guard (spec.md §4.2): a pure
// function from a processor source path to a pass/violation result. It is
// the static enforcement of the system's core "no network I/O" invariant.
package guard

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Forbidden is the exact module set named in spec.md §4.2. Any processor
// importing one of these — directly, or as a dotted submodule — fails the
// guard.
var Forbidden = []string{
	"requests",
	"socket",
	"http",
	"http.client",
	"urllib",
	"urllib.request",
	"urllib.parse",
	"urllib.error",
	"urllib3",
	"aiohttp",
	"asyncio",
	"paramiko",
	"ftplib",
	"smtplib",
	"poplib",
	"imaplib",
	"telnetlib",
	"xmlrpc",
	"xmlrpc.client",
}

// Violation describes a single forbidden import found in a processor.
type Violation struct {
	Module string // the offending module named in the import
	Line   int    // 1-based line number in the source file
	Text   string // the offending source line, trimmed
}

// Scan inspects the processor source at path and returns the first
// violation found, or nil if the file contains no forbidden import. It
// implements the "fall back to a textual scan" branch of spec.md §4.2's
// detection policy: lines beginning (after leading whitespace) with
// "import M" or "from M import ..." are inspected; M (or its dotted
// prefix) is checked against Forbidden.
func Scan(path string) (*Violation, error) {
	f, err := os.Open(path) //nolint:gosec // path is a configured processor path
	if err != nil {
		return nil, fmt.Errorf("open processor source: %w", err)
	}
	defer f.Close()

	forbidden := make(map[string]bool, len(Forbidden))
	for _, m := range Forbidden {
		forbidden[m] = true
	}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		module, ok := importedModule(trimmed)
		if !ok {
			continue
		}
		if isForbidden(module, forbidden) {
			return &Violation{Module: module, Line: lineNo, Text: trimmed}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan processor source: %w", err)
	}
	return nil, nil
}

// importedModule extracts the module named by a single "import M",
// "import M as N", or "from M import ..." line. ok is false when the line
// is not a recognized import statement.
func importedModule(line string) (string, bool) {
	switch {
	case strings.HasPrefix(line, "import "):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "import "))
		rest = strings.SplitN(rest, ",", 2)[0]
		rest = strings.SplitN(rest, " as ", 2)[0]
		return strings.TrimSpace(rest), true
	case strings.HasPrefix(line, "from "):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "from "))
		fields := strings.SplitN(rest, " import", 2)
		if len(fields) != 2 {
			return "", false
		}
		return strings.TrimSpace(fields[0]), true
	default:
		return "", false
	}
}

// isForbidden reports whether module, or any dotted prefix of it, is in the
// forbidden set — so "urllib.request.something" is caught by the
// "urllib.request" and "urllib" entries alike.
func isForbidden(module string, forbidden map[string]bool) bool {
	if forbidden[module] {
		return true
	}
	parts := strings.Split(module, ".")
	for i := 1; i < len(parts); i++ {
		if forbidden[strings.Join(parts[:i], ".")] {
			return true
		}
	}
	return false
}

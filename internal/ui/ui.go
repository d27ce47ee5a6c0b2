// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui renders the CLI's human-facing output: headers, colored stage
// status lines, and counts. JSON output bypasses this package entirely.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	Green  = color.New(color.FgGreen)
	Yellow = color.New(color.FgYellow)
	Red    = color.New(color.FgRed)
	Dim    = color.New(color.Faint)
	Bold   = color.New(color.Bold)
)

// InitColors enables or disables ANSI color output. It mirrors the teacher's
// CLI: an explicit --no-color flag always wins; otherwise color is disabled
// automatically when stdout is not a terminal (e.g. piped into a file).
func InitColors(noColor bool) {
	if noColor || !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

// Header prints a bold section title followed by a rule.
func Header(title string) {
	_, _ = Bold.Println(title)
	fmt.Println(dashes(len(title)))
}

// SubHeader prints a lightweight section title with no rule.
func SubHeader(title string) {
	_, _ = Bold.Println(title)
}

// Label formats a left-hand label for a "Label: value" line.
func Label(s string) string {
	return Dim.Sprint(s)
}

// CountText renders an integer count, dimmed when zero.
func CountText(n int) string {
	if n == 0 {
		return Dim.Sprint("0")
	}
	return fmt.Sprintf("%d", n)
}

// DimText renders s in the dim/faint style.
func DimText(s string) string {
	return Dim.Sprint(s)
}

// StageStatus renders a stage status: ok in green, skipped dimmed, failed
// in red, retrying in yellow; any other value is returned unstyled.
func StageStatus(status string) string {
	switch status {
	case "ok":
		return Green.Sprint("ok")
	case "skipped":
		return Dim.Sprint("skipped")
	case "failed":
		return Red.Sprint("failed")
	case "retrying":
		return Yellow.Sprint("retrying")
	default:
		return status
	}
}

func dashes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '-'
	}
	return string(b)
}

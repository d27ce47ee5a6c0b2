// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kraklabs/pipeline-runner/internal/ui"
	"github.com/kraklabs/pipeline-runner/pkg/pipeline"
)

// printSummary renders a run's outcome to stdout in the teacher's
// printResult idiom: a header, a labeled line per stage, then aggregate
// counts.
func printSummary(globals GlobalFlags, result *pipeline.RunResult) {
	fmt.Println()
	ui.Header(fmt.Sprintf("Run %s: %s", result.RunID, result.State))

	for _, o := range result.Outcomes {
		line := fmt.Sprintf("  %-24s %s", o.Stage, ui.StageStatus(string(o.Status)))
		if o.DurationSec != nil {
			line += fmt.Sprintf("  %s", ui.DimText(fmt.Sprintf("%.2fs", *o.DurationSec)))
		}
		fmt.Println(line)
		if o.Error != "" {
			fmt.Printf("    %s %s\n", ui.Label("error:"), o.Error)
		}
	}

	fmt.Println()
	fmt.Printf("%s %s  %s %s  %s %s\n",
		ui.Label("ok:"), ui.CountText(result.Metrics.OKStages),
		ui.Label("skipped:"), ui.CountText(result.Metrics.SkippedStages),
		ui.Label("failed:"), ui.CountText(result.Metrics.FailedStages),
	)
}

// jsonSummary is the wire shape printSummary's --json sibling emits.
type jsonSummary struct {
	RunID    string                  `json:"runId"`
	State    string                  `json:"state"`
	Outcomes []pipeline.StageOutcome `json:"outcomes"`
	Counts   struct {
		OK      int `json:"ok"`
		Skipped int `json:"skipped"`
		Failed  int `json:"failed"`
	} `json:"counts"`
}

func printJSONSummary(result *pipeline.RunResult) {
	if result == nil {
		return
	}
	summary := jsonSummary{RunID: result.RunID, State: string(result.State), Outcomes: result.Outcomes}
	summary.Counts.OK = result.Metrics.OKStages
	summary.Counts.Skipped = result.Metrics.SkippedStages
	summary.Counts.Failed = result.Metrics.FailedStages

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
}

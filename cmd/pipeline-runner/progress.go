// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"github.com/schollz/progressbar/v3"

	"github.com/kraklabs/pipeline-runner/pkg/pipeline"
)

// newProgressReporter returns a pipeline.ProgressCallback that drives a
// single progressbar across the run's stages, one increment per stage
// completion — the same "create once, advance on callback" shape as the
// teacher's per-phase bar in runLocalIndex, simplified here because a
// pipeline run has one linear phase (stages), not several.
func newProgressReporter(globals GlobalFlags, total int) pipeline.ProgressCallback {
	if globals.JSON || total == 0 {
		return nil
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Running stages"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	return func(current, total int, stageName string, status pipeline.StageStatus) {
		_ = bar.Set(current)
		if current == total {
			_ = bar.Finish()
		}
	}
}

// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main implements the pipeline-runner CLI: a single-machine,
// strictly offline batch pipeline orchestrator.
//
// Usage:
//
//	pipeline-runner --pipeline <path> --run-id <id> [--validate-offline]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/pipeline-runner/internal/config"
	pipelineerrors "github.com/kraklabs/pipeline-runner/internal/errors"
	"github.com/kraklabs/pipeline-runner/internal/ui"
	"github.com/kraklabs/pipeline-runner/pkg/pipeline"
	"github.com/kraklabs/pipeline-runner/pkg/pipeline/retry"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds the CLI flags that apply to the single run operation
// this tool exposes.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
	Verbose int
	Quiet   bool
}

func main() {
	var (
		pipelinePath    = flag.String("pipeline", "", "Path to the pipeline declaration (required)")
		runID           = flag.String("run-id", "", "Caller-supplied identifier for this run (required)")
		validateOffline = flag.Bool("validate-offline", false, "Scan every stage's processor for forbidden imports and exit, without executing anything")
		jsonOutput      = flag.Bool("json", false, "Output the run summary as JSON")
		noColor         = flag.Bool("no-color", false, "Disable color output (respects NO_COLOR env var)")
		verbose         = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet           = flag.BoolP("quiet", "q", false, "Suppress non-essential output")
		showVersion     = flag.BoolP("version", "V", false, "Show version and exit")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `pipeline-runner - single-machine, strictly offline batch pipeline orchestrator

Usage:
  pipeline-runner --pipeline <path> --run-id <id> [options]

Options:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  pipeline-runner --pipeline ./pipeline.json --run-id demo1
  pipeline-runner --pipeline ./pipeline.json --run-id demo1 --validate-offline
  pipeline-runner --pipeline ./pipeline.json --run-id demo2 --json

Exit status:
  0   run completed (including a run where every stage was skipped)
  1   run failed, or the pipeline declaration / CLI arguments were invalid
`)
	}
	flag.Parse()

	globals := GlobalFlags{JSON: *jsonOutput, NoColor: *noColor, Verbose: *verbose, Quiet: *quiet}

	logLevel := slog.LevelWarn
	switch {
	case globals.Verbose >= 2:
		logLevel = slog.LevelDebug
	case globals.Verbose == 1:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if *showVersion {
		fmt.Printf("pipeline-runner %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	if *pipelinePath == "" {
		pipelineerrors.FatalError(pipelineerrors.NewSpecError(
			"Missing required flag",
			`"--pipeline" is required`,
			"Run with --help for usage", nil,
		), globals.JSON)
	}
	if *runID == "" {
		pipelineerrors.FatalError(pipelineerrors.NewSpecError(
			"Missing required flag",
			`"--run-id" is required`,
			"Run with --help for usage", nil,
		), globals.JSON)
	}

	cfg, err := config.Load(*pipelinePath)
	if err != nil {
		pipelineerrors.FatalError(pipelineerrors.NewInternalError(
			"Cannot load ambient configuration", err.Error(), "", err,
		), globals.JSON)
	}
	ui.InitColors(globals.NoColor || cfg.UI.NoColor)

	spec, err := pipeline.LoadSpec(*pipelinePath)
	if err != nil {
		pipelineerrors.FatalError(err, globals.JSON)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	runner := pipeline.NewRunner()
	runner.ValidateOffline = *validateOffline
	runner.DefaultRetry = retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
		Jitter:      cfg.Retry.Jitter,
	}
	runner.LockTimeout = cfg.LockTimeout()
	if !globals.Quiet {
		runner.OnProgress = newProgressReporter(globals, len(spec.Stages))
	}

	result, runErr := runner.Run(ctx, spec, *runID)

	if globals.JSON {
		printJSONSummary(result)
	} else if result != nil {
		printSummary(globals, result)
	}

	if runErr != nil {
		if _, ok := runErr.(*pipelineerrors.UserError); ok {
			os.Exit(1)
		}
		pipelineerrors.FatalError(runErr, globals.JSON)
	}
}
